package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/excalibur-labs/dispatch/pkg/messaging"
	"github.com/excalibur-labs/dispatch/pkg/pipeline"
)

// ErrUnauthorized marks a dispatch denied by the authorization
// middleware.
var ErrUnauthorized = errors.New("middleware: unauthorized")

// Role orders the dispatch roles a token may carry.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

func (r Role) rank() int { return roleRank[r] }

// TokenCarrier is the shape the host's request services must expose for
// authorized dispatches.
type TokenCarrier interface {
	BearerToken() string
}

// DispatchClaims are the JWT claims the dispatch runtime expects.
type DispatchClaims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// Authorization denies dispatches whose bearer token is missing,
// invalid, bound to another tenant, or below the minimum role. The
// token travels in the context's request services as a TokenCarrier.
type Authorization struct {
	keyFunc jwt.Keyfunc
	minimum Role
}

var _ pipeline.Described = (*Authorization)(nil)

func NewAuthorization(keyFunc jwt.Keyfunc, minimum Role) *Authorization {
	if minimum == "" {
		minimum = RoleOperator
	}
	return &Authorization{keyFunc: keyFunc, minimum: minimum}
}

func (a *Authorization) Name() string          { return "authorization" }
func (a *Authorization) Stage() pipeline.Stage { return pipeline.StageAuthorization }

// Descriptor gates the middleware on the auth feature, so anonymous
// pipelines never pay for token parsing.
func (a *Authorization) Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:             a.Name(),
		Stage:            a.Stage(),
		RequiredFeatures: []messaging.Feature{messaging.FeatureAuth},
	}
}

func (a *Authorization) Handle(ctx context.Context, msg *messaging.Message, mctx *messaging.Context, next pipeline.Next) pipeline.Result {
	claims, err := a.authenticate(mctx)
	if err != nil {
		return pipeline.Fail(err)
	}
	if !a.permitted(claims.Roles) {
		return pipeline.Fail(fmt.Errorf("%w: role %q or above required", ErrUnauthorized, a.minimum))
	}
	return next(ctx)
}

func (a *Authorization) authenticate(mctx *messaging.Context) (*DispatchClaims, error) {
	carrier, ok := mctx.RequestServices().(TokenCarrier)
	if !ok || carrier.BearerToken() == "" {
		return nil, fmt.Errorf("%w: no bearer token", ErrUnauthorized)
	}
	if a.keyFunc == nil {
		// Fail closed when no verification key is wired.
		return nil, fmt.Errorf("%w: authorization not configured", ErrUnauthorized)
	}

	tokenStr := strings.TrimPrefix(carrier.BearerToken(), "Bearer ")
	claims := &DispatchClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, a.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token subject is required", ErrUnauthorized)
	}
	if tenant := mctx.TenantID(); tenant != "" && claims.TenantID != tenant {
		return nil, fmt.Errorf("%w: token is bound to another tenant", ErrUnauthorized)
	}
	return claims, nil
}

func (a *Authorization) permitted(roles []string) bool {
	need := a.minimum.rank()
	for _, r := range roles {
		if Role(r).rank() >= need {
			return true
		}
	}
	return false
}
