package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/excalibur-labs/dispatch/pkg/messaging"
	"github.com/excalibur-labs/dispatch/pkg/pipeline"
)

// SchemaValidation validates message bodies against per-type JSON
// Schemas (draft 2020-12). Types without a registered schema pass
// through; a validation failure short-circuits the pipeline.
type SchemaValidation struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

var _ pipeline.Described = (*SchemaValidation)(nil)

func NewSchemaValidation() *SchemaValidation {
	return &SchemaValidation{schemas: make(map[string]*jsonschema.Schema)}
}

// AddSchema compiles and registers the schema for one message type.
// Compilation happens once here, never on the dispatch path.
func (v *SchemaValidation) AddSchema(messageType, schema string) error {
	if messageType == "" {
		return fmt.Errorf("middleware: schema needs a message type")
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://dispatch.schemas.local/%s.schema.json", messageType)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("middleware: schema for %s failed to load: %w", messageType, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("middleware: schema for %s failed to compile: %w", messageType, err)
	}

	v.mu.Lock()
	v.schemas[messageType] = compiled
	v.mu.Unlock()
	return nil
}

func (v *SchemaValidation) schemaFor(messageType string) (*jsonschema.Schema, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.schemas[messageType]
	return s, ok
}

func (v *SchemaValidation) Name() string          { return "schema_validation" }
func (v *SchemaValidation) Stage() pipeline.Stage { return pipeline.StageValidation }

// Descriptor gates validation to actions and documents; events carry
// facts that already happened and are not rejected on shape.
func (v *SchemaValidation) Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:  v.Name(),
		Stage: v.Stage(),
		ApplicableKinds: []messaging.MessageKind{
			messaging.KindAction,
			messaging.KindDocument,
		},
	}
}

func (v *SchemaValidation) Handle(ctx context.Context, msg *messaging.Message, mctx *messaging.Context, next pipeline.Next) pipeline.Result {
	schema, ok := v.schemaFor(msg.TypeName())
	if !ok {
		return next(ctx)
	}

	value, err := toJSONValue(msg.Body())
	if err != nil {
		return pipeline.Fail(fmt.Errorf("middleware: %s body is not JSON-encodable: %w", msg.TypeName(), err))
	}
	if err := schema.Validate(value); err != nil {
		return pipeline.Fail(fmt.Errorf("middleware: %s failed schema validation: %w", msg.TypeName(), err))
	}
	return next(ctx)
}

// toJSONValue reduces a typed body to the generic JSON form the
// validator consumes.
func toJSONValue(body any) (any, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}
