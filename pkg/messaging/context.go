package messaging

import "time"

// Context carries per-dispatch identity and tenancy alongside a message.
// It is mutable through its setters until Seal is called at pipeline
// entry; after that every setter is a no-op and the pipeline treats the
// context as read-only.
type Context struct {
	messageID       string
	correlationID   string
	causationID     string
	tenantID        string
	requestServices any
	receivedAt      time.Time
	sealed          bool
}

// NewContext builds a context for the given message id with the receive
// timestamp set to now (UTC).
func NewContext(messageID string) *Context {
	return &Context{
		messageID:  messageID,
		receivedAt: time.Now().UTC(),
	}
}

// Seal freezes the context. Sealing twice is harmless.
func (c *Context) Seal() { c.sealed = true }

// Sealed reports whether the context has entered the pipeline.
func (c *Context) Sealed() bool { return c.sealed }

func (c *Context) MessageID() string     { return c.messageID }
func (c *Context) CorrelationID() string { return c.correlationID }
func (c *Context) CausationID() string   { return c.causationID }
func (c *Context) TenantID() string      { return c.tenantID }
func (c *Context) ReceivedAt() time.Time { return c.receivedAt }

// RequestServices returns the opaque capability bag. The runtime only
// forwards it; handlers and middleware cast it to whatever the host wired.
func (c *Context) RequestServices() any { return c.requestServices }

// SetCorrelationID sets the correlation id. Ignored after Seal.
func (c *Context) SetCorrelationID(id string) *Context {
	if !c.sealed {
		c.correlationID = id
	}
	return c
}

// SetCausationID sets the causing message id. Ignored after Seal.
func (c *Context) SetCausationID(id string) *Context {
	if !c.sealed {
		c.causationID = id
	}
	return c
}

// SetTenantID sets the tenant. Ignored after Seal.
func (c *Context) SetTenantID(id string) *Context {
	if !c.sealed {
		c.tenantID = id
	}
	return c
}

// SetRequestServices attaches the host capability bag. Ignored after Seal.
func (c *Context) SetRequestServices(services any) *Context {
	if !c.sealed {
		c.requestServices = services
	}
	return c
}

// SetReceivedAt overrides the receive timestamp, mainly for tests.
// Ignored after Seal.
func (c *Context) SetReceivedAt(t time.Time) *Context {
	if !c.sealed {
		c.receivedAt = t.UTC()
	}
	return c
}
