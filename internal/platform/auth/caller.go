package auth

import "context"

type contextKey string

const callerKey contextKey = "caller"

// Caller is the authenticated principal behind a request. A nil *Caller
// means the request is anonymous or authentication failed.
type Caller struct {
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// WithCaller returns a copy of ctx carrying the caller.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFromContext returns the caller stored in ctx, or nil.
func CallerFromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerKey).(*Caller)
	return c
}

func (c *Caller) userID() string {
	if c == nil {
		return ""
	}
	return c.UserID
}

func (c *Caller) role() string {
	if c == nil {
		return ""
	}
	return c.Role
}
