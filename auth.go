package sbm

import (
	"context"

	"github.com/pkg/errors"
)

// AuthContext is the per-client authentication record established by the
// handshake. It is created by the server's AuthHandler and attached to the
// connected client once; it is never mutated on that connection afterwards.
type AuthContext struct {
	UserID              string
	Roles               map[string]struct{}
	Scope               string
	Success             bool
	IsConnectionAllowed bool
	SessionData         any
}

// NewAuthContext builds a successful context for userID with the given
// roles and scope. The connection stays allowed.
func NewAuthContext(userID string, roles []string, scope string) *AuthContext {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return &AuthContext{
		UserID:              userID,
		Roles:               set,
		Scope:               scope,
		Success:             true,
		IsConnectionAllowed: true,
	}
}

// DenyAuth builds a failed context. allowConnection keeps the transport
// open after the failure reply.
func DenyAuth(allowConnection bool) *AuthContext {
	return &AuthContext{IsConnectionAllowed: allowConnection}
}

// HasRole reports membership of role in the context's role set.
func (a *AuthContext) HasRole(role string) bool {
	_, ok := a.Roles[role]
	return ok
}

// AuthHandler validates the credentials presented on the handshake channel
// and returns the resulting context.
type AuthHandler func(ctx context.Context, id, key, scope string) (*AuthContext, error)

// authState tracks the handshake progress of one connected client.
type authState int32

const (
	authNone authState = iota
	authPending
	authOK
	authFailed
)

// handleAuth is the pre-registered responding handler on the handshake
// channel. It reads Id/Key/Scope from the typeless payload, runs the
// server's AuthHandler, and replies with {Success: bool}. A failure with
// IsConnectionAllowed=false sends the reply and then drops the transport.
func (c *ServerClient) handleAuth(ctx context.Context, m *Message) (*Message, error) {
	c.setAuthState(authPending)

	data := m.DataMap()
	id, _ := data["Id"].(string)
	key, _ := data["Key"].(string)
	scope, _ := data["Scope"].(string)

	var actx *AuthContext
	var err error
	if h := c.server.opts.authHandler; h != nil {
		actx, err = h(ctx, id, key, scope)
	}
	if err != nil {
		c.logger.Error("auth handler", "client_id", c.ID, "error", err)
	}

	if err != nil || actx == nil || !actx.Success {
		c.setAuthState(authFailed)
		reply := m.Reply(map[string]any{"Success": false})
		if actx != nil && !actx.IsConnectionAllowed {
			// The refusal still has to reach the peer, so send it
			// ourselves before dropping the stream.
			c.sendReply(reply, m)
			_ = c.Transport().Close()
			return nil, nil
		}
		return reply, nil
	}

	c.setAuthContext(actx)
	c.setAuthState(authOK)
	c.Transport().OnAuthenticated()
	c.logger.Info("client authenticated", "client_id", c.ID, "user_id", actx.UserID)
	return m.Reply(map[string]any{"Success": true}), nil
}

// Authenticated reports whether the handshake completed successfully.
func (c *ServerClient) Authenticated() bool {
	c.authMu.RLock()
	defer c.authMu.RUnlock()
	return c.authState == authOK && c.authCtx != nil && c.authCtx.Success
}

// AuthContext returns the context attached by the handshake, or nil.
func (c *ServerClient) AuthContext() *AuthContext {
	c.authMu.RLock()
	defer c.authMu.RUnlock()
	return c.authCtx
}

func (c *ServerClient) setAuthState(s authState) {
	c.authMu.Lock()
	c.authState = s
	c.authMu.Unlock()
}

func (c *ServerClient) setAuthContext(a *AuthContext) {
	c.authMu.Lock()
	c.authCtx = a
	c.authMu.Unlock()
}

// isMessageAllowed gates inbound traffic. With anonymous traffic
// disallowed, only the handshake channel passes until the client has
// authenticated. Evaluated per message, so authentication takes effect
// immediately.
func (c *ServerClient) isMessageAllowed(m *Message) bool {
	if !c.server.opts.disallowAnonymous {
		return true
	}
	if c.Authenticated() {
		return true
	}
	return m.Channel == AuthChannel
}

// RequireAuthenticated fails unless the handshake completed successfully.
// Guards are meant to be called from handler bodies; the returned error is
// of kind ErrUnauthorized.
func (c *ServerClient) RequireAuthenticated() error {
	if !c.Authenticated() {
		return errors.Wrap(ErrUnauthorized, "authentication required")
	}
	return nil
}

// Require fails unless the client is authenticated, holds role, and (when
// scope is non-empty) matches scope.
func (c *ServerClient) Require(role, scope string) error {
	if err := c.RequireAuthenticated(); err != nil {
		return err
	}
	actx := c.AuthContext()
	if !actx.HasRole(role) {
		return errors.Wrapf(ErrUnauthorized, "role %q required", role)
	}
	if scope != "" && actx.Scope != scope {
		return errors.Wrapf(ErrUnauthorized, "scope %q required", scope)
	}
	return nil
}

// RequireAny fails unless the client holds at least one of roles and, when
// scopes is non-empty, matches at least one scope. Nil slices are
// unconstrained.
func (c *ServerClient) RequireAny(roles, scopes []string) error {
	if err := c.RequireAuthenticated(); err != nil {
		return err
	}
	actx := c.AuthContext()
	if len(roles) > 0 {
		ok := false
		for _, r := range roles {
			if actx.HasRole(r) {
				ok = true
				break
			}
		}
		if !ok {
			return errors.Wrapf(ErrUnauthorized, "one of roles %v required", roles)
		}
	}
	if len(scopes) > 0 {
		ok := false
		for _, s := range scopes {
			if actx.Scope == s {
				ok = true
				break
			}
		}
		if !ok {
			return errors.Wrapf(ErrUnauthorized, "one of scopes %v required", scopes)
		}
	}
	return nil
}

// RequireAll fails unless the client holds every role and matches every
// scope in the lists. Nil slices are unconstrained.
func (c *ServerClient) RequireAll(roles, scopes []string) error {
	if err := c.RequireAuthenticated(); err != nil {
		return err
	}
	actx := c.AuthContext()
	for _, r := range roles {
		if !actx.HasRole(r) {
			return errors.Wrapf(ErrUnauthorized, "role %q required", r)
		}
	}
	for _, s := range scopes {
		if actx.Scope != s {
			return errors.Wrapf(ErrUnauthorized, "scope %q required", s)
		}
	}
	return nil
}
