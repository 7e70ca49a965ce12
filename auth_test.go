package sbm

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func secureAuthHandler(ctx context.Context, id, key, scope string) (*AuthContext, error) {
	if id == "u" && key == "k" {
		return NewAuthContext("u", []string{"admin", "ops"}, scope), nil
	}
	return DenyAuth(true), nil
}

func TestAuth_AnonymousGating(t *testing.T) {
	s := startTCPServer(t,
		DisallowAnonymousOption(true),
		AuthHandlerOption(secureAuthHandler),
		OnClientConnectedOption(func(c *ServerClient) {
			c.RegisterHandler("secure", func(ctx context.Context, m *Message) (*Message, error) {
				if err := c.RequireAuthenticated(); err != nil {
					return nil, err
				}
				return m.Reply("granted"), nil
			})
		}),
	)

	c, _ := connectClient(t, s.Addr().String())

	// Before authentication the request is silently dropped.
	_, err := c.SendRequestTimeout(context.Background(), NewMessage("secure", nil), 300*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))

	ok, err := c.Authenticate(context.Background(), "u", "k", "")
	require.NoError(t, err)
	assert.True(t, ok)

	reply, err := c.SendRequest(context.Background(), NewMessage("secure", nil))
	require.NoError(t, err)
	assert.Equal(t, "granted", reply.Data)
}

func TestAuth_WrongCredentials(t *testing.T) {
	s := startTCPServer(t, AuthHandlerOption(secureAuthHandler))

	c, _ := connectClient(t, s.Addr().String())

	ok, err := c.Authenticate(context.Background(), "u", "wrong", "")
	require.NoError(t, err)
	assert.False(t, ok)

	// Connection stayed open; a second attempt can succeed.
	ok, err = c.Authenticate(context.Background(), "u", "k", "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAuth_NoHandlerDenies(t *testing.T) {
	s := startTCPServer(t)

	c, _ := connectClient(t, s.Addr().String())

	ok, err := c.Authenticate(context.Background(), "u", "k", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuth_FailureClosesConnection(t *testing.T) {
	s := startTCPServer(t, AuthHandlerOption(func(ctx context.Context, id, key, scope string) (*AuthContext, error) {
		return DenyAuth(false), nil
	}))

	c := NewClient(NewTCPTransport(s.Addr().String(), LoggerOption(quietLogger())),
		DispatcherLoggerOption(quietLogger()))
	disconnected := make(chan struct{}, 1)
	c.OnEvent(ConnectionStatusChanged, TypedEventHandler(func(st ConnectionStatus) {
		if st == Disconnected {
			select {
			case disconnected <- struct{}{}:
			default:
			}
		}
	}))
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Close)

	ok, err := c.Authenticate(context.Background(), "u", "k", "")
	require.NoError(t, err)
	assert.False(t, ok)

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not observe Disconnected")
	}
}

func TestAuth_AuthenticatedStatusEvent(t *testing.T) {
	s := startTCPServer(t, AuthHandlerOption(secureAuthHandler))

	c, _ := connectClient(t, s.Addr().String())
	authed := make(chan struct{}, 1)
	c.OnEvent(ConnectionStatusChanged, TypedEventHandler(func(st ConnectionStatus) {
		if st == Authenticated {
			select {
			case authed <- struct{}{}:
			default:
			}
		}
	}))

	ok, err := c.Authenticate(context.Background(), "u", "k", "")
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case <-authed:
	case <-time.After(5 * time.Second):
		t.Fatal("Authenticated status not observed")
	}
}

func TestAuth_Guards(t *testing.T) {
	s := startTCPServer(t, AuthHandlerOption(secureAuthHandler))

	c, id := connectClient(t, s.Addr().String())
	sc := s.Client(id)
	require.NotNil(t, sc)

	// Before the handshake every guard refuses.
	assert.True(t, errors.Is(sc.RequireAuthenticated(), ErrUnauthorized))
	assert.True(t, errors.Is(sc.Require("admin", ""), ErrUnauthorized))
	assert.True(t, errors.Is(sc.RequireAny([]string{"admin"}, nil), ErrUnauthorized))
	assert.True(t, errors.Is(sc.RequireAll(nil, nil), ErrUnauthorized))

	ok, err := c.Authenticate(context.Background(), "u", "k", "tenant-a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, sc.RequireAuthenticated())

	assert.NoError(t, sc.Require("admin", ""))
	assert.NoError(t, sc.Require("admin", "tenant-a"))
	assert.True(t, errors.Is(sc.Require("root", ""), ErrUnauthorized))
	assert.True(t, errors.Is(sc.Require("admin", "tenant-b"), ErrUnauthorized))

	assert.NoError(t, sc.RequireAny(nil, nil))
	assert.NoError(t, sc.RequireAny([]string{"root", "admin"}, nil))
	assert.NoError(t, sc.RequireAny(nil, []string{"tenant-a", "tenant-b"}))
	assert.True(t, errors.Is(sc.RequireAny([]string{"root"}, nil), ErrUnauthorized))
	assert.True(t, errors.Is(sc.RequireAny(nil, []string{"tenant-b"}), ErrUnauthorized))

	assert.NoError(t, sc.RequireAll([]string{"admin", "ops"}, []string{"tenant-a"}))
	assert.True(t, errors.Is(sc.RequireAll([]string{"admin", "root"}, nil), ErrUnauthorized))
	assert.True(t, errors.Is(sc.RequireAll(nil, []string{"tenant-a", "tenant-b"}), ErrUnauthorized))

	assert.Equal(t, "u", sc.AuthContext().UserID)
	assert.True(t, sc.AuthContext().HasRole("admin"))
}

func TestAuth_GuardInsideHandlerSynthesizesError(t *testing.T) {
	s := startTCPServer(t,
		AuthHandlerOption(secureAuthHandler),
		ServerErrorHandlerOption(func(m *Message, err error) *Message {
			return m.Reply(map[string]any{"Success": false, "Message": err.Error()})
		}),
		OnClientConnectedOption(func(c *ServerClient) {
			c.RegisterHandler("admin-only", func(ctx context.Context, m *Message) (*Message, error) {
				if err := c.Require("root", ""); err != nil {
					return nil, err
				}
				return m.Reply("done"), nil
			})
		}),
	)

	c, _ := connectClient(t, s.Addr().String())
	ok, err := c.Authenticate(context.Background(), "u", "k", "")
	require.NoError(t, err)
	require.True(t, ok)

	reply, err := c.SendRequest(context.Background(), NewMessage("admin-only", nil))
	require.NoError(t, err)

	data := reply.DataMap()
	require.NotNil(t, data)
	assert.Equal(t, false, data["Success"])
	assert.Contains(t, data["Message"], "unauthorized")
}
