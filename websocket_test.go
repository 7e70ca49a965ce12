package sbm

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWSServer(t *testing.T, opt ...ServerOption) *Server {
	t.Helper()
	opt = append([]ServerOption{ServerLoggerOption(quietLogger())}, opt...)
	s, err := NewWebSocketServer("127.0.0.1:0", opt...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		_ = s.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return s
}

func connectWSClient(t *testing.T, s *Server) (*Client, uuid.UUID) {
	t.Helper()
	tr := NewWebSocketTransport("ws://"+s.Addr().String()+"/", LoggerOption(quietLogger()))
	c := NewClient(tr, DispatcherLoggerOption(quietLogger()))

	idCh := make(chan uuid.UUID, 1)
	c.OnEvent(ClientIdReceived, TypedEventHandler(func(id uuid.UUID) {
		select {
		case idCh <- id:
		default:
		}
	}))

	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Close)

	select {
	case id := <-idCh:
		return c, id
	case <-time.After(5 * time.Second):
		t.Fatal("client id not received")
		return nil, uuid.Nil
	}
}

func TestWebSocketServer_Echo(t *testing.T) {
	s := startWSServer(t, OnClientConnectedOption(func(c *ServerClient) {
		c.RegisterHandler("echo", func(ctx context.Context, m *Message) (*Message, error) {
			return m.Reply(m.Data), nil
		})
	}))

	c, clientID := connectWSClient(t, s)

	req := NewMessage("echo", "hi")
	reply, err := c.SendRequest(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, req.MessageID, reply.ReplyTo)
	assert.Equal(t, "hi", reply.Data)
	assert.Equal(t, ServerID, reply.SenderID)
	assert.Equal(t, clientID, reply.TargetID)
}

func TestWebSocketServer_PlainHTTPRejected(t *testing.T) {
	s := startWSServer(t)

	resp, err := http.Get("http://" + s.Addr().String() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketServer_Broadcast(t *testing.T) {
	s := startWSServer(t)

	recv1 := make(chan *Message, 2)
	recv2 := make(chan *Message, 2)

	c1, _ := connectWSClient(t, s)
	c1.RegisterVoidHandler("news", func(ctx context.Context, m *Message) error {
		recv1 <- m
		return nil
	})
	c2, _ := connectWSClient(t, s)
	c2.RegisterVoidHandler("news", func(ctx context.Context, m *Message) error {
		recv2 <- m
		return nil
	})

	require.NoError(t, s.Broadcast(context.Background(), NewMessage("news", 42)))

	for _, recv := range []chan *Message{recv1, recv2} {
		m := waitMessage(t, recv)
		assert.EqualValues(t, 42, toInt64(m.Data))
		assert.Equal(t, ServerID, m.SenderID)
	}
}

func TestWebSocketTransport_ServerCloseObserved(t *testing.T) {
	s := startWSServer(t)

	tr := NewWebSocketTransport("ws://"+s.Addr().String()+"/", LoggerOption(quietLogger()))
	c := NewClient(tr, DispatcherLoggerOption(quietLogger()))
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

	require.NoError(t, s.Close())

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not observe Disconnected")
	}
}

func TestWebSocketTransport_ConnectRefused(t *testing.T) {
	tr := NewWebSocketTransport("ws://127.0.0.1:1/",
		LoggerOption(quietLogger()),
		MaxRetriesOption(2),
		RetryDelayOption(time.Millisecond),
	)

	err := tr.Connect(context.Background())
	assert.Error(t, err)
}
