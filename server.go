package sbm

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ServerClient is one connected client on the server side: a Dispatcher
// over the accepted transport, plus the server-assigned identity and the
// authentication state established by the handshake.
type ServerClient struct {
	*Dispatcher

	// ID is the server-assigned identity of the peer, announced to it
	// right after accept.
	ID uuid.UUID

	server *Server

	authMu    sync.RWMutex
	authState authState
	authCtx   *AuthContext
}

func newServerClient(s *Server, t Transport) *ServerClient {
	dopt := []DispatcherOption{
		DispatcherLoggerOption(s.logger),
		ErrorHandlerOption(s.opts.errorHandler),
	}
	if s.opts.requestTimeout > 0 {
		dopt = append(dopt, RequestTimeoutOption(s.opts.requestTimeout))
	}

	d := NewDispatcher(t, dopt...)
	d.setClientID(ServerID)

	c := &ServerClient{Dispatcher: d, ID: uuid.New(), server: s}
	d.allowed = c.isMessageAllowed
	c.RegisterHandler(AuthChannel, c.handleAuth)

	d.onDispose(func() {
		s.RemoveClient(c.ID)
		if cb := s.opts.onClientDisconnected; cb != nil {
			cb(c)
		}
		s.logger.Info("client disconnected", "client_id", c.ID)
	})

	return c
}

// serverOptions holds the server-wide configuration applied to the
// listener and to every connected-client dispatcher.
type serverOptions struct {
	logger Logger
	codec  Codec

	maxFrameLength int
	requestTimeout time.Duration

	tlsConfig *tls.Config

	disallowAnonymous bool
	errorHandler      ErrorHandler
	authHandler       AuthHandler

	onClientConnected    func(*ServerClient)
	onClientDisconnected func(*ServerClient)
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

func newServerOptions(opt ...ServerOption) serverOptions {
	opts := serverOptions{
		logger:         defaultLogger(),
		codec:          MsgpackCodec{},
		maxFrameLength: defaultMaxFrameLength,
	}
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// ServerLoggerOption sets the logger for the server and its clients.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(o *serverOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// ServerCodecOption sets the codec used on accepted connections.
func ServerCodecOption(codec Codec) ServerOption {
	return func(o *serverOptions) {
		if codec != nil {
			o.codec = codec
		}
	}
}

// ServerFrameMaxSize sets the maximum frame payload size on accepted
// connections.
func ServerFrameMaxSize(size int) ServerOption {
	return func(o *serverOptions) {
		if size > 0 {
			o.maxFrameLength = size
		}
	}
}

// ServerRequestTimeoutOption sets the default SendRequest timeout on
// connected-client dispatchers.
func ServerRequestTimeoutOption(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.requestTimeout = d
	}
}

// ServerTLSConfigOption serves TLS with the given config. The config must
// carry a certificate.
func ServerTLSConfigOption(cfg *tls.Config) ServerOption {
	return func(o *serverOptions) {
		o.tlsConfig = cfg
	}
}

// DisallowAnonymousOption drops every non-handshake message from clients
// that have not authenticated yet.
func DisallowAnonymousOption(disallow bool) ServerOption {
	return func(o *serverOptions) {
		o.disallowAnonymous = disallow
	}
}

// ServerErrorHandlerOption sets the hook all connected-client dispatchers
// use to synthesize failure replies for responding handlers.
func ServerErrorHandlerOption(h ErrorHandler) ServerOption {
	return func(o *serverOptions) {
		o.errorHandler = h
	}
}

// AuthHandlerOption sets the credential validator behind the handshake
// channel.
func AuthHandlerOption(h AuthHandler) ServerOption {
	return func(o *serverOptions) {
		o.authHandler = h
	}
}

// OnClientConnectedOption is invoked after a client is accepted and
// recorded, strictly before its inbound loop starts.
func OnClientConnectedOption(cb func(*ServerClient)) ServerOption {
	return func(o *serverOptions) {
		o.onClientConnected = cb
	}
}

// OnClientDisconnectedOption is invoked after a client's inbound loop has
// exited and it was removed from the registry.
func OnClientDisconnectedOption(cb func(*ServerClient)) ServerOption {
	return func(o *serverOptions) {
		o.onClientDisconnected = cb
	}
}

// Server accepts many clients and wraps each in its own dispatcher. It owns
// the listener and the client registry.
type Server struct {
	opts   serverOptions
	logger Logger

	ws         bool
	listener   net.Listener
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	shutdown bool

	clMu    sync.RWMutex
	clients map[uuid.UUID]*ServerClient
}

// NewServer creates a TCP server bound to addr (host:port). With
// ServerTLSConfigOption the listener serves TLS; a config without a
// certificate is a configuration error.
func NewServer(addr string, opt ...ServerOption) (*Server, error) {
	opts := newServerOptions(opt...)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	if opts.tlsConfig != nil {
		if len(opts.tlsConfig.Certificates) == 0 && opts.tlsConfig.GetCertificate == nil {
			_ = listener.Close()
			return nil, ErrMissingCertificate
		}
		listener = tls.NewListener(listener, opts.tlsConfig)
	}

	return &Server{
		opts:     opts,
		logger:   opts.logger,
		listener: listener,
		clients:  make(map[uuid.UUID]*ServerClient),
	}, nil
}

// NewWebSocketServer creates an HTTP server on addr that upgrades requests
// to WebSocket connections. Non-WebSocket requests receive 400.
func NewWebSocketServer(addr string, opt ...ServerOption) (*Server, error) {
	opts := newServerOptions(opt...)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	if opts.tlsConfig != nil {
		if len(opts.tlsConfig.Certificates) == 0 && opts.tlsConfig.GetCertificate == nil {
			_ = listener.Close()
			return nil, ErrMissingCertificate
		}
		listener = tls.NewListener(listener, opts.tlsConfig)
	}

	s := &Server{
		opts:     opts,
		logger:   opts.logger,
		ws:       true,
		listener: listener,
		clients:  make(map[uuid.UUID]*ServerClient),
	}
	s.httpServer = &http.Server{Handler: s}
	return s, nil
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until the context is canceled or an
// unrecoverable error occurs. Each accepted stream gets its own
// ServerClient whose inbound loop starts after ClientConnected fired.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("server started", "addr", s.Addr())
	if s.ws {
		return s.serveWS(ctx)
	}
	return s.serveTCP(ctx)
}

func (s *Server) serveTCP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.markShutdown()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isShutdown() {
				s.disposeClients()
				s.logger.Info("server stopped", "addr", s.Addr())
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		s.attach(newAcceptedTransport(conn, s.transportOptions()))
	}
}

func (s *Server) serveWS(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.markShutdown()
		_ = s.httpServer.Close()
	}()

	err := s.httpServer.Serve(s.listener)
	if s.isShutdown() || errors.Is(err, http.ErrServerClosed) {
		s.disposeClients()
		s.logger.Info("server stopped", "addr", s.Addr())
		return ctx.Err()
	}
	return err
}

// ServeHTTP upgrades WebSocket requests and attaches the connection; plain
// HTTP requests are refused with 400.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
	s.attach(newAcceptedWSTransport(conn, s.transportOptions()))
}

func (s *Server) transportOptions() options {
	return options{
		codec:          s.opts.codec,
		logger:         s.logger,
		maxFrameLength: s.opts.maxFrameLength,
	}
}

// attach wraps an accepted transport in a ServerClient: record it, fire
// ClientConnected, announce the assigned id, then start the inbound loop.
func (s *Server) attach(t Transport) {
	c := newServerClient(s, t)

	s.clMu.Lock()
	s.clients[c.ID] = c
	s.clMu.Unlock()

	s.logger.Info("client connected", "client_id", c.ID)
	if cb := s.opts.onClientConnected; cb != nil {
		cb(c)
	}

	if err := c.Send(context.Background(), NewMessage(clientIDChannel, c.ID.String())); err != nil {
		s.logger.Error("announce client id", "client_id", c.ID, "error", err)
	}

	c.Start()
}

// Client returns the connected client with the given id, or nil.
func (s *Server) Client(id uuid.UUID) *ServerClient {
	s.clMu.RLock()
	defer s.clMu.RUnlock()
	return s.clients[id]
}

// Clients returns a snapshot of all connected clients.
func (s *Server) Clients() []*ServerClient {
	s.clMu.RLock()
	defer s.clMu.RUnlock()
	out := make([]*ServerClient, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// RemoveClient drops the registry entry for id. Connected-client
// dispatchers call this during their own dispose sequence so the server's
// view stays consistent without polling.
func (s *Server) RemoveClient(id uuid.UUID) {
	s.clMu.Lock()
	delete(s.clients, id)
	s.clMu.Unlock()
}

// Broadcast fans m out to every connected client concurrently. Each client
// gets its own copy stamped with the server identity.
func (s *Server) Broadcast(ctx context.Context, m *Message) error {
	if m.MessageID == uuid.Nil {
		m.MessageID = uuid.New()
	}

	var g errgroup.Group
	for _, c := range s.Clients() {
		c := c
		g.Go(func() error {
			cp := *m
			return c.Send(ctx, &cp)
		})
	}
	return g.Wait()
}

// SendToClient directs m at the client with the given id.
func (s *Server) SendToClient(ctx context.Context, id uuid.UUID, m *Message) error {
	c := s.Client(id)
	if c == nil {
		return errors.Wrapf(ErrClientNotConnected, "client %s", id)
	}
	m.TargetID = id
	return c.Send(ctx, m)
}

// Close stops the listener and disposes all connected clients. Safe to
// call multiple times.
func (s *Server) Close() error {
	s.markShutdown()
	var err error
	if s.ws {
		err = s.httpServer.Close()
	} else {
		err = s.listener.Close()
	}
	s.disposeClients()
	return err
}

func (s *Server) disposeClients() {
	for _, c := range s.Clients() {
		c.Dispose()
	}
}

func (s *Server) markShutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}
