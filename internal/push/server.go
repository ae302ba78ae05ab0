package push

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Config holds the push server's listen and policy settings.
type Config struct {
	Host           string
	Port           int
	MaxConnections int

	// Rate and Burst parametrise the per-connection token bucket. Burst
	// defaults to 1.5× Rate.
	Rate            float64
	Burst           int
	CleanupInterval time.Duration

	// AuthEnabled requires a bearer token on the handshake. JWTSecret and
	// TokenTTL feed the authenticator.
	AuthEnabled bool
	JWTSecret   string
	TokenTTL    time.Duration

	// TLS wraps the listener when cert and key are set. CA plus
	// VerifyClient turn on mutual TLS.
	TLSCert      string
	TLSKey       string
	TLSCA        string
	VerifyClient bool
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxConnections <= 0 {
		out.MaxConnections = 1000
	}
	if out.Rate <= 0 {
		out.Rate = 100
	}
	if out.CleanupInterval <= 0 {
		out.CleanupInterval = DefaultCleanupInterval
	}
	return out
}

// StatusSource serves the get_pool_status and get_workflow_status requests
// from cached state. The broadcaster's status registry satisfies it.
type StatusSource interface {
	PoolStatus(poolID string) (map[string]interface{}, bool)
	WorkflowStatus(workflowID string) (map[string]interface{}, bool)
}

// Server is the long-lived push fabric. It upgrades HTTP connections to
// websockets on /ws, tracks room membership, and fans events out to rooms.
type Server struct {
	cfg     Config
	log     logrus.FieldLogger
	auth    *Authenticator
	limiter *Limiter
	metrics *Metrics
	status  StatusSource

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn
	rooms map[string]map[string]bool // room -> set of conn ids

	listener net.Listener
	httpSrv  *http.Server
	running  atomic.Bool
}

// ServerOption configures optional collaborators.
type ServerOption func(*Server)

// WithStatusSource attaches the cached pool/workflow status provider.
func WithStatusSource(src StatusSource) ServerOption {
	return func(s *Server) { s.status = src }
}

// WithRegistry registers the server's metrics on the given registry instead
// of the default one.
func WithRegistry(reg prometheus.Registerer) ServerOption {
	return func(s *Server) { s.metrics = NewMetrics(reg) }
}

// NewServer builds a push server. A nil logger falls back to the standard
// one.
func NewServer(cfg Config, log logrus.FieldLogger, opts ...ServerOption) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		log:     log,
		limiter: NewLimiter(cfg.Rate, cfg.Burst, cfg.CleanupInterval),
		conns:   make(map[string]*conn),
		rooms:   make(map[string]map[string]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The push channel serves trusted tooling, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if cfg.AuthEnabled {
		s.auth = NewAuthenticator(cfg.JWTSecret, cfg.TokenTTL)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(prometheus.DefaultRegisterer)
	}
	return s
}

// Handler exposes the websocket endpoint, for embedding and for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	return mux
}

// Start binds the listener, optionally wraps it in TLS, and serves until
// Stop. It returns once the listener is bound.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("push: listen %s: %w", addr, err)
	}
	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		tlsCfg, err := s.tlsConfig()
		if err != nil {
			_ = ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	s.listener = ln
	s.httpSrv = &http.Server{Handler: s.Handler()}
	s.running.Store(true)

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("push server exited")
		}
	}()
	s.log.WithFields(logrus.Fields{
		"addr": ln.Addr().String(),
		"tls":  s.cfg.TLSCert != "",
		"auth": s.cfg.AuthEnabled,
	}).Info("push server running")
	return nil
}

// Stop refuses new connections, closes the existing ones, and waits for the
// HTTP server to drain.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)
	s.limiter.Close()

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*conn)
	s.rooms = make(map[string]map[string]bool)
	s.mu.Unlock()
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server stopping")
	}
	s.metrics.ActiveConnections.Set(0)
	s.metrics.ActiveSubscriptions.Set(0)

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Running reports whether the server accepts connections.
func (s *Server) Running() bool { return s.running.Load() }

// Addr returns the bound listener address, for clients started on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("push: load key pair: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if s.cfg.TLSCA != "" {
		pem, err := os.ReadFile(s.cfg.TLSCA)
		if err != nil {
			return nil, fmt.Errorf("push: read CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("push: parse CA %s", s.cfg.TLSCA)
		}
		cfg.ClientCAs = pool
		if s.cfg.VerifyClient {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	return cfg, nil
}

// handleUpgrade authenticates the handshake, upgrades to a websocket, and
// runs the read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.running.Load() && s.httpSrv != nil {
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}
	s.mu.RLock()
	full := len(s.conns) >= s.cfg.MaxConnections
	s.mu.RUnlock()
	if full {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{id: uuid.NewString(), ws: ws}

	if s.auth != nil {
		claims, err := s.auth.Verify(bearerToken(r))
		if err != nil {
			// Auth failures close with the protocol-error code before
			// the connection is ever registered.
			c.close(websocket.ClosePolicyViolation, "authentication failed")
			s.metrics.Errors.WithLabelValues(CodeForbidden).Inc()
			s.log.WithField("remote", r.RemoteAddr).Warn("handshake rejected: bad token")
			return
		}
		c.claims = claims
	}

	s.register(c)
	c.send(&Envelope{
		Type:  TypeEvent,
		Event: "session.created",
		Data:  map[string]interface{}{"connection_id": c.id, "user_id": c.userID()},
	})
	s.metrics.Messages.WithLabelValues("event").Inc()
	go s.readLoop(c)
}

// bearerToken pulls the handshake token from the Authorization header or the
// token query parameter (browser websocket clients cannot set headers).
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) register(c *conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.metrics.ActiveConnections.Inc()
	s.log.WithFields(logrus.Fields{"conn_id": c.id, "user": c.userID()}).Debug("connection registered")
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	if _, ok := s.conns[c.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c.id)
	dropped := 0
	for room, members := range s.rooms {
		if members[c.id] {
			delete(members, c.id)
			dropped++
			if len(members) == 0 {
				delete(s.rooms, room)
			}
		}
	}
	s.mu.Unlock()

	s.metrics.ActiveConnections.Dec()
	s.metrics.ActiveSubscriptions.Sub(float64(dropped))
	s.limiter.Remove(c.id)
	c.close(websocket.CloseNormalClosure, "")
}

// readLoop consumes inbound frames. Each request is handled in its own
// goroutine so one slow handler cannot stall the connection's reads.
func (s *Server) readLoop(c *conn) {
	defer s.unregister(c)
	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}

		if ok, retryAfter := s.limiter.Allow(c.id); !ok {
			s.metrics.Errors.WithLabelValues(CodeRateLimited).Inc()
			if s.limiter.ShouldLog(c.id) {
				s.log.WithFields(logrus.Fields{
					"conn_id":     c.id,
					"retry_after": retryAfter,
				}).Warn("rate limit exceeded")
			}
			c.send(errorFrame(&env, CodeRateLimited, "rate limit exceeded",
				map[string]interface{}{"retry_after": retryAfter}))
			continue
		}

		switch env.Type {
		case TypeRequest:
			s.metrics.Messages.WithLabelValues("request").Inc()
			go s.handleRequest(c, &env)
		default:
			// Only requests flow client -> server today; anything else
			// is a protocol misuse worth surfacing.
			s.metrics.Errors.WithLabelValues(CodeUnknownRequest).Inc()
			c.send(errorFrame(&env, CodeUnknownRequest, fmt.Sprintf("unexpected frame type %q", env.Type), nil))
		}
	}
}

func (s *Server) handleRequest(c *conn, req *Envelope) {
	switch req.Event {
	case ReqSubscribe:
		s.handleSubscribe(c, req)
	case ReqUnsubscribe:
		s.handleUnsubscribe(c, req)
	case ReqGetPoolStatus:
		s.handlePoolStatus(c, req)
	case ReqGetWorkflowStatus:
		s.handleWorkflowStatus(c, req)
	default:
		s.metrics.Errors.WithLabelValues(CodeUnknownRequest).Inc()
		s.respond(c, errorFrame(req, CodeUnknownRequest, fmt.Sprintf("unknown request %q", req.Event), nil))
	}
}

func (s *Server) handleSubscribe(c *conn, req *Envelope) {
	channel := req.stringField("channel")
	if channel == "" {
		s.respond(c, errorFrame(req, CodeUnknownRequest, "subscribe requires a channel", nil))
		return
	}
	if err := authorizeChannel(c.claims, channel); err != nil {
		s.metrics.Errors.WithLabelValues(CodeForbidden).Inc()
		s.log.WithFields(logrus.Fields{"conn_id": c.id, "channel": channel, "user": c.userID()}).
			Warn("subscription refused")
		s.respond(c, errorFrame(req, CodeForbidden, err.Error(), nil))
		return
	}

	s.mu.Lock()
	members, ok := s.rooms[channel]
	if !ok {
		members = make(map[string]bool)
		s.rooms[channel] = members
	}
	added := !members[c.id]
	members[c.id] = true
	s.mu.Unlock()

	if added {
		s.metrics.ActiveSubscriptions.Inc()
	}
	s.respond(c, response(req, map[string]interface{}{"status": "subscribed", "channel": channel}))
}

func (s *Server) handleUnsubscribe(c *conn, req *Envelope) {
	channel := req.stringField("channel")
	s.mu.Lock()
	if members, ok := s.rooms[channel]; ok && members[c.id] {
		delete(members, c.id)
		if len(members) == 0 {
			delete(s.rooms, channel)
		}
		s.mu.Unlock()
		s.metrics.ActiveSubscriptions.Dec()
	} else {
		s.mu.Unlock()
	}
	s.respond(c, response(req, map[string]interface{}{"status": "unsubscribed", "channel": channel}))
}

func (s *Server) handlePoolStatus(c *conn, req *Envelope) {
	if s.status == nil {
		s.respond(c, errorFrame(req, CodeNotFound, "no status source attached", nil))
		return
	}
	id := req.stringField("pool_id")
	info, ok := s.status.PoolStatus(id)
	if !ok {
		s.respond(c, errorFrame(req, CodeNotFound, fmt.Sprintf("pool %s not found", id), nil))
		return
	}
	s.respond(c, response(req, info))
}

func (s *Server) handleWorkflowStatus(c *conn, req *Envelope) {
	if s.status == nil {
		s.respond(c, errorFrame(req, CodeNotFound, "no status source attached", nil))
		return
	}
	id := req.stringField("workflow_id")
	info, ok := s.status.WorkflowStatus(id)
	if !ok {
		s.respond(c, errorFrame(req, CodeNotFound, fmt.Sprintf("workflow %s not found", id), nil))
		return
	}
	s.respond(c, response(req, info))
}

// respond sends a response or error frame on the request's connection.
func (s *Server) respond(c *conn, env *Envelope) {
	if env.Type == TypeResponse {
		s.metrics.Messages.WithLabelValues("response").Inc()
	}
	if !c.send(env) {
		s.unregister(c)
	}
}

// BroadcastToRoom fans one frame out to every current member of the room.
// The membership set is copied under the lock and iterated outside it, so
// concurrent subscribes never block the fan-out. Failed sends unregister the
// subscriber. Returns the number of successful deliveries.
func (s *Server) BroadcastToRoom(room string, env *Envelope) int {
	start := time.Now()
	env.Room = room
	if env.Type == "" {
		env.Type = TypeEvent
	}

	s.mu.RLock()
	members := make([]*conn, 0, len(s.rooms[room]))
	for id := range s.rooms[room] {
		if c, ok := s.conns[id]; ok {
			members = append(members, c)
		}
	}
	s.mu.RUnlock()

	delivered := 0
	for _, c := range members {
		if c.send(env) {
			delivered++
			s.metrics.Messages.WithLabelValues("event").Inc()
		} else {
			s.unregister(c)
		}
	}
	s.metrics.BroadcastDuration.WithLabelValues(room).Observe(time.Since(start).Seconds())
	return delivered
}

// RoomSize reports a room's current membership count.
func (s *Server) RoomSize(room string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}

// ConnectionCount reports the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
