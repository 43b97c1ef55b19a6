// Package gate fronts the PostgreSQL wire protocol. It authenticates
// startup attempts with OIDC tokens instead of passwords, pins every
// upstream session to the mapped role, and screens client statements before
// they are relayed.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/pgveil/pgveil/internal/broker"
	"github.com/pgveil/pgveil/internal/observability"
)

// Config carries the gate's listener and upstream settings.
type Config struct {
	// Addr is the listen address for client connections.
	Addr string
	// UpstreamDSN is the service account DSN. The account must be able to
	// change session authorization to any mapped role.
	UpstreamDSN string
	// DatabaseClients restricts databases to specific OIDC client ids.
	DatabaseClients map[string]string
	// DatabaseClientFallback applies to databases absent from
	// DatabaseClients; empty means unlisted databases are unrestricted.
	DatabaseClientFallback string
}

// Server accepts client connections and runs one session per connection.
type Server struct {
	cfg       Config
	service   *broker.Service
	verifier  broker.TokenVerifier
	evaluator broker.PolicyEvaluator
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer constructs a gate server.
func NewServer(cfg Config, service *broker.Service, verifier broker.TokenVerifier, evaluator broker.PolicyEvaluator, logger *slog.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		service:   service,
		verifier:  verifier,
		evaluator: evaluator,
		logger:    logger,
		metrics:   metrics,
		conns:     make(map[net.Conn]struct{}),
	}
}

// Run listens for connections until the context is canceled, then closes the
// listener and every live session.
func (s *Server) Run(ctx context.Context) error {
	listener, err := new(net.ListenConfig).Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("gate listening", slog.String("addr", s.cfg.Addr))

	go func() {
		<-ctx.Done()
		listener.Close()
		s.closeAll()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				wg.Wait()
				return nil
			}
			s.logger.Warn("accept failed", slog.Any("error", err))
			continue
		}

		s.track(conn)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.untrack(conn)
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("session panicked", slog.Any("panic", r))
				}
			}()
			s.serve(ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// clientAllowed checks the per-database OIDC client allowlist. Listed
// databases accept exactly their configured client; unlisted databases
// accept the fallback client when one is set and are refused otherwise.
// With no list and no fallback the check is disabled.
func (s *Server) clientAllowed(database, clientID string) bool {
	if len(s.cfg.DatabaseClients) == 0 && s.cfg.DatabaseClientFallback == "" {
		return true
	}
	if want, ok := s.cfg.DatabaseClients[database]; ok {
		return clientID == want
	}
	if s.cfg.DatabaseClientFallback != "" {
		return clientID == s.cfg.DatabaseClientFallback
	}
	return false
}
