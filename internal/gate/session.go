package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgveil/pgveil/internal/broker"
	"github.com/pgveil/pgveil/internal/policy"
	"github.com/pgveil/pgveil/internal/sqlscan"
)

// SQLSTATEs surfaced to clients.
const (
	codeInvalidAuthorization  = "28000"
	codeInsufficientPrivilege = "42501"
)

// session is one client connection from handshake to teardown.
type session struct {
	server  *Server
	backend *pgproto3.Backend

	clientConn net.Conn
	writeMu    sync.Mutex

	upstream *pgconn.HijackedConn

	role     broker.RoleSession
	creds    Credentials
	database string

	// txStatus mirrors the last ReadyForQuery from the backend so locally
	// synthesized errors report the real transaction state.
	txStatus atomic.Int32

	// pendingErr poisons an extended-protocol pipeline after a denied Parse;
	// everything up to the next Sync is swallowed.
	pendingErr *pgproto3.ErrorResponse

	logger *slog.Logger
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	sess := &session{
		server:     s,
		backend:    pgproto3.NewBackend(conn, conn),
		clientConn: conn,
		logger:     s.logger.With(slog.String("session_id", uuid.NewString())),
	}
	if err := sess.run(ctx); err != nil {
		s.logger.Debug("session ended", slog.Any("error", err))
	}
}

func (s *session) run(ctx context.Context) error {
	startup, err := s.receiveStartup()
	if err != nil || startup == nil {
		return err
	}

	if err := s.authenticate(ctx, startup); err != nil {
		return err
	}
	s.logger = s.logger.With(slog.String("role", s.role.Role), slog.String("database", s.database))

	if err := s.connectUpstream(ctx); err != nil {
		s.server.metrics.SessionRefused("upstream")
		s.logger.Error("upstream connect failed", slog.Any("error", err))
		s.refuse(codeInvalidAuthorization, "backend unavailable")
		return err
	}
	defer s.upstream.Conn.Close()

	if err := s.completeHandshake(); err != nil {
		return err
	}
	s.logger.Info("session established")

	go s.relayBackend()
	return s.relayFrontend(ctx)
}

// receiveStartup consumes startup-phase messages until a StartupMessage
// arrives. Encryption negotiation is refused with 'N'; cancel requests carry
// no session and are dropped.
func (s *session) receiveStartup() (*pgproto3.StartupMessage, error) {
	for {
		msg, err := s.backend.ReceiveStartupMessage()
		if err != nil {
			return nil, err
		}
		switch msg := msg.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			if _, err := s.clientConn.Write([]byte{'N'}); err != nil {
				return nil, err
			}
		case *pgproto3.CancelRequest:
			return nil, nil
		case *pgproto3.StartupMessage:
			return msg, nil
		default:
			return nil, fmt.Errorf("gate: unexpected startup message %T", msg)
		}
	}
}

// authenticate resolves the startup user to a role session. Three paths:
// tokens embedded in the user field, a previously vended role name, or the
// token pair supplied as the cleartext password for the role name.
func (s *session) authenticate(ctx context.Context, startup *pgproto3.StartupMessage) error {
	user := startup.Parameters["user"]
	s.database = startup.Parameters["database"]
	if s.database == "" {
		s.database = user
	}

	if creds, ok := ParseCredentials(user, false); ok {
		session, token, err := s.server.service.Exchange(ctx, creds.AccessToken, creds.RefreshToken)
		if err != nil {
			s.server.metrics.SessionRefused("unauthenticated")
			s.refuse(codeInvalidAuthorization, "token rejected")
			return err
		}
		creds.AccessToken = token
		s.role, s.creds = session, creds
		return s.checkDatabase("token")
	}

	if session, err := s.server.service.Resolve(ctx, user); err == nil {
		s.role = session
		return s.checkDatabase("brokered")
	} else if !errors.Is(err, broker.ErrUnknownRole) {
		s.refuse(codeInvalidAuthorization, "session store unavailable")
		return err
	}

	creds, err := s.requestPassword()
	if err != nil {
		return err
	}
	session, token, err := s.server.service.Exchange(ctx, creds.AccessToken, creds.RefreshToken)
	if err != nil {
		s.server.metrics.SessionRefused("unauthenticated")
		s.refuse(codeInvalidAuthorization, "token rejected")
		return err
	}
	if session.Role != user {
		s.server.metrics.SessionRefused("role_mismatch")
		s.refuse(codeInvalidAuthorization, fmt.Sprintf("token does not belong to role %q", user))
		return fmt.Errorf("gate: token maps to %s, startup user is %s", session.Role, user)
	}
	creds.AccessToken = token
	s.role, s.creds = session, creds
	return s.checkDatabase("password")
}

func (s *session) checkDatabase(path string) error {
	if !s.server.clientAllowed(s.database, s.role.ClientID) {
		s.server.metrics.SessionRefused("database_not_permitted")
		s.refuse(codeInvalidAuthorization, fmt.Sprintf("database %q is not permitted for this client", s.database))
		return fmt.Errorf("gate: client %s not permitted on database %s", s.role.ClientID, s.database)
	}
	s.server.metrics.SessionOpened(path)
	return nil
}

// requestPassword runs the cleartext password exchange and parses the
// response as a token pair. A bare token is accepted here.
func (s *session) requestPassword() (Credentials, error) {
	if err := s.writeToClient(&pgproto3.AuthenticationCleartextPassword{}); err != nil {
		return Credentials{}, err
	}
	if err := s.backend.SetAuthType(pgproto3.AuthTypeCleartextPassword); err != nil {
		return Credentials{}, err
	}

	msg, err := s.backend.Receive()
	if err != nil {
		return Credentials{}, err
	}
	password, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return Credentials{}, fmt.Errorf("gate: expected password message, got %T", msg)
	}
	creds, ok := ParseCredentials(password.Password, true)
	if !ok {
		s.server.metrics.SessionRefused("unauthenticated")
		s.refuse(codeInvalidAuthorization, "password must carry an access token")
		return Credentials{}, errors.New("gate: password carried no token")
	}
	return creds, nil
}

// connectUpstream dials the backend as the service account, pins the session
// to the mapped role, and takes over the raw connection. Mapped roles are
// NOLOGIN: this brokered dial is the only way in.
func (s *session) connectUpstream(ctx context.Context) error {
	cfg, err := pgconn.ParseConfig(s.server.cfg.UpstreamDSN)
	if err != nil {
		return fmt.Errorf("gate: parse upstream DSN: %w", err)
	}
	cfg.Database = s.database

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("gate: connect upstream: %w", err)
	}

	pin := fmt.Sprintf("SET SESSION AUTHORIZATION %s", pgx.Identifier{s.role.Role}.Sanitize())
	if _, err := conn.Exec(ctx, pin).ReadAll(); err != nil {
		conn.Close(ctx)
		return fmt.Errorf("gate: pin session to %s: %w", s.role.Role, err)
	}

	hijacked, err := conn.Hijack()
	if err != nil {
		conn.Close(ctx)
		return fmt.Errorf("gate: hijack upstream: %w", err)
	}
	s.upstream = hijacked
	s.txStatus.Store(int32(hijacked.TxStatus))
	return nil
}

// completeHandshake replays the upstream session state to the client as if
// it had authenticated directly.
func (s *session) completeHandshake() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.backend.Send(&pgproto3.AuthenticationOk{})
	for name, value := range s.upstream.ParameterStatuses {
		s.backend.Send(&pgproto3.ParameterStatus{Name: name, Value: value})
	}
	s.backend.Send(&pgproto3.BackendKeyData{ProcessID: s.upstream.PID, SecretKey: s.upstream.SecretKey})
	s.backend.Send(&pgproto3.ReadyForQuery{TxStatus: s.upstream.TxStatus})
	return s.backend.Flush()
}

// relayBackend forwards upstream messages to the client, tracking
// transaction status from ReadyForQuery.
func (s *session) relayBackend() {
	for {
		msg, err := s.upstream.Frontend.Receive()
		if err != nil {
			s.clientConn.Close()
			return
		}
		if rfq, ok := msg.(*pgproto3.ReadyForQuery); ok {
			s.txStatus.Store(int32(rfq.TxStatus))
		}
		if err := s.writeToClient(msg); err != nil {
			s.upstream.Conn.Close()
			return
		}
	}
}

// relayFrontend screens client messages and forwards the survivors.
func (s *session) relayFrontend(ctx context.Context) error {
	for {
		msg, err := s.backend.Receive()
		if err != nil {
			s.upstream.Conn.Close()
			return err
		}

		switch msg := msg.(type) {
		case *pgproto3.Query:
			if err := s.handleQuery(ctx, msg); err != nil {
				return err
			}
		case *pgproto3.Parse:
			if err := s.handleParse(ctx, msg); err != nil {
				return err
			}
		case *pgproto3.Sync:
			if s.pendingErr != nil {
				if err := s.failPipeline(); err != nil {
					return err
				}
				continue
			}
			if err := s.forward(msg); err != nil {
				return err
			}
		case *pgproto3.Bind, *pgproto3.Describe, *pgproto3.Execute, *pgproto3.Close, *pgproto3.Flush:
			if s.pendingErr != nil {
				continue
			}
			if err := s.forward(msg); err != nil {
				return err
			}
		case *pgproto3.Terminate:
			s.forward(msg)
			s.upstream.Conn.Close()
			return nil
		default:
			if err := s.forward(msg); err != nil {
				return err
			}
		}
	}
}

// handleQuery screens a simple-protocol query. Batches are split and every
// statement must pass; a single denial fails the whole query without
// forwarding anything, and the session stays open.
func (s *session) handleQuery(ctx context.Context, query *pgproto3.Query) error {
	if err := s.reverify(ctx); err != nil {
		return s.sendStatementError(codeInvalidAuthorization, "access token expired and refresh failed")
	}

	statements := sqlscan.Split(query.String)
	screened := make([]string, 0, len(statements))
	for _, stmt := range statements {
		forwarded, verdict, reason := s.screen(ctx, stmt)
		s.server.metrics.Statement(verdict)
		if reason != "" {
			return s.sendStatementError(codeInsufficientPrivilege, reason)
		}
		screened = append(screened, forwarded)
	}
	if len(screened) == 0 {
		screened = []string{query.String}
	}
	return s.forward(&pgproto3.Query{String: strings.Join(screened, "; ")})
}

// handleParse screens an extended-protocol statement. A denial cannot be
// answered immediately without corrupting the pipeline, so the error is
// parked until the client syncs.
func (s *session) handleParse(ctx context.Context, parse *pgproto3.Parse) error {
	if s.pendingErr != nil {
		return nil
	}
	if err := s.reverify(ctx); err != nil {
		s.pendingErr = statementError(codeInvalidAuthorization, "access token expired and refresh failed")
		return nil
	}

	forwarded, verdict, reason := s.screen(ctx, parse.Query)
	s.server.metrics.Statement(verdict)
	if reason != "" {
		s.pendingErr = statementError(codeInsufficientPrivilege, reason)
		return nil
	}
	if forwarded != parse.Query {
		rewritten := *parse
		rewritten.Query = forwarded
		return s.forward(&rewritten)
	}
	return s.forward(parse)
}

// screen applies the escalation guard and the policy to one statement. It
// returns the statement to forward, a metrics verdict, and a non-empty
// reason when the statement is denied.
func (s *session) screen(ctx context.Context, stmt string) (string, string, string) {
	kind := sqlscan.Classify(stmt)

	if kind.IsSessionEscape() {
		if s.role.Superuser {
			return stmt, "allowed_superuser", ""
		}
		s.logger.Warn("denied session escape attempt")
		return "", "denied_escalation", "permission denied to set session authorization"
	}

	if kind == sqlscan.KindSelect && s.server.evaluator != nil {
		in := policy.Input{Role: s.role.Role, Subject: s.role.Subject, Groups: s.role.Groups}
		decision := s.server.evaluator.Evaluate(ctx, in, stmt)
		switch decision.Outcome {
		case policy.OutcomeDeny:
			if decision.EngineUnavailable {
				s.server.metrics.PolicyEngineError()
				s.logger.Error("policy_engine_unavailable, statement denied")
			}
			return "", "denied_policy", "permission denied: " + decision.Reason
		case policy.OutcomeAllowWithFilter:
			return decision.SQL, "filtered", ""
		}
	}
	return stmt, "allowed", ""
}

// reverify re-validates the token pair on sessions that carry one,
// refreshing transparently. Brokered sessions have no tokens and are bounded
// by the session TTL instead.
func (s *session) reverify(ctx context.Context) error {
	if s.creds.AccessToken == "" {
		return nil
	}
	_, token, err := s.server.verifier.VerifyOrRefresh(ctx, s.creds.AccessToken, s.creds.RefreshToken)
	if err != nil {
		s.logger.Warn("mid-session token refresh failed", slog.Any("error", err))
		return err
	}
	s.creds.AccessToken = token
	return nil
}

// failPipeline answers a poisoned extended-protocol pipeline at Sync.
func (s *session) failPipeline() error {
	err := s.pendingErr
	s.pendingErr = nil
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.backend.Send(err)
	s.backend.Send(&pgproto3.ReadyForQuery{TxStatus: byte(s.txStatus.Load())})
	return s.backend.Flush()
}

// sendStatementError rejects one simple-protocol query and re-arms the
// client. The session survives.
func (s *session) sendStatementError(code, message string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.backend.Send(statementError(code, message))
	s.backend.Send(&pgproto3.ReadyForQuery{TxStatus: byte(s.txStatus.Load())})
	return s.backend.Flush()
}

// refuse ends the handshake with a fatal error.
func (s *session) refuse(code, message string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.backend.Send(&pgproto3.ErrorResponse{
		Severity:            "FATAL",
		SeverityUnlocalized: "FATAL",
		Code:                code,
		Message:             message,
	})
	_ = s.backend.Flush()
}

func (s *session) forward(msg pgproto3.FrontendMessage) error {
	s.upstream.Frontend.Send(msg)
	return s.upstream.Frontend.Flush()
}

func (s *session) writeToClient(msg pgproto3.BackendMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.backend.Send(msg)
	return s.backend.Flush()
}

func statementError(code, message string) *pgproto3.ErrorResponse {
	return &pgproto3.ErrorResponse{
		Severity:            "ERROR",
		SeverityUnlocalized: "ERROR",
		Code:                code,
		Message:             message,
	}
}
