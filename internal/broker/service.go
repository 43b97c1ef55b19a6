package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pgveil/pgveil/internal/oidc"
	"github.com/pgveil/pgveil/internal/policy"
	"github.com/pgveil/pgveil/internal/rolemap"
)

// TokenVerifier validates a token pair and returns the identity plus the
// access token that proved it, which differs from the input after a refresh.
type TokenVerifier interface {
	VerifyOrRefresh(ctx context.Context, accessToken, refreshToken string) (oidc.Identity, string, error)
}

// RoleMapper resolves identities to cluster roles.
type RoleMapper interface {
	Map(ctx context.Context, id oidc.Identity) (rolemap.Role, error)
}

// PolicyEvaluator decides the fate of read statements.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, in policy.Input, sql string) policy.Decision
}

// Service implements the token exchange and policy application operations.
type Service struct {
	verifier TokenVerifier
	mapper   RoleMapper
	store    *SessionStore
	policy   PolicyEvaluator
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(verifier TokenVerifier, mapper RoleMapper, store *SessionStore, evaluator PolicyEvaluator, logger *slog.Logger) *Service {
	return &Service{
		verifier: verifier,
		mapper:   mapper,
		store:    store,
		policy:   evaluator,
		logger:   logger,
		now:      time.Now,
	}
}

// Exchange validates the token pair, materializes the mapped role and
// records the session. The returned access token supersedes the input when a
// refresh happened.
func (s *Service) Exchange(ctx context.Context, accessToken, refreshToken string) (RoleSession, string, error) {
	id, effectiveToken, err := s.verifier.VerifyOrRefresh(ctx, accessToken, refreshToken)
	if err != nil {
		return RoleSession{}, "", err
	}

	role, err := s.mapper.Map(ctx, id)
	if err != nil {
		return RoleSession{}, "", err
	}

	session := RoleSession{
		Role:      role.Name,
		Subject:   id.Subject,
		ClientID:  id.ClientID,
		Groups:    role.Groups,
		Superuser: role.Superuser,
		CreatedAt: s.now(),
	}
	if err := s.store.Put(ctx, session); err != nil {
		return RoleSession{}, "", err
	}

	s.logger.Info("exchanged token for role",
		slog.String("role", role.Name),
		slog.String("client_id", id.ClientID),
		slog.Bool("superuser", role.Superuser))
	return session, effectiveToken, nil
}

// Resolve returns the session previously vended for a role.
func (s *Service) Resolve(ctx context.Context, role string) (RoleSession, error) {
	return s.store.Get(ctx, role)
}

// Apply evaluates a statement under the policy for a vended role.
func (s *Service) Apply(ctx context.Context, role string, sql string) (policy.Decision, error) {
	session, err := s.store.Get(ctx, role)
	if err != nil {
		return policy.Decision{}, err
	}
	in := policy.Input{Role: session.Role, Subject: session.Subject, Groups: session.Groups}
	return s.policy.Evaluate(ctx, in, sql), nil
}
