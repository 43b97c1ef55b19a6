// Package rolemap derives PostgreSQL roles from validated identities and
// keeps their group grants in lockstep with the token's group claims.
package rolemap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgveil/pgveil/internal/oidc"
)

// duplicateObject is the SQLSTATE raised when a role already exists.
// Concurrent first-creation races land here and are benign.
const duplicateObject = "42710"

// Role is the PostgreSQL principal mapped from an identity.
type Role struct {
	Name      string
	Superuser bool
	Groups    []string
}

// Mapper creates and maintains mapped roles on the cluster.
type Mapper struct {
	pool       *pgxpool.Pool
	adminGroup string
	logger     *slog.Logger
	locks      *keyedLocks
}

// NewMapper constructs a Mapper using the administrative pool.
func NewMapper(pool *pgxpool.Pool, adminGroup string, logger *slog.Logger) *Mapper {
	return &Mapper{
		pool:       pool,
		adminGroup: adminGroup,
		logger:     logger,
		locks:      newKeyedLocks(),
	}
}

// clientEscaper removes underscores from the client segment. The escape
// character escapes itself, so decoding is unambiguous.
var clientEscaper = strings.NewReplacer("%", "%25", "_", "%5f")

// RoleName derives the deterministic role name for an identity. The same
// (client, subject) pair always yields the same name, and distinct pairs
// yield distinct names: underscores inside the client id are percent-encoded,
// so the underscore ending the client segment is always the second one in the
// name and the pair can be decoded back out of it.
func RoleName(clientID, subject string) string {
	return fmt.Sprintf("u_%s_%s", clientEscaper.Replace(clientID), subject)
}

// Map resolves the identity to its role, creating the role on first use and
// synchronizing group grants with the token's current claims. Calls for the
// same identity are serialized; distinct identities proceed in parallel.
func (m *Mapper) Map(ctx context.Context, id oidc.Identity) (Role, error) {
	name := RoleName(id.ClientID, id.Subject)

	unlock := m.locks.lock(name)
	defer unlock()

	if err := m.ensureRole(ctx, name); err != nil {
		return Role{}, err
	}

	superuser := id.HasGroup(m.adminGroup)
	if err := m.syncGrants(ctx, name, id.Groups, superuser); err != nil {
		return Role{}, err
	}

	return Role{Name: name, Superuser: superuser, Groups: id.Groups}, nil
}

// ensureRole creates the mapped role without login privilege. Login is
// always brokered by the gate; the role itself must never authenticate.
func (m *Mapper) ensureRole(ctx context.Context, name string) error {
	_, err := m.pool.Exec(ctx, fmt.Sprintf("CREATE ROLE %s NOLOGIN", sanitize(name)))
	if isDuplicate(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rolemap: create role %s: %w", name, err)
	}
	m.logger.Info("created mapped role", slog.String("role", name))
	return nil
}

// ensureGroup creates a group role if it does not exist yet. Runs outside the
// grant-sync transaction because a duplicate error would abort it.
func (m *Mapper) ensureGroup(ctx context.Context, name string) error {
	_, err := m.pool.Exec(ctx, fmt.Sprintf("CREATE ROLE %s NOLOGIN", sanitize(name)))
	if err != nil && !isDuplicate(err) {
		return fmt.Errorf("rolemap: create group %s: %w", name, err)
	}
	return nil
}

// syncGrants makes the role's memberships equal exactly the given groups and
// aligns the superuser attribute. All changes apply inside one transaction so
// a failure cannot leave the role half-updated.
func (m *Mapper) syncGrants(ctx context.Context, role string, groups []string, superuser bool) error {
	for _, group := range groups {
		if err := m.ensureGroup(ctx, group); err != nil {
			return err
		}
	}

	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("rolemap: begin grant sync: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := currentGrants(ctx, tx, role)
	if err != nil {
		return err
	}

	grants, revokes := DiffGrants(current, groups)
	for _, group := range revokes {
		if _, err := tx.Exec(ctx, fmt.Sprintf("REVOKE %s FROM %s", sanitize(group), sanitize(role))); err != nil {
			return fmt.Errorf("rolemap: revoke %s from %s: %w", group, role, err)
		}
	}
	for _, group := range grants {
		if _, err := tx.Exec(ctx, fmt.Sprintf("GRANT %s TO %s", sanitize(group), sanitize(role))); err != nil {
			return fmt.Errorf("rolemap: grant %s to %s: %w", group, role, err)
		}
	}

	attribute := "NOSUPERUSER"
	if superuser {
		attribute = "SUPERUSER"
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER ROLE %s %s", sanitize(role), attribute)); err != nil {
		return fmt.Errorf("rolemap: alter role %s: %w", role, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("rolemap: commit grant sync: %w", err)
	}

	if len(grants) > 0 || len(revokes) > 0 {
		m.logger.Info("synchronized grants",
			slog.String("role", role),
			slog.Any("granted", grants),
			slog.Any("revoked", revokes),
			slog.Bool("superuser", superuser))
	}
	return nil
}

func currentGrants(ctx context.Context, tx pgx.Tx, role string) ([]string, error) {
	rows, err := tx.Query(ctx, `
		SELECT g.rolname
		FROM pg_auth_members am
		JOIN pg_roles g ON g.oid = am.roleid
		JOIN pg_roles r ON r.oid = am.member
		WHERE r.rolname = $1`, role)
	if err != nil {
		return nil, fmt.Errorf("rolemap: query grants for %s: %w", role, err)
	}
	defer rows.Close()

	var grants []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("rolemap: scan grant: %w", err)
		}
		grants = append(grants, name)
	}
	return grants, rows.Err()
}

// DiffGrants computes the memberships to add and remove so that current
// becomes exactly desired. Order-insensitive; duplicates collapse.
func DiffGrants(current, desired []string) (grants, revokes []string) {
	have := make(map[string]bool, len(current))
	for _, g := range current {
		have[g] = true
	}
	want := make(map[string]bool, len(desired))
	for _, g := range desired {
		if g == "" || want[g] {
			continue
		}
		want[g] = true
		if !have[g] {
			grants = append(grants, g)
		}
	}
	for _, g := range current {
		if !want[g] {
			revokes = append(revokes, g)
		}
	}
	return grants, revokes
}

func sanitize(identifier string) string {
	return pgx.Identifier{identifier}.Sanitize()
}

func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == duplicateObject
}
