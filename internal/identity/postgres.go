package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iceplant/mrbac/internal/platform/db"
	"github.com/iceplant/mrbac/internal/rbac"
	"github.com/iceplant/mrbac/internal/registry"
)

const identitySchema = `
CREATE TABLE IF NOT EXISTS auth_group (
	id BIGSERIAL PRIMARY KEY,
	name VARCHAR(150) NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS auth_permission (
	id BIGSERIAL PRIMARY KEY,
	app_label VARCHAR(100) NOT NULL,
	codename VARCHAR(100) NOT NULL,
	name VARCHAR(255) NOT NULL,
	UNIQUE (app_label, codename)
);
CREATE TABLE IF NOT EXISTS auth_group_permissions (
	id BIGSERIAL PRIMARY KEY,
	group_id BIGINT NOT NULL REFERENCES auth_group(id) ON DELETE CASCADE,
	permission_id BIGINT NOT NULL REFERENCES auth_permission(id) ON DELETE CASCADE,
	UNIQUE (group_id, permission_id)
);`

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresStore implements rbac.GroupStore and rbac.PermissionStore over
// the auth_group, auth_permission and auth_group_permissions tables.
type PostgresStore struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewPostgresStore returns a store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool, pool: pool}
}

// EnsureSchema creates the identity tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, identitySchema); err != nil {
		return fmt.Errorf("identity: ensure schema: %w", err)
	}
	return nil
}

// ListGroups returns group names in name order.
func (s *PostgresStore) ListGroups(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT name FROM auth_group ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("identity: list groups: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("identity: list groups: %w", err)
	}
	return names, nil
}

// Exists reports whether the group exists.
func (s *PostgresStore) Exists(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM auth_group WHERE name = $1)`, name).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("identity: group exists: %w", err)
	}
	return ok, nil
}

// Create inserts a group.
func (s *PostgresStore) Create(ctx context.Context, name string) error {
	_, err := s.db.Exec(ctx, `INSERT INTO auth_group (name) VALUES ($1)`, name)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &rbac.Error{Kind: rbac.KindAlreadyExists, Message: fmt.Sprintf("group %q already exists", name), Err: err}
		}
		return fmt.Errorf("identity: create group: %w", err)
	}
	return nil
}

// Delete removes a group; its permission links cascade.
func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM auth_group WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("identity: delete group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &rbac.Error{Kind: rbac.KindNotFound, Message: fmt.Sprintf("group %q does not exist", name)}
	}
	return nil
}

// Register upserts the given permissions.
func (s *PostgresStore) Register(ctx context.Context, perms []registry.Permission) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range perms {
			batch.Queue(`INSERT INTO auth_permission (app_label, codename, name) VALUES ($1, $2, $3)
ON CONFLICT (app_label, codename) DO UPDATE SET name = EXCLUDED.name`, p.App, p.Codename, p.Label)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("identity: register permissions: %w", err)
		}
		return nil
	})
}

// Lookup finds a registered permission.
func (s *PostgresStore) Lookup(ctx context.Context, app, codename string) (registry.Permission, bool, error) {
	p := registry.Permission{App: app, Codename: codename}
	err := s.db.QueryRow(ctx, `SELECT name FROM auth_permission WHERE app_label = $1 AND codename = $2`, app, codename).Scan(&p.Label)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return registry.Permission{}, false, nil
		}
		return registry.Permission{}, false, fmt.Errorf("identity: lookup permission: %w", err)
	}
	return p, true, nil
}

// List returns the group's permissions ordered by app and codename.
func (s *PostgresStore) List(ctx context.Context, group string) ([]registry.Permission, error) {
	rows, err := s.db.Query(ctx, `SELECT p.app_label, p.codename, p.name
FROM auth_permission p
JOIN auth_group_permissions gp ON gp.permission_id = p.id
JOIN auth_group g ON g.id = gp.group_id
WHERE g.name = $1
ORDER BY p.app_label, p.codename`, group)
	if err != nil {
		return nil, fmt.Errorf("identity: list permissions: %w", err)
	}
	perms, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (registry.Permission, error) {
		var p registry.Permission
		err := row.Scan(&p.App, &p.Codename, &p.Label)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("identity: list permissions: %w", err)
	}
	return perms, nil
}

// Grant links every permission to the group in one transaction. Unknown
// permissions abort the whole grant.
func (s *PostgresStore) Grant(ctx context.Context, params rbac.GrantParams) error {
	keys := permissionKeys(params.Permissions)
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		groupID, err := groupID(ctx, tx, params.Group)
		if err != nil {
			return err
		}
		var resolved int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM auth_permission WHERE app_label || '.' || codename = ANY($1)`, keys).Scan(&resolved); err != nil {
			return fmt.Errorf("identity: grant: %w", err)
		}
		if resolved != len(keys) {
			return fmt.Errorf("identity: grant: %d of %d permissions are not registered", len(keys)-resolved, len(keys))
		}
		_, err = tx.Exec(ctx, `INSERT INTO auth_group_permissions (group_id, permission_id)
SELECT $1, id FROM auth_permission WHERE app_label || '.' || codename = ANY($2)
ON CONFLICT (group_id, permission_id) DO NOTHING`, groupID, keys)
		if err != nil {
			return fmt.Errorf("identity: grant: %w", err)
		}
		return nil
	})
}

// Revoke unlinks exactly the listed permissions from the group.
func (s *PostgresStore) Revoke(ctx context.Context, params rbac.RevokeParams) error {
	keys := permissionKeys(params.Permissions)
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		groupID, err := groupID(ctx, tx, params.Group)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM auth_group_permissions gp
USING auth_permission p
WHERE gp.permission_id = p.id AND gp.group_id = $1 AND p.app_label || '.' || p.codename = ANY($2)`, groupID, keys)
		if err != nil {
			return fmt.Errorf("identity: revoke: %w", err)
		}
		return nil
	})
}

func groupID(ctx context.Context, q dbtx, name string) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `SELECT id FROM auth_group WHERE name = $1 FOR UPDATE`, name).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &rbac.Error{Kind: rbac.KindNotFound, Message: fmt.Sprintf("group %q does not exist", name)}
		}
		return 0, fmt.Errorf("identity: lookup group: %w", err)
	}
	return id, nil
}

func permissionKeys(perms []registry.Permission) []string {
	keys := make([]string, 0, len(perms))
	seen := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		k := p.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}
