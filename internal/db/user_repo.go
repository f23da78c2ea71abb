package db

import (
	"context"

	"occasion/internal/types"
)

// UserRepository provides read-only access to the users table owned by the
// CRUD subsystem. The core reads exactly the fields scheduling needs: the
// timezone, the occasion dates, and the soft-delete marker.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a repository backed by the given database
// connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, first_name, last_name, timezone, birthday, anniversary, deleted_at`

// GetByID loads one user, including soft-deleted ones; the caller decides
// whether a deleted user is acceptable for its flow.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	)

	var u types.User
	if err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Timezone, &u.Birthday, &u.Anniversary, &u.DeletedAt); err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load user", err)
	}
	return &u, nil
}

// ListActive returns a page of non-deleted users ordered by id, starting
// strictly after afterID. Keyset pagination keeps the precalculation batch
// walk stable while the CRUD layer inserts new users concurrently.
func (r *UserRepository) ListActive(ctx context.Context, afterID string, limit int) ([]types.User, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+userColumns+`
		 FROM users
		 WHERE deleted_at IS NULL AND id > $1
		 ORDER BY id ASC
		 LIMIT $2`,
		afterID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query active users", err)
	}
	defer rows.Close()

	var out []types.User
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Timezone, &u.Birthday, &u.Anniversary, &u.DeletedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating users", err)
	}
	return out, nil
}
