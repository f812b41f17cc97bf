// Package identity resolves opaque user ids to display information. The
// rest of the system treats user ids as foreign, unjoinable strings; this
// is the only place they turn into names and emails.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// Unknown is the placeholder substituted when a lookup fails or the id
// resolves to nothing. Callers must never fail their primary operation
// because a name could not be resolved.
func Unknown(userID string) Identity {
	return Identity{ID: userID, DisplayName: "Unknown", Email: "Unknown"}
}

// Resolver is the collaborator boundary. The second return reports whether
// the id resolved; errors are reserved for lookup infrastructure failures.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (Identity, bool, error)
	ResolveMany(ctx context.Context, userIDs []string) ([]Identity, error)
}

// PostgresResolver resolves identities from the users table.
type PostgresResolver struct {
	db *sql.DB
}

func NewPostgresResolver(db *sql.DB) *PostgresResolver {
	return &PostgresResolver{db: db}
}

func (r *PostgresResolver) Resolve(ctx context.Context, userID string) (Identity, bool, error) {
	var ident Identity
	err := r.db.QueryRowContext(ctx, `SELECT id, display_name, email FROM users WHERE id=$1`, userID).
		Scan(&ident.ID, &ident.DisplayName, &ident.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("resolve identity: %w", err)
	}
	return ident, true, nil
}

func (r *PostgresResolver) ResolveMany(ctx context.Context, userIDs []string) ([]Identity, error) {
	identities := make([]Identity, 0, len(userIDs))
	for _, userID := range userIDs {
		ident, ok, err := r.Resolve(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		identities = append(identities, ident)
	}
	return identities, nil
}
