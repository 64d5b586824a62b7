package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultAdminEmail    = "admin@localhost"
	defaultAdminPassword = "changeme"
)

// Bootstrap creates the engine tables and seeds the first super user.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, s.Dialect.SystemTablesSQL()); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	if err := SeedAdminUser(ctx, s); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}

// SeedAdminUser creates a super user when no account exists yet.
func SeedAdminUser(ctx context.Context, repo Repository) error {
	return repo.RunInTx(ctx, func(tx Tx) error {
		count, err := tx.CountUsers(ctx)
		if err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(defaultAdminPassword), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		err = tx.SaveUser(ctx, &User{
			ID:           uuid.NewString(),
			Email:        defaultAdminEmail,
			PasswordHash: string(hash),
			Roles:        []string{"admin"},
			SuperUser:    true,
			Active:       true,
			CreatedAt:    time.Now().UTC(),
		})
		if err != nil {
			return err
		}

		log.Warn().Str("email", defaultAdminEmail).
			Msg("default super user created with password 'changeme'; change it immediately")
		return nil
	})
}
