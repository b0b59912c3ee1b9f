// Package bootstrap seeds a fresh database with the default admin user.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/streamdock/streamdock/internal/id"
	"github.com/streamdock/streamdock/internal/server/store"
)

const (
	defaultUsername = "admin"
	defaultPassword = "admin"
)

// Run creates the default admin user if no users exist yet. This is a
// no-op if the database already has accounts.
func Run(ctx context.Context, st *store.Store) error {
	count, err := st.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		slog.Info("bootstrap: skipped (users already exist)")
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(defaultPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	userID := id.Generate()
	if err := st.CreateUser(ctx, store.User{
		ID:           userID,
		Username:     defaultUsername,
		PasswordHash: string(hash),
		DisplayName:  "Admin",
		IsAdmin:      true,
		CreatedAt:    time.Now(),
	}); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("bootstrap: created admin user",
		"user_id", userID,
		"username", defaultUsername,
	)

	return nil
}
