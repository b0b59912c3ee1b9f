package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/streamdock/streamdock/internal/id"
	"github.com/streamdock/streamdock/internal/server/db"
	"github.com/streamdock/streamdock/internal/server/store"
)

// runCreateUser creates an account directly in the database. The
// server must not hold the database open while this runs (SQLite
// single writer); stop it first or use a separate data dir.
func runCreateUser(args []string) error {
	fs := flag.NewFlagSet("createuser", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path (default: <data-dir>/config.yaml)")
	dataDir := fs.String("data-dir", "", "data directory (overrides config)")
	username := fs.String("username", "", "username for the new account")
	password := fs.String("password", "", "password for the new account")
	displayName := fs.String("display-name", "", "display name (defaults to username)")
	email := fs.String("email", "", "email address")
	admin := fs.Bool("admin", false, "grant admin privileges")
	_ = fs.Parse(args)

	if *username == "" || *password == "" {
		return fmt.Errorf("usage: streamdock createuser -username <name> -password <password> [flags]")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer sqlDB.Close()

	if err := db.Migrate(sqlDB); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	name := *displayName
	if name == "" {
		name = *username
	}

	userID := id.Generate()
	if err := store.New(sqlDB).CreateUser(context.Background(), store.User{
		ID:           userID,
		Username:     *username,
		PasswordHash: string(hash),
		DisplayName:  name,
		Email:        *email,
		IsAdmin:      *admin,
		CreatedAt:    time.Now(),
	}); err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("created user %s (%s)\n", *username, userID)
	return nil
}
