package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/nerrad567/printgate/internal/auth"
)

// runToken prints a signed API token using the configured secret.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("subject", "", "token subject, e.g. the client name")
	role := fs.String("role", string(auth.RoleViewer), "viewer, operator or admin")
	ttl := fs.Duration("ttl", 0, "token lifetime (default api.auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.API.Auth.JWTSecret == "" {
		return fmt.Errorf("api.auth.jwt_secret is not set")
	}

	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.API.Auth.TokenTTL
	}
	token, err := auth.GenerateToken(*subject, auth.Role(*role), cfg.API.Auth.JWTSecret, lifetime)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}
