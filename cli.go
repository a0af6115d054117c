package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"huddle/internal/auth"
	"huddle/internal/config"
	"huddle/internal/ratelimit"
	"huddle/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

// Commands that read the config but do not start the relay validate only
// what they use.
var lenient = map[string]string{"config": "lenient"}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Annotations: map[string]string{"config": "skip"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", programName, Version)
		},
	}
}

type bansReport struct {
	Accounts []ratelimit.BlockedAccount `json:"accounts"`
	IPs      []ratelimit.BlockedIP      `json:"ips"`
	Events   []store.BanEvent           `json:"events"`
}

func bansCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:         "bans",
		Short:       "Print active bans and recent ban events from the ledger",
		Annotations: lenient,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				return errors.New("no config found in context")
			}
			return printBans(cmd.Context(), cfg.Database.Path, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("db", "huddle.db", "SQLite ban ledger path")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of recent events to show")
	return cmd
}

func printBans(ctx context.Context, dbPath string, limit int, w io.Writer) error {
	if dbPath == "" {
		return errors.New("ban ledger is disabled (empty database path)")
	}
	st, err := store.Open(dbPath, newLogger(nil))
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	defer st.Close()

	accounts, ips, err := st.LoadBans(ctx, time.Now())
	if err != nil {
		return err
	}
	events, err := st.BanEvents(ctx, limit)
	if err != nil {
		return err
	}

	report := bansReport{Accounts: accounts, IPs: ips, Events: events}
	if report.Accounts == nil {
		report.Accounts = []ratelimit.BlockedAccount{}
	}
	if report.IPs == nil {
		report.IPs = []ratelimit.BlockedIP{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func tokenCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:         "token <user-id>",
		Short:       "Sign a relay token with the configured JWT secret",
		Args:        cobra.ExactArgs(1),
		Annotations: lenient,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				return errors.New("no config found in context")
			}
			tok, err := issueToken(cfg, args[0], ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func issueToken(cfg *config.Config, userID string, ttl time.Duration, now time.Time) (string, error) {
	if cfg.Auth.JWTSecret == "" {
		return "", errors.New("auth.jwtSecret is not configured")
	}
	claims := jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return auth.NewJWTResolver([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer).Issue(claims)
}
