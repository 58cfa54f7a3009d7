package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/chorus/internal/adminapi"
	"github.com/zulandar/chorus/internal/config"
	"golang.org/x/term"
)

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the admin API",
		Long: `Signs an HS256 token for the admin API.

The secret comes from api.jwt_secret in the config file, then
CHORUS_JWT_SECRET, and is prompted for when neither is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, configPath, subject, ttl)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chorus config file")
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", adminapi.DefaultTokenTTL, "token lifetime")
	return cmd
}

func runToken(cmd *cobra.Command, configPath, subject string, ttl time.Duration) error {
	secret, err := jwtSecret(configPath)
	if err != nil {
		return err
	}
	if secret == "" {
		secret, err = promptSecret(cmd.InOrStdin(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
	}
	if secret == "" {
		return fmt.Errorf("token: jwt secret is required")
	}

	tok, err := adminapi.MintToken(secret, subject, ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}

// jwtSecret reads the secret from config, falling back to the environment
// when the config file does not exist.
func jwtSecret(configPath string) (string, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return os.Getenv("CHORUS_JWT_SECRET"), nil
	}
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.API.JWTSecret, nil
}

// promptSecret reads the secret without echo on a terminal, or as one line
// from in otherwise.
func promptSecret(in io.Reader, prompt io.Writer) (string, error) {
	fmt.Fprint(prompt, "JWT secret: ")
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("token: read secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("token: read secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
