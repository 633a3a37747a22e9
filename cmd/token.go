package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tangenthq/tangent/internal/api/auth"
	"github.com/tangenthq/tangent/internal/config"
)

// TokenCommand mints an access token for a user, for local testing against
// a running server.
func TokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Mint a bearer token for a user",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "user",
				Aliases:  []string{"u"},
				Usage:    "User id to embed in the token",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Token lifetime",
				Value: 24 * time.Hour,
			},
		},
		Action: runToken,
	}
}

func runToken(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is not configured")
	}

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret)
	token, err := tokens.GenerateAccessToken(c.String("user"), c.Duration("ttl"))
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	fmt.Println(token)
	return nil
}
