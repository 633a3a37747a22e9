package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/tangenthq/tangent/internal/api"
	"github.com/tangenthq/tangent/internal/api/auth"
	"github.com/tangenthq/tangent/internal/assembler"
	"github.com/tangenthq/tangent/internal/config"
	"github.com/tangenthq/tangent/internal/database"
	"github.com/tangenthq/tangent/internal/jobqueue"
	"github.com/tangenthq/tangent/internal/summary"
	"github.com/tangenthq/tangent/internal/thread"
)

// ServeCommand returns the CLI command for starting the API server
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the Tangent API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides config)",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	port := cfg.Server.Port
	if c.IsSet("port") {
		port = c.Int("port")
	}

	db, err := database.NewDB(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := database.EnsureSchema(ctx, db); err != nil {
		return err
	}

	store := thread.NewPostgresStore(db)

	// Summaries are optional. Without an API key the queue is a no-op and
	// merge events simply keep null summaries.
	queue := thread.SummaryQueue(thread.NopQueue{})
	var jq *jobqueue.JobQueue
	if cfg.AI.APIKey != "" {
		generator, err := summary.NewOpenAI(cfg.AI.APIKey, cfg.AI.Model, cfg.AI.BaseURL)
		if err != nil {
			return fmt.Errorf("failed to create summary generator: %w", err)
		}

		dbURL, err := database.ResolveURL(cfg.Database.URL)
		if err != nil {
			return err
		}
		jq, err = jobqueue.NewJobQueue(dbURL, store, generator)
		if err != nil {
			return fmt.Errorf("failed to create job queue: %w", err)
		}
		if err := jq.Start(ctx); err != nil {
			return fmt.Errorf("failed to start job queue: %w", err)
		}
		defer func() {
			if err := jq.Stop(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Job queue shutdown error")
			}
		}()
		queue = jq
	} else {
		log.Info().Msg("No AI API key configured, summary backfill disabled")
	}

	service := thread.NewService(store, queue)
	asm := assembler.New(store)
	tokens := auth.NewTokenService(cfg.Auth.JWTSecret)

	log.Info().Int("port", port).Msg("Starting Tangent API server")
	server := api.NewServer(port, service, asm, tokens)
	return server.Start()
}
