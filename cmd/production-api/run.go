package main

import (
	"context"
	"fmt"
	"math"

	"github.com/urfave/cli/v3"

	"github.com/songzhibin97/production-workflow/config"
	"github.com/songzhibin97/production-workflow/log"
	"github.com/songzhibin97/production-workflow/rules"
	"github.com/songzhibin97/production-workflow/telemetry"
)

func RunAPICommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Start the production workflow API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Usage:   "Port for the HTTP server",
				Value:   8080,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "storage-url",
				Usage:   "Storage URL (memory://, redis://host:6379/0, postgres://...)",
				Value:   "memory://",
				Sources: cli.EnvVars("STORAGE_URL"),
			},
			&cli.StringFlag{
				Name:    "workflow-config",
				Usage:   "Path to the workflow YAML config; the embedded default is used when empty",
				Sources: cli.EnvVars("WORKFLOW_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "reminder-schedule",
				Usage:   "Cron spec of the overdue reminder sweep; empty disables it",
				Value:   "@every 1h",
				Sources: cli.EnvVars("REMINDER_SCHEDULE"),
			},
			&cli.IntFlag{
				Name:    "node-id",
				Usage:   "Machine id of the ID generator",
				Value:   1,
				Sources: cli.EnvVars("NODE_ID"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))
			logger := log.WithModule("api")

			if command.Bool("otel-enabled") {
				shutdown, err := telemetry.Setup(ctx, telemetry.ServiceName)
				if err != nil {
					return fmt.Errorf("failed to initialize tracer: %w", err)
				}
				defer func() {
					if err := shutdown(context.Background()); err != nil {
						logger.Error("Failed to shutdown tracer provider", "error", err)
					}
				}()
			}

			nodeID := command.Int("node-id")
			if nodeID < 0 || nodeID > math.MaxUint16 {
				return fmt.Errorf("node-id %d out of range", nodeID)
			}

			services, err := NewServices(ctx, logger, ServicesOptions{
				StorageURL:       command.String("storage-url"),
				ConfigPath:       command.String("workflow-config"),
				NodeID:           uint16(nodeID),
				ReminderSchedule: command.String("reminder-schedule"),
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := services.Close(); err != nil {
					logger.Error("Failed to close services", "error", err)
				}
			}()

			go func() {
				if err := services.RunExternal(ctx); err != nil {
					logger.Error("External effect runner stopped", "error", err)
				}
			}()

			port := command.Int("port")
			logger.Info("Starting production workflow API", "port", port)

			return NewAPI(logger, services).Start(ctx, int(port))
		},
	}
}

func ValidateConfigCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Validate a workflow config against the state tables",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "workflow-config",
				Usage:   "Path to the workflow YAML config; the embedded default is used when empty",
				Sources: cli.EnvVars("WORKFLOW_CONFIG"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			path := command.String("workflow-config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			table, err := BuildTable(cfg, rules.DefaultLibrary(nil))
			if err != nil {
				return err
			}

			if path == "" {
				path = "(embedded default)"
			}
			fmt.Printf("Workflow config %s is valid\n", path)
			for _, entityType := range table.Types() {
				fmt.Printf("  %s: %d transitions, %d states\n",
					entityType, len(table.RulesFor(entityType)), len(table.States(entityType)))
			}
			fmt.Printf("  %d users, %d deadline policies\n", len(cfg.Users), len(cfg.Policy()))
			return nil
		},
	}
}
