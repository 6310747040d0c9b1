package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:                  "production-api",
		Usage:                 "Run the cross-department production workflow",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			RunAPICommand(),
			ValidateConfigCommand(),
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		panic(err)
	}
}
