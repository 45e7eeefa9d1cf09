package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/soundledger/permgate/pkg/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := cli.NewApp(os.Stdout)
	rootCmd := cli.NewRootCommand(app)

	err := rootCmd.Execute(ctx, os.Args[1:])
	if closeErr := app.Close(); closeErr != nil {
		app.Logger.WithError(closeErr).Warn("Failed to release connections")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
