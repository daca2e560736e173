package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func newLogger() *log.Logger {
	return log.New(os.Stdout, "cu-backend ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cu-backend",
		Short:         "Session event streaming and turn scheduling service",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newEventsCmd())
	return root
}

func main() {
	// a missing .env is the normal case outside development
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
