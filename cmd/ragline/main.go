// Command ragline runs the RAG data plane: the HTTP facade, the background
// job workers and the schema migrator.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK       = 0
	exitUsage    = 2
	exitConfig   = 3
	exitUpstream = 4
)

// exitError pins a specific process exit code on an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error   { return &exitError{code: exitConfig, err: err} }
func upstreamErr(err error) error { return &exitError{code: exitUpstream, err: err} }

func main() {
	// Missing .env is fine; explicit env always wins.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "ragline",
		Short:         "Multi-tenant RAG backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to YAML config file")

	root.AddCommand(newServeCmd(), newWorkerCmd(), newMigrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ragline:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitUsage)
	}
	os.Exit(exitOK)
}
