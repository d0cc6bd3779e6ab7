package main

import (
	"fmt"
	"os"

	"github.com/anatoly-dev/lobby-sync/cmd/lobby-sync/commands"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lobby-sync",
		Short: "Lobby synchronization core",
		Long:  "Keeps a lobby session in sync with the backend: live notification push, catalog caching and out-of-band invalidation",
	}

	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewInvalidateCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
