// Main package for the Spanreed session server and its demo client
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if dotenvErr := godotenv.Load(); dotenvErr != nil && !os.IsNotExist(dotenvErr) {
		fmt.Printf("Failed to load .env file! %s", dotenvErr.Error())
	}

	rootCmd := &cobra.Command{
		Use:   "spanreed-session",
		Short: "Reliable session layer over UDP and WebSocket datagrams",
		Long: `spanreed-session runs a session server that tracks connection liveness,
measures round trip time, and replicates events and entities to its clients.

Settings may come from flags, SPANREED_* environment variables (a .env file
in the working directory is loaded first) or a TOML connection config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		connectCmd(),
		configCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	if os.Getenv("APP_ENV") == "development" {
		return zap.Must(zap.NewDevelopment())
	}
	return zap.Must(zap.NewProduction())
}

func envOr(name, fallback string) string {
	if value, has := os.LookupEnv(name); has && value != "" {
		return value
	}
	return fallback
}
