// ABOUTME: Terminal chat client for the support gateway, for visitors and agents
// ABOUTME: Cobra commands wrap a widget controller with a line-based prompt

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:           "support-console",
	Short:         "Chat with the support gateway from a terminal",
	Long:          "Opens a visitor or agent session against a support-gateway and relays messages in realtime.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("COVEN_SUPPORT_SERVER", "http://localhost:8080"), "gateway base URL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug/info/warn/error)")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getToken returns the agent identity from COVEN_SUPPORT_TOKEN or
// ~/.config/coven-support/token.
func getToken() string {
	if token := os.Getenv("COVEN_SUPPORT_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "coven-support", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
