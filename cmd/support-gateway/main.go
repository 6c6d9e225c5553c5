// ABOUTME: Entry point for the support-gateway server
// ABOUTME: Serves the support chat HTTP API and realtime relay

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-support/internal/auth"
	"github.com/2389/coven-support/internal/client"
	"github.com/2389/coven-support/internal/config"
	"github.com/2389/coven-support/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                 _
 ___ _   _ _ __  _ __   ___  _ __| |_
/ __| | | | '_ \| '_ \ / _ \| '__| __|
\__ \ |_| | |_) | |_) | (_) | |  | |_
|___/\__,_| .__/| .__/ \___/|_|   \__|
          |_|   |_|
`

// getConfigPath returns the path to the gateway config file.
// Priority: COVEN_SUPPORT_CONFIG env var > XDG_CONFIG_HOME/coven-support/gateway.yaml > ~/.config/coven-support/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_SUPPORT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven-support", "gateway.yaml")
}

// getDataPath returns the path to the data directory.
// Priority: XDG_DATA_HOME/coven-support > ~/.local/share/coven-support
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven-support")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: support-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                           Start the gateway server")
		fmt.Println("  init                            Create a new config file interactively")
		fmt.Println("  agent-token --agent-id ID       Mint an agent identity token")
		fmt.Println("  health                          Check gateway health")
		fmt.Println("  conversations                   List open conversations")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "agent-token":
		err = runAgentToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "conversations":
		err = runConversations(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, closeLog, err := config.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setting up logger: %w", err)
	}
	defer closeLog()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Relay:     ws://%s/relay\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  ")
	if cfg.Database.Path == config.MemoryDatabase {
		yellow.Println("in-memory")
	} else {
		fmt.Println(cfg.Database.Path)
	}
	green.Print("    ▶ ")
	fmt.Printf("Tokens:    ttl %s, replay %d\n", cfg.Relay.TokenTTL, cfg.Relay.Replay())
	fmt.Println()

	logger.Info("starting support-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}

	fmt.Println(string(body))
	return nil
}

// runConversations lists the open queue using a short-lived agent identity.
func runConversations(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	identity, err := verifier.Generate("support-gateway-cli", "CLI", time.Minute)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	api := client.New("http://"+cfg.Server.HTTPAddr, client.WithIdentityToken(identity))
	convs, err := api.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}

	if len(convs) == 0 {
		fmt.Println("No open conversations")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCREATED")
	for _, c := range convs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Status, c.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

// runAgentToken mints an agent identity token signed with auth.jwt_secret.
// Supports both "--flag value" and "--flag=value" formats.
func runAgentToken(args []string) error {
	var agentID, name string
	ttl := 30 * 24 * time.Hour

	for i := 0; i < len(args); i++ {
		arg := args[i]
		key, value, hasValue := strings.Cut(arg, "=")
		switch key {
		case "--agent-id", "--name", "--ttl":
		default:
			if strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unknown flag: %s", arg)
			}
			return fmt.Errorf("unexpected argument: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a value", key)
			}
			value = args[i+1]
			i++
		}
		switch key {
		case "--agent-id":
			agentID = strings.TrimSpace(value)
		case "--name":
			name = strings.TrimSpace(value)
		case "--ttl":
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return fmt.Errorf("--ttl must be a positive duration, got %q", value)
			}
			ttl = d
		}
	}

	if agentID == "" {
		return fmt.Errorf("--agent-id flag is required")
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(agentID, name, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	green.Fprintf(os.Stderr, "  ✓ Agent token for %s (expires %s)\n", agentID, time.Now().Add(ttl).Format("Jan 02, 2006"))
	gray.Fprintln(os.Stderr, "    use with: support-console agent --token <token>")
	fmt.Println(token)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("support-gateway configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path (:memory: for none)", filepath.Join(getDataPath(), "support.db"))

	fmt.Println("\n--- Relay Configuration ---")
	tokenTTL := prompt(reader, "Capability token TTL", config.DefaultTokenTTL.String())
	replaySize := prompt(reader, "Replay buffer per conversation", fmt.Sprint(config.DefaultReplaySize))

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/color/json)", "color")

	identitySecret, err := randomSecret()
	if err != nil {
		return err
	}
	relaySecret, err := randomSecret()
	if err != nil {
		return err
	}

	var cfg strings.Builder
	cfg.WriteString("# support-gateway configuration\n")
	cfg.WriteString("# Generated by support-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n\n", httpAddr))

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n\n", dbPath))

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n\n", identitySecret))

	cfg.WriteString("relay:\n")
	cfg.WriteString(fmt.Sprintf("  token_secret: \"%s\"\n", relaySecret))
	cfg.WriteString(fmt.Sprintf("  token_ttl: \"%s\"\n", tokenTTL))
	cfg.WriteString(fmt.Sprintf("  replay_size: %s\n", replaySize))
	cfg.WriteString(fmt.Sprintf("  reconnect_interval: \"%s\"\n\n", config.DefaultReconnectInterval))

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Reject the file before writing it if it would not load
	if _, err := config.Parse([]byte(cfg.String())); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if dbPath != config.MemoryDatabase {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  support-gateway serve\n")
	fmt.Println("To mint an agent identity:")
	fmt.Printf("  support-gateway agent-token --agent-id <id> --name <name>\n")

	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
