// ABOUTME: Entry point for the kilnd fleet gateway daemon.
// ABOUTME: Subcommands: serve, init, health, enroll-node, token.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/kilnhost/kiln/internal/auth"
	"github.com/kilnhost/kiln/internal/config"
	"github.com/kilnhost/kiln/internal/gateway"
	"github.com/kilnhost/kiln/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _    _ _
 | | _(_) |_ __
 | |/ / | | '_ \
 |   <| | | | | |
 |_|\_\_|_|_| |_|
`

// getConfigPath returns the path to the kilnd config file.
// Priority: KILN_CONFIG env var > XDG_CONFIG_HOME/kiln/kilnd.yaml > ~/.config/kiln/kilnd.yaml
func getConfigPath() string {
	if envPath := os.Getenv("KILN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "kilnd.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "kiln", "kilnd.yaml")
}

// getDataPath returns the path to the kiln data directory.
// Priority: XDG_DATA_HOME/kiln > ~/.local/share/kiln
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "kiln")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: kilnd <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                    Start the gateway daemon")
		fmt.Println("  init                     Create a new config file interactively")
		fmt.Println("  health                   Check gateway health")
		fmt.Println("  enroll-node --name NAME  Register a node and print its secret")
		fmt.Println("  token --user USER        Issue a dashboard session token")
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
	case "health":
		err = runHealth(ctx)
	case "enroll-node":
		err = runEnrollNode(ctx)
	case "token":
		err = runToken()
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

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Scheduler.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Scheduler: every %s\n", cfg.Scheduler.Tick)
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting kilnd",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg)
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

	fmt.Println(string(body))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

// runEnrollNode registers a node directly in the database and prints the
// freshly generated secret. Run this while the daemon is stopped, or point
// the agent at the gateway afterwards; only the digest is stored.
func runEnrollNode(ctx context.Context) error {
	name, err := flagValue("--name", "-n")
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("--name flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	secret, err := auth.NewNodeSecret()
	if err != nil {
		return err
	}

	node := &store.Node{
		ID:           uuid.New().String(),
		Name:         name,
		SecretDigest: auth.SecretDigest(secret),
	}
	if err := s.CreateNode(ctx, node); err != nil {
		return fmt.Errorf("creating node: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Enrolled node: %s\n", name)
	fmt.Println()
	fmt.Printf("  Node ID: %s\n", node.ID)
	fmt.Printf("  Secret:  %s\n", secret)
	fmt.Println()
	color.New(color.FgYellow).Println("  The secret is shown once. Configure the node agent with it now.")

	return nil
}

// runToken issues a dashboard session token signed with the configured secret.
func runToken() error {
	user, err := flagValue("--user", "-u")
	if err != nil {
		return err
	}
	if strings.TrimSpace(user) == "" {
		return fmt.Errorf("--user flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	ttl := 30 * 24 * time.Hour
	token, err := verifier.Generate(user, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// flagValue parses one required flag from os.Args[2:], supporting both
// "--flag value" and "--flag=value" forms.
func flagValue(long, short string) (string, error) {
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == long || arg == short:
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", long)
			}
			return args[i+1], nil
		case strings.HasPrefix(arg, long+"="):
			return strings.TrimPrefix(arg, long+"="), nil
		case strings.HasPrefix(arg, short+"="):
			return strings.TrimPrefix(arg, short+"="), nil
		}
	}
	return "", fmt.Errorf("%s flag is required", long)
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("kilnd configuration setup")
	fmt.Println("=========================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "kiln.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Gateway Configuration ---")
	staleAfter := prompt(reader, "Node staleness threshold", "5m")
	requestTimeout := prompt(reader, "Request timeout", "30s")
	maxBuffer := prompt(reader, "Max response buffer (MB)", "50")

	fmt.Println("\n--- Scheduler Configuration ---")
	schedEnabled := prompt(reader, "Enable task scheduler?", "yes")
	schedulerOn := strings.ToLower(schedEnabled) == "yes" || strings.ToLower(schedEnabled) == "y"

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	jwtSecret, err := auth.NewNodeSecret()
	if err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# kilnd configuration\n")
	cfg.WriteString("# Generated by kilnd init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
	cfg.WriteString("\n")

	cfg.WriteString("gateway:\n")
	cfg.WriteString(fmt.Sprintf("  stale_after: \"%s\"\n", staleAfter))
	cfg.WriteString(fmt.Sprintf("  request_timeout: \"%s\"\n", requestTimeout))
	cfg.WriteString(fmt.Sprintf("  max_response_buffer_mb: %s\n", maxBuffer))
	cfg.WriteString("\n")

	cfg.WriteString("scheduler:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", schedulerOn))
	cfg.WriteString("  tick: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the daemon:")
	fmt.Printf("  kilnd serve\n")

	return nil
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
