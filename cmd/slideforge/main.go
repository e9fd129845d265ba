// ABOUTME: Entry point for the slideforge agent session server
// ABOUTME: Subcommands serve the HTTP API, write config, mint tokens and prune old sessions

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
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

	"github.com/2389/slideforge/internal/auth"
	"github.com/2389/slideforge/internal/config"
	"github.com/2389/slideforge/internal/gateway"
	"github.com/2389/slideforge/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _ _     _       __
 ___| (_) __| | ___ / _| ___  _ __ __ _  ___
/ __| | |/ _' |/ _ \ |_ / _ \| '__/ _' |/ _ \
\__ \ | | (_| |  __/  _| (_) | | | (_| |  __/
|___/_|_|\__,_|\___|_|  \___/|_|  \__, |\___|
                                  |___/
`

const defaultPruneDays = 30

// getConfigPath returns the path to the config file.
// Priority: SLIDEFORGE_CONFIG env var > XDG_CONFIG_HOME/slideforge/config.yaml > ~/.config/slideforge/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SLIDEFORGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "slideforge", "config.yaml")
}

// getDataPath returns the slideforge data directory.
// Priority: XDG_DATA_HOME/slideforge > ~/.local/share/slideforge
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "slideforge")
}

func usage() {
	fmt.Println("Usage: slideforge <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the HTTP server")
	fmt.Println("  init                           Create a new config file interactively")
	fmt.Println("  token --owner ID [--ttl D]     Mint an API token for an owner")
	fmt.Println("  prune [--days N]               Delete archived sessions older than N days")
	fmt.Println("  health                         Check server readiness")
	fmt.Println("  version                        Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "prune":
		err = runPrune(ctx, os.Args[2:], os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when none exists.
func loadConfig(path string) (*config.Config, bool, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), false, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, false, fmt.Errorf("loading config: %w", err)
	}
	return cfg, true, nil
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, found, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	if found {
		fmt.Printf("Config:    %s\n", configPath)
	} else {
		fmt.Print("Config:    ")
		yellow.Println("defaults (no config file)")
	}
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Backend:   %s\n", cfg.Agent.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		green.Print("    ▶ ")
		fmt.Print("Auth:      ")
		yellow.Printf("dev mode (%s header)\n", auth.OwnerHeader)
	}

	fmt.Println()

	logger.Info("starting slideforge",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"backend", cfg.Agent.Backend,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig(getConfigPath())
	if err != nil {
		return err
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
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// runToken mints a JWT for an owner using the configured secret.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	owner := fs.String("owner", "", "owner ID to embed as the token subject")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ownerID := strings.TrimSpace(*owner)
	if ownerID == "" {
		return fmt.Errorf("--owner is required")
	}
	if *ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}

	cfg, _, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured; the server is in dev mode")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(ownerID, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Fprintln(out, token)
	return nil
}

// runPrune deletes archived sessions older than the cutoff.
func runPrune(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	days := fs.Int("days", defaultPruneDays, "delete archived sessions not updated in this many days")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *days < 1 {
		return fmt.Errorf("--days must be at least 1")
	}

	cfg, _, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	cutoff := time.Now().Add(-time.Duration(*days) * 24 * time.Hour)
	n, err := s.DeleteArchivedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pruning sessions: %w", err)
	}

	fmt.Fprintf(out, "Deleted %d archived session(s) older than %d days\n", n, *days)
	return nil
}

func runInit(in io.Reader) error {
	reader := bufio.NewReader(in)

	fmt.Println("slideforge configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "slideforge.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Agent Configuration ---")
	backend := prompt(reader, "Backend (anthropic/claude-cli/echo)", config.BackendEcho)
	model := ""
	if backend == config.BackendAnthropic {
		model = prompt(reader, "Model", "claude-sonnet-4-5")
	}

	fmt.Println("\n--- Authentication ---")
	jwtSecret := ""
	if isYes(prompt(reader, "Require bearer tokens?", "yes")) {
		var err error
		jwtSecret, err = generateSecret()
		if err != nil {
			return err
		}
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	content := renderConfig(httpAddr, dbPath, backend, model, jwtSecret, logLevel, logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	green.Printf("  ✓ Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Println("  slideforge serve")
	if jwtSecret != "" {
		fmt.Println("\nTo mint a token:")
		fmt.Println("  slideforge token --owner you@example.com")
	}
	return nil
}

// renderConfig produces the starter YAML written by init.
func renderConfig(httpAddr, dbPath, backend, model, jwtSecret, logLevel, logFormat string) string {
	var cfg strings.Builder
	cfg.WriteString("# slideforge configuration\n")
	cfg.WriteString("# Generated by slideforge init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n\n", httpAddr)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		fmt.Fprintf(&cfg, "  jwt_secret: %q\n\n", jwtSecret)
	}

	cfg.WriteString("agent:\n")
	fmt.Fprintf(&cfg, "  backend: %q\n", backend)
	if model != "" {
		fmt.Fprintf(&cfg, "  model: %q\n", model)
	}
	cfg.WriteString("  session_timeout: \"1h\"\n")
	cfg.WriteString("  reap_interval: \"5m\"\n\n")

	if backend == config.BackendAnthropic {
		cfg.WriteString("anthropic:\n")
		cfg.WriteString("  api_key: \"${ANTHROPIC_API_KEY}\"\n\n")
	}

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)
	return cfg.String()
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
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
