package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ivancovae/architecture-bionicpro/internal/config"
	"github.com/ivancovae/architecture-bionicpro/internal/crypto"
	"github.com/ivancovae/architecture-bionicpro/internal/daemon"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitConfig  = 3
)

var rootCmd = &cobra.Command{
	Use:   "auth-gateway",
	Short: "Authenticating reverse proxy for Keycloak OIDC",
	Long: `An authenticating reverse proxy that sits between browsers and a
backend API. It handles the OIDC Authorization Code flow with PKCE against
Keycloak, keeps tokens server-side in encrypted Redis sessions, and attaches
them as bearer credentials when proxying requests upstream. Tokens never
reach the browser; the only client-side credential is an opaque session
cookie.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the auth gateway",
	Long: `Start the gateway HTTP server.

The gateway:
  - Serves the OIDC sign-in, callback and sign-out endpoints
  - Stores sessions encrypted in Redis
  - Verifies access tokens against the realm's cached JWKS
  - Proxies authenticated requests to the upstream API
  - Forwards everything else to the frontend origin`,
	RunE: runServe,
}

// overrideExitCode is set by subcommands (check-config) so main() can call
// os.Exit() after cobra finishes.  This avoids calling os.Exit() inside RunE
// which would bypass deferred functions.  -1 means "use default".
var overrideExitCode = -1

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration file without starting the gateway.

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Generate a session encryption key",
	Long: `Generate a random 256-bit session encryption key, base64-encoded,
suitable for session.encryption_key or AUTH_PROXY_ENCRYPTION_KEY.`,
	RunE: runGenKey,
}

func init() {
	// Global flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Path to configuration file (default: built-in defaults plus AUTH_PROXY_* env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(genKeyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	// If a subcommand set a specific exit code, use it.
	// This is done outside RunE so deferred functions run properly.
	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// runServe starts the gateway
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Override log settings from flags if provided
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	config.SetupLogging(&cfg.Log)

	slog.Info("starting auth gateway",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)

	d, err := daemon.New(cfg)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run()
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("auth-gateway version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", runtime.Version())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	if configFile != "" {
		fmt.Printf("Checking configuration: %s\n\n", configFile)
	} else {
		fmt.Printf("Checking configuration: built-in defaults plus AUTH_PROXY_* env\n\n")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}

	fmt.Println("✅ Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  Listen:              %s\n", cfg.Listen.Addr)
	fmt.Printf("  Redis:               %s (db %d)\n", cfg.Redis.Addr(), cfg.Redis.DB)
	fmt.Printf("  Keycloak URL:        %s\n", cfg.Keycloak.URL)
	fmt.Printf("  Keycloak Public URL: %s\n", cfg.Keycloak.PublicURL)
	fmt.Printf("  Realm:               %s\n", cfg.Keycloak.Realm)
	fmt.Printf("  Client ID:           %s\n", cfg.Keycloak.ClientID)
	fmt.Printf("  Accepted Issuers:    %v\n", cfg.Keycloak.Issuers())
	fmt.Printf("  Frontend URL:        %s\n", cfg.Frontend.URL)
	fmt.Printf("  Frontend Public URL: %s\n", cfg.Frontend.PublicURL)
	fmt.Printf("  Session Cookie:      %s\n", cfg.Session.CookieName)
	fmt.Printf("  Session Lifetime:    %d seconds\n", cfg.Session.LifetimeSeconds)
	fmt.Printf("  Session Rotation:    %v\n", cfg.Session.EnableRotation)
	fmt.Printf("  Single Session:      %v\n", cfg.Session.SingleSession)
	fmt.Printf("  Log Level:           %s\n", cfg.Log.Level)
	fmt.Printf("  Log Format:          %s\n", cfg.Log.Format)

	if cfg.Keycloak.ClientSecret != "" {
		fmt.Println("\n  Client Secret:       [SET]")
	} else {
		fmt.Println("\n  Client Secret:       [NOT SET] (public client with PKCE)")
	}
	if cfg.Session.EncryptionKey != "" {
		fmt.Println("  Encryption Key:      [SET]")
	} else {
		fmt.Println("  Encryption Key:      [NOT SET] (sessions stored unencrypted)")
	}

	fmt.Println("\n✅ Ready to start gateway")

	return nil
}

// runGenKey prints a freshly generated session encryption key
func runGenKey(cmd *cobra.Command, args []string) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	fmt.Println(key)
	return nil
}
