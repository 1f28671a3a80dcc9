package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keygate/keygate/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage keygate configuration",
		Long:  "Initialize a default configuration file or display the current effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default keygate.yaml configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")

	return cmd
}

func runConfigInit(force bool) error {
	path := "keygate.yaml"

	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	if err := config.WriteDefault(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Created %s\n", path)
	fmt.Println("Set KEYGATE_AUTH_USER, KEYGATE_AUTH_PASS, and KEYGATE_JWT_SECRET, then run 'keygate serve'.")
	return nil
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration",
		Long:  "Print the merged configuration with the secret-bearing fields masked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow()
		},
	}

	return cmd
}

func runConfigShow() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	mask := func(s string) string {
		if s == "" {
			return "(unset)"
		}
		return "********"
	}

	fmt.Println("server:")
	fmt.Printf("  host:             %s\n", cfg.Server.Host)
	fmt.Printf("  port:             %d\n", cfg.Server.Port)
	fmt.Printf("  tls_port:         %d\n", cfg.Server.TLSPort)
	fmt.Printf("  tls_enabled:      %v\n", cfg.Server.TLS.Enabled)
	fmt.Printf("  shutdown_timeout: %s\n", cfg.ShutdownTimeout())
	fmt.Println("auth:")
	fmt.Printf("  user:                  %s\n", mask(cfg.Auth.User))
	fmt.Printf("  pass:                  %s\n", mask(cfg.Auth.Pass))
	fmt.Printf("  jwt_secret:            %s\n", mask(cfg.Auth.JWTSecret))
	fmt.Printf("  token_ttl:             %s\n", cfg.TokenTTL())
	fmt.Printf("  rate_limit_per_minute: %d\n", cfg.Auth.RateLimitPerMinute)
	fmt.Println("storage:")
	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "sqlite"
	}
	fmt.Printf("  driver:   %s\n", driver)
	fmt.Printf("  data_dir: %s\n", cfg.Storage.DataDir)
	fmt.Printf("  dsn:      %s\n", mask(cfg.Storage.DSN))
	fmt.Println("upstream:")
	fmt.Printf("  base_url: %s\n", cfg.Upstream.BaseURL)
	fmt.Printf("  timeout:  %s\n", cfg.UpstreamTimeout())
	fmt.Println("logging:")
	fmt.Printf("  level:  %s\n", cfg.Logging.Level)
	fmt.Printf("  format: %s\n", cfg.Logging.Format)

	return nil
}
