package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/proxy"
	"github.com/keygate/keygate/internal/server"
	"github.com/keygate/keygate/internal/service"
	"github.com/keygate/keygate/internal/telemetry"
	"github.com/keygate/keygate/internal/token"
)

const banner = `
 _  _______ _  _____   _ _____ ___
| |/ / __\ \ / / __| /_\_   _| __|
|   <| _| \ V / (_ |/ _ \| | | _|
|_|\_\___| |_| \___/_/ \_\_| |___|
`

func newServeCmd() *cobra.Command {
	var (
		port    int
		tlsPort int
		host    string
		dev     bool
		daemon  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the keygate broker",
		Long:  "Start the HTTP server that exchanges the upstream API key for rotating tokens and forwards guarded requests upstream.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon {
				return spawnDaemon()
			}
			return runServe(host, port, tlsPort, dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP listen port (overrides config)")
	cmd.Flags().IntVar(&tlsPort, "tls-port", 0, "TLS listen port (overrides config)")
	cmd.Flags().StringVar(&host, "host", "", "HTTP listen host (overrides config)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")
	cmd.Flags().BoolVar(&daemon, "daemon", false, "Run in the background, logging to the data directory")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

// spawnDaemon re-execs the current binary detached from the terminal and
// records its PID for 'keygate stop' and 'keygate status'.
func spawnDaemon() error {
	if pid, err := readPID(); err == nil && isProcessRunning(pid) {
		return fmt.Errorf("server already running (PID %d)", pid)
	}

	if err := os.MkdirAll(resolveDataDir(), 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	logFile, err := os.OpenFile(logFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	args := []string{"serve"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if dataDir != "" {
		args = append(args, "--data-dir", dataDir)
	}

	child := exec.Command(os.Args[0], args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setSysProcAttr(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start background server: %w", err)
	}
	if err := writePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	fmt.Printf("Server started in the background (PID %d)\n", child.Process.Pid)
	fmt.Printf("  Logs: %s\n", logFilePath())
	fmt.Println("  Stop with 'keygate stop'.")
	return nil
}

func runServe(host string, port, tlsPort int, dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if tlsPort != 0 {
		cfg.Server.TLSPort = tlsPort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Logging, dev)

	// 1. Open the token store
	st, err := openTokenStore(cfg)
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	defer st.Close()
	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "sqlite"
	}
	logger.Info("token store opened", "driver", driver, "data_dir", cfg.Storage.DataDir)

	// 2. Wire the token codec and broker
	codec := token.NewCodec(token.DeriveSecret(cfg.Auth.JWTSecret))
	broker := service.NewBroker(st, codec, cfg.TokenTTL(), logger)

	// 3. Wire the upstream dispatcher
	dispatcher, err := proxy.New(proxy.Config{
		BaseURL:      cfg.Upstream.BaseURL,
		Organization: cfg.Upstream.Organization,
		Timeout:      cfg.UpstreamTimeout(),
	}, logger)
	if err != nil {
		return fmt.Errorf("init upstream dispatcher: %w", err)
	}

	// 4. Telemetry (anonymous heartbeat, opt-out)
	ctx := context.Background()
	tracker := telemetry.New(ctx, st, func() telemetry.Properties {
		props := telemetry.BaseProperties(versionString(), driver)
		if n, err := st.CountActive(ctx); err == nil {
			props.ActiveTokens = n
		}
		if all, err := st.ListAll(ctx); err == nil {
			for _, rec := range all {
				if rec.Archived {
					props.ArchivedTokens++
				}
			}
		}
		return props
	})
	if tracker != nil {
		telemetry.PrintNotice()
		tracker.Start()
		defer tracker.Shutdown()
	}

	// 5. Build and start the HTTP server
	srvCfg := server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		TLSPort:         cfg.Server.TLSPort,
		TLSCertFile:     cfg.Server.TLS.CertFile,
		TLSKeyFile:      cfg.Server.TLS.KeyFile,
		TLSEnabled:      cfg.Server.TLS.Enabled,
		ShutdownTimeout: cfg.ShutdownTimeout(),
		CORSOrigins:     cfg.Server.CORSOrigins,
		AuthUser:        cfg.Auth.User,
		AuthPass:        cfg.Auth.Pass,
		RatePerMinute:   cfg.Auth.RateLimitPerMinute,
		Version:         versionString(),
	}

	srv := server.New(srvCfg, broker, dispatcher, st, logger)

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("could not write pid file", "error", err)
	}
	defer removePID()

	fmt.Printf("→ Keygate %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	if cfg.Server.TLS.Enabled {
		fmt.Printf("→ TLS:        https://%s:%d\n", cfg.Server.Host, cfg.Server.TLSPort)
	}
	fmt.Printf("→ Exchange:   POST http://%s:%d/get-jwt\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Upstream:   %s\n", cfg.Upstream.BaseURL)
	fmt.Printf("→ Token TTL:  %s\n", cfg.TokenTTL())
	fmt.Println()

	return srv.ListenAndServe()
}

func newLogger(cfg config.LoggingConfig, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if dev {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ctxWithTimeout is a small helper for one-shot CLI store operations.
func ctxWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
