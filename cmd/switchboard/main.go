package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/term"

	"github.com/dbredin/switchboard/internal/archive"
	"github.com/dbredin/switchboard/internal/cli"
	"github.com/dbredin/switchboard/internal/config"
	"github.com/dbredin/switchboard/internal/crypto"
	"github.com/dbredin/switchboard/internal/server"
	"github.com/dbredin/switchboard/internal/storage"
	"github.com/dbredin/switchboard/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "switchboard",
		Short:   "WebRTC signalling broker for video-processing workers",
		Version: version.Version,
	}

	rootCmd.AddCommand(
		serveCmd(),
		statusCmd(),
		configCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "Address to listen on (default :8080)")
	cmd.Flags().String("config-dir", "", "Directory to load config from (default: current directory)")
	cmd.Flags().String("db", "", "SQLite database path for the history store")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")
	if configDir == "" {
		var err error
		configDir, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	cfg, configFile, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Flags win over file and environment.
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Addr = addr
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Storage.Backend = "sqlite"
		cfg.Storage.Path = db
	}

	log := newLogger(cfg)
	if configFile != "" {
		log.Info("loaded config", "file", configFile)
	}

	store, err := newStorage(cfg)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	arch, err := newArchive(cfg)
	if err != nil {
		return fmt.Errorf("initialize archive: %w", err)
	}
	if arch != nil {
		defer arch.Close()
	}

	hub := server.NewHub(store, log)
	if arch != nil {
		hub.SetArchive(arch)
	}
	hub.SetSessionTTL(cfg.SessionTTL.Duration())
	hub.Start()
	defer hub.Stop()

	workerHandler := server.NewWorkerHandler(hub, log)
	workerHandler.SetHelloTimeout(cfg.HelloTimeout.Duration())
	clientHandler := server.NewClientHandler(hub, log)
	apiHandler := server.NewAPIHandler(hub, store, cfg.Videos, log)
	if arch != nil {
		apiHandler.SetArchive(arch)
	}

	mux := http.NewServeMux()
	mux.Handle("/worker", workerHandler)
	mux.Handle("/queue/", clientHandler)
	mux.Handle("/metrics", hub.Metrics().Handler())
	mux.Handle("/", apiHandler)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		log.Info("starting broker", "addr", cfg.Addr, "version", version.Version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("shutting down")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Warn("shutdown error", "error", err)
		}
	}

	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func newStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		return storage.NewPostgres(cfg.Storage.DSN)
	default:
		return storage.NewSQLite(cfg.Storage.Path)
	}
}

func newArchive(cfg *config.Config) (archive.Archive, error) {
	var sealer *crypto.Sealer
	if cfg.Archive.Secret != "" {
		var err error
		sealer, err = crypto.NewSealer(cfg.Archive.Secret)
		if err != nil {
			return nil, err
		}
	}

	switch cfg.Archive.Backend {
	case "filesystem":
		return archive.NewFilesystemArchive(cfg.Archive.Dir, sealer)
	case "sqlite":
		return archive.NewSQLiteArchive(cfg.Archive.Path, sealer)
	case "s3":
		return archive.NewS3Archive(archive.S3Config{
			Bucket:          cfg.Archive.S3.Bucket,
			Region:          cfg.Archive.S3.Region,
			Endpoint:        cfg.Archive.S3.Endpoint,
			AccessKeyID:     cfg.Archive.S3.AccessKeyID,
			SecretAccessKey: cfg.Archive.S3.SecretAccessKey,
		}, sealer)
	default:
		return nil, nil
	}
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running broker's queue and workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			serverURL, _ := cmd.Flags().GetString("server")
			limit, _ := cmd.Flags().GetInt("limit")

			report, err := cli.Status(cli.StatusOptions{
				ServerURL: serverURL,
				Limit:     limit,
			})
			if err != nil {
				return err
			}

			tty := term.IsTerminal(int(os.Stdout.Fd()))
			return cli.Render(os.Stdout, report, tty)
		},
	}
	cmd.Flags().String("server", "http://localhost:8080", "Broker URL")
	cmd.Flags().Int("limit", 10, "Number of recent jobs to show")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			workDir, err := os.Getwd()
			if err != nil {
				return err
			}

			cfg, configFile, err := config.Require(workDir)
			if err != nil {
				return err
			}

			fmt.Printf("Valid: %s\n", configFile)
			fmt.Printf("  addr: %s\n", cfg.Addr)
			fmt.Printf("  videos: %d\n", len(cfg.Videos))
			fmt.Printf("  storage: %s\n", cfg.Storage.Backend)
			fmt.Printf("  archive: %s\n", cfg.Archive.Backend)
			if cfg.SessionTTL > 0 {
				fmt.Printf("  session_ttl: %s\n", cfg.SessionTTL.Duration())
			}
			return nil
		},
	}
}
