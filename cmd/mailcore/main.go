package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mailcore/imapcore/internal/attachstore"
	"github.com/mailcore/imapcore/internal/auth"
	"github.com/mailcore/imapcore/internal/config"
	"github.com/mailcore/imapcore/internal/dedupe"
	"github.com/mailcore/imapcore/internal/imapfront"
	"github.com/mailcore/imapcore/internal/logging"
	"github.com/mailcore/imapcore/internal/mailhandler"
	"github.com/mailcore/imapcore/internal/notifier"
	"github.com/mailcore/imapcore/internal/registry"
	"github.com/mailcore/imapcore/internal/store"
	"github.com/mailcore/imapcore/internal/thread"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailcore",
	Short: "IMAP-accessible mail store backed by SQLite",
	Long: `mailcore serves IMAP against a SQLite-backed message store:
- UID/MODSEQ allocation and deduplication on append
- move/copy/update orchestration with journal-backed notification fanout
- content-addressed, refcounted attachment storage`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the IMAP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			return fmt.Errorf("failed to create required directories: %w", err)
		}

		type resourceTracker struct {
			db          *store.DB
			redisClient *redis.Client
			notify      *notifier.Notifier
			imapSrv     *imapfront.Server
			metricsSrv  *http.Server
			logger      *logging.Logger
		}
		resources := &resourceTracker{}

		cleanup := func() {
			if resources.logger != nil {
				resources.logger.Info("starting graceful shutdown")
			}

			shutdownTimeout := 30 * time.Second
			if cfg.Server.ShutdownTimeout != "" {
				if t, err := time.ParseDuration(cfg.Server.ShutdownTimeout); err == nil {
					shutdownTimeout = t
				}
			}
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()

			if resources.metricsSrv != nil {
				if err := resources.metricsSrv.Shutdown(shutdownCtx); err != nil && resources.logger != nil {
					resources.logger.Error("metrics server shutdown error", "error", err.Error())
				}
			}
			if resources.imapSrv != nil {
				if err := resources.imapSrv.Close(); err != nil && resources.logger != nil {
					resources.logger.Error("imap server shutdown error", "error", err.Error())
				}
			}
			if resources.notify != nil {
				resources.notify.Close()
			}
			if resources.redisClient != nil {
				if err := resources.redisClient.Close(); err != nil && resources.logger != nil {
					resources.logger.Error("redis client close error", "error", err.Error())
				}
			}
			if resources.db != nil {
				if err := resources.db.Close(); err != nil && resources.logger != nil {
					resources.logger.Error("database close error", "error", err.Error())
				}
			}

			if resources.logger != nil {
				resources.logger.Info("shutdown complete")
			}
		}

		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "PANIC during server operation: %v\n", r)
				cleanup()
				panic(r)
			}
		}()

		logger, err := logging.New(logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		resources.logger = logger
		logger.Info("mailcore starting", "hostname", cfg.Server.Hostname)

		db, err := store.Open(cfg.Storage.DatabasePath)
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to open database: %w", err)
		}
		resources.db = db
		logger.Info("database opened", "path", cfg.Storage.DatabasePath)

		if err := db.Migrate(); err != nil {
			cleanup()
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("database migrations complete")

		var tlsConfig *tls.Config
		if cfg.TLS.CertFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			if err != nil {
				cleanup()
				return fmt.Errorf("failed to load TLS certificate: %w", err)
			}
			tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
			logger.Info("TLS configured")
		} else {
			logger.Warn("TLS not configured - IMAPS listener disabled, STARTTLS unavailable")
		}

		var redisClient *redis.Client
		if cfg.Notifier.RedisURL != "" {
			opts, err := redis.ParseURL(cfg.Notifier.RedisURL)
			if err != nil {
				cleanup()
				return fmt.Errorf("invalid notifier.redis_url: %w", err)
			}
			redisClient = redis.NewClient(opts)
			pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = redisClient.Ping(pingCtx).Err()
			pingCancel()
			if err != nil {
				cleanup()
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			resources.redisClient = redisClient
			logger.Info("redis notifier bus connected")
		} else {
			logger.Warn("notifier.redis_url not set - cross-process wakeup disabled, notifications stay within this process")
		}

		authenticator := auth.NewAuthenticator(db.DB)
		reg := registry.New(db.DB)
		attach := attachstore.New(db.DB, cfg.Storage.AttachDir)
		th := thread.New(db.DB)
		dd := dedupe.New(db.DB)
		notify := notifier.New(db.DB, redisClient, logger, cfg.ReservationTTL())
		resources.notify = notify
		handler := mailhandler.New(db.DB, reg, attach, th, dd, notify, logger)

		imapAddr := fmt.Sprintf(":%d", cfg.Server.IMAPPort)
		imapsAddr := fmt.Sprintf(":%d", cfg.Server.IMAPSPort)
		imapSrv := imapfront.New(imapfront.Deps{
			DB:       db.DB,
			Authn:    authenticator,
			Registry: reg,
			Handler:  handler,
			Attach:   attach,
			Thread:   th,
			Dedupe:   dd,
			Notify:   notify,
			Log:      logger,
		}, imapAddr, imapsAddr, tlsConfig)
		resources.imapSrv = imapSrv

		if err := imapSrv.ListenAndServe(); err != nil {
			cleanup()
			return fmt.Errorf("failed to start IMAP server: %w", err)
		}
		logger.Info("IMAP server started", "port", cfg.Server.IMAPPort)

		if tlsConfig != nil {
			if err := imapSrv.ListenAndServeTLS(); err != nil {
				cleanup()
				return fmt.Errorf("failed to start IMAPS server: %w", err)
			}
			logger.Info("IMAPS server started", "port", cfg.Server.IMAPSPort)
		}

		if cfg.Metrics.Enabled {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsSrv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
			resources.metricsSrv = metricsSrv
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server error", "error", err.Error())
				}
			}()
			logger.Info("metrics server started", "addr", cfg.Metrics.Listen)
		}

		fmt.Printf("mailcore serving on %s\n", cfg.Server.Hostname)
		fmt.Printf("  IMAP:  %d, %d (TLS)\n", cfg.Server.IMAPPort, cfg.Server.IMAPSPort)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		cleanup()
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}
		db, err := store.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		if err := db.Migrate(); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		fmt.Println("migrations completed successfully")
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username> <password>",
	Short: "Create a new user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		username, password := args[0], args[1]

		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}
		db, err := store.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		if err := db.Migrate(); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		authenticator := auth.NewAuthenticator(db.DB)
		quotaBytes, _ := cmd.Flags().GetInt64("quota")
		user, err := authenticator.CreateUser(context.Background(), username, password, quotaBytes)
		if err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}

		reg := registry.New(db.DB)
		if _, err := reg.CreateMailbox(context.Background(), user.ID, "INBOX", ""); err != nil {
			return fmt.Errorf("failed to create INBOX for new user: %w", err)
		}

		fmt.Printf("created user '%s' (id=%d)\n", user.Username, user.ID)
		return nil
	},
}

var userPasswdCmd = &cobra.Command{
	Use:   "passwd <username> <new-password>",
	Short: "Change a user's password",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		username, password := args[0], args[1]

		db, err := store.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		authenticator := auth.NewAuthenticator(db.DB)
		user, err := authenticator.LookupUser(context.Background(), username)
		if err != nil {
			return fmt.Errorf("user not found: %s", username)
		}
		if err := authenticator.UpdatePassword(context.Background(), user.ID, password); err != nil {
			return fmt.Errorf("failed to update password: %w", err)
		}

		fmt.Printf("password updated for '%s'\n", username)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mailcore v0.1.0")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	userAddCmd.Flags().Int64("quota", 1<<30, "mailbox quota in bytes")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userPasswdCmd)
	rootCmd.AddCommand(userCmd)
}
