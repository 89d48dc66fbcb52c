package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"filebrowser-cdc/internal/filebrowser"
	"filebrowser-cdc/internal/filter"
	"filebrowser-cdc/internal/nats"
	"filebrowser-cdc/internal/notify"
	"filebrowser-cdc/internal/processor"
	"filebrowser-cdc/internal/reconcile"
	"filebrowser-cdc/internal/store"
)

// ErrAlreadyRunning is returned when another instance holds the state lock
var ErrAlreadyRunning = errors.New("another instance is already running")

type options struct {
	configPath string
	once       bool
	initConfig bool
}

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)

	if err := newRootCmd(logger).ExecuteContext(context.Background()); err != nil {
		logger.Fatalf("%v", err)
	}
}

func newRootCmd(logger *logrus.Logger) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "filebrowser-cdc",
		Short:         "Watch a FileBrowser instance and notify about file changes",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, logger)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to configuration file")
	cmd.Flags().BoolVar(&opts.once, "once", false, "run a single cycle and exit")
	cmd.Flags().BoolVar(&opts.initConfig, "init-config", false, "write a template configuration file and exit")

	return cmd
}

func run(ctx context.Context, opts *options, logger *logrus.Logger) error {
	if opts.initConfig {
		if err := WriteTemplate(opts.configPath); err != nil {
			return err
		}
		logger.Infof("Template configuration created at %s", opts.configPath)
		return nil
	}

	// Load configuration
	config, err := LoadConfig(opts.configPath)
	if errors.Is(err, os.ErrNotExist) {
		if werr := WriteTemplate(opts.configPath); werr != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return fmt.Errorf("configuration file not found, template created at %s", opts.configPath)
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := configureLogger(logger, config.Logging); err != nil {
		return err
	}

	logger.Info("Starting FileBrowser change monitor...")
	logger.Infof("Monitoring: %s (root %s)", config.FileBrowser.URL, config.FileBrowser.Root)

	if err := os.MkdirAll(filepath.Dir(config.LockPath()), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	lock := flock.New(config.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", config.LockPath(), err)
	}
	if !locked {
		return fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, config.LockPath())
	}
	defer lock.Unlock()

	if config.Store.Driver == store.DriverMySQL {
		checker := NewMySQLChecker(config.Store.MySQL, logger)
		if err := checker.CheckConnectionAndPermissions(ctx); err != nil {
			return fmt.Errorf("MySQL store check failed: %w", err)
		}
	}

	st, err := store.Open(config.StoreConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	chain, err := filter.NewChain(config.FilterConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to build filter: %w", err)
	}

	client, err := filebrowser.NewClient(config.FileBrowserClientConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to create FileBrowser client: %w", err)
	}

	var sinks notify.Multi
	if config.Discord.WebhookURL != "" {
		discord, err := notify.NewDiscord(config.DiscordSinkConfig(), logger)
		if err != nil {
			return fmt.Errorf("failed to create Discord notifier: %w", err)
		}
		sinks = append(sinks, discord)
	}
	if config.NATS.URL != "" {
		publisher, err := nats.NewPublisher(
			config.NATS.URL,
			config.NATS.Subject,
			config.FileBrowser.URL,
			config.NATS.MaxReconnect,
			config.NATS.ReconnectWait,
			logger,
		)
		if err != nil {
			return fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	engine := reconcile.NewEngine(st, chain, logger)
	proc := processor.NewProcessor(client, engine, sinks, st, config.Limits(), logger)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		if opts.once {
			_, err := proc.RunCycle(ctx)
			errChan <- err
			return
		}
		errChan <- proc.Start(ctx, config.Interval())
	}()

	// Wait for signal or error
	select {
	case sig := <-sigChan:
		logger.Infof("Received signal: %v, shutting down...", sig)
		cancel()
		if err := <-errChan; err != nil {
			logger.Warnf("Cycle interrupted: %v", err)
		}
	case err := <-errChan:
		if err != nil {
			return err
		}
	}

	logger.Info("FileBrowser change monitor stopped")
	return nil
}

func configureLogger(logger *logrus.Logger, cfg LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid logging.level: %w", err)
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}
