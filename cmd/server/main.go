package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardoC/chatpad/internal/api"
	"github.com/RichardoC/chatpad/internal/chat"
	"github.com/RichardoC/chatpad/internal/config"
	"github.com/RichardoC/chatpad/internal/db"
	"github.com/RichardoC/chatpad/internal/llm"
	"github.com/RichardoC/chatpad/internal/session"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var configFile, envFile string

	cmd := &cobra.Command{
		Use:           "chatpad-server",
		Short:         "Serve the chatpad web client and its JSON API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configFile, envFile)
			if err != nil {
				return err
			}

			logger := newLogger(cfg.Debug)
			defer logger.Sync()

			if err := run(cmd.Context(), cfg, logger); err != nil {
				logger.Error("server stopped with error", zap.Error(err))
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded into the environment if present")
	flags.String("addr", "", "listen address (defaults to :$PORT or :5000)")
	flags.Bool("debug", false, "development logging")
	flags.String("static-dir", "", "directory served at /")
	flags.String("store-driver", db.DriverSQLite, "sqlite3, postgres, mysql or file")
	flags.String("store-dsn", "chatpad.db", "database source for SQL drivers")
	flags.String("llm-provider", llm.ProviderOpenAI, "openai, googleai or ollama")
	flags.String("llm-base-url", "", "override the provider endpoint")

	for key, flag := range map[string]string{
		"addr":         "addr",
		"debug":        "debug",
		"static_dir":   "static-dir",
		"store.driver": "store-driver",
		"store.dsn":    "store-dsn",
		"llm.provider": "llm-provider",
		"llm.base_url": "llm-base-url",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func newLogger(debug bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(cfg.Store.Driver, cfg.StoreDSN(), logger)
	if err != nil {
		return errors.Wrap(err, "open conversation store")
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	bindings, err := newBindings(ctx, cfg.Session, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, bindings.Close()) }()

	catalog := llm.NewCatalog(cfg.LLM.Models)
	llmService, err := llm.New(ctx, llm.ProviderConfig{
		Provider: cfg.LLM.Provider,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
		Model:    catalog.Default(),
		Timeout:  cfg.LLM.Timeout,
	}, logger)
	if err != nil {
		return errors.Wrap(err, "initialize LLM service")
	}

	opts := chat.Options{
		DefaultModel:     catalog.Default(),
		MaxHistoryTokens: cfg.LLM.MaxHistoryTokens,
	}
	if cfg.LLM.MaxHistoryTokens > 0 {
		counter, err := llm.NewTiktokenCounter(cfg.LLM.Encoding)
		if err != nil {
			logger.Warn("token encoding unavailable; estimating history size",
				zap.String("encoding", cfg.LLM.Encoding),
				zap.Error(err))
		} else {
			opts.Counter = counter
		}
	}

	resolver := session.NewResolver(store, bindings, logger)
	orchestrator := chat.NewOrchestrator(store, resolver, llmService, opts, logger)
	handler := api.NewHandler(orchestrator, llmService, catalog, api.Options{
		CookieName:   cfg.Session.CookieName,
		StaticDir:    cfg.StaticDir,
		SecureCookie: cfg.Session.SecureCookie,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting server",
			zap.String("addr", cfg.Addr),
			zap.String("store", cfg.Store.Driver),
			zap.String("sessions", cfg.Session.Backend),
			zap.Bool("api_configured", llmService.Configured()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newBindings(ctx context.Context, cfg config.SessionConfig, logger *zap.Logger) (session.Bindings, error) {
	if cfg.Backend != config.SessionRedis {
		return session.NewMemoryBindings(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "connect to redis at %s", cfg.RedisAddr)
	}
	logger.Info("session bindings stored in redis", zap.String("addr", cfg.RedisAddr))
	return session.NewRedisBindings(client, cfg.TTL), nil
}
