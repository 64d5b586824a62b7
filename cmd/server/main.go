package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"entity-engine/internal/admin"
	"entity-engine/internal/auth"
	"entity-engine/internal/config"
	"entity-engine/internal/engine"
	"entity-engine/internal/instrument"
	applog "entity-engine/internal/logger"
	"entity-engine/internal/metadata"
	"entity-engine/internal/schemafile"
	"entity-engine/internal/storage"
	"entity-engine/internal/store"
)

const (
	appName = "entity-engine"
	Version = "0.1.0"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Multi-tenant dynamic entity engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML); defaults to ./app.yaml")

	loadConfig := func() (*config.Config, error) {
		var (
			cfg *config.Config
			err error
		)
		if configPath != "" {
			cfg, err = config.LoadFile(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return nil, err
		}
		applog.Setup(cfg.Log)
		return cfg, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "bootstrap",
		Short: "Create system tables and the first super user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			db.Close()
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <schema.yaml>",
		Short: "Merge a YAML schema document into the stored schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := schemafile.Load(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			eng := engine.New(db, metadata.NewCache(db, 0), engineOptions(cfg))
			if err := eng.ImportSchema(ctx, s); err != nil {
				return err
			}
			log.Info().Str("file", args[0]).Int("entities", len(s.Entities)).
				Int("relationships", len(s.Relationships)).Msg("schema imported")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Write the stored schema to stdout as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			s, err := db.LoadSchema(cmd.Context())
			if err != nil {
				return err
			}
			out, err := schemafile.Encode(s)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
		},
	})

	return cmd
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("driver", cfg.Database.Driver).Str("database", cfg.Database.Name).Msg("database ready")
	return db, nil
}

func engineOptions(cfg *config.Config) engine.Options {
	return engine.Options{
		DefaultPageSize: cfg.Engine.DefaultPageSize,
		MaxPageSize:     cfg.Engine.MaxPageSize,
		WebhookAttempts: cfg.Engine.WebhookAttempts,
		WebhookBackoff:  cfg.Engine.WebhookBackoff,
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	cache := metadata.NewCache(db, cfg.Engine.SchemaTTL)
	if _, err := cache.Registry(ctx); err != nil {
		log.Warn().Err(err).Msg("initial schema load failed")
	}
	eng := engine.New(db, cache, engineOptions(cfg))
	defer eng.Close()
	gate := engine.NewGate(eng)

	app := fiber.New(fiber.Config{
		ErrorHandler:          engine.ErrorHandler,
		DisableStartupMessage: true,
		BodyLimit:             int(cfg.Storage.MaxFileSize) + 1<<20,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	if cfg.Metrics.Enabled {
		metrics := instrument.NewMetrics()
		app.Use(instrument.Middleware(metrics))
		app.Get(cfg.Metrics.Path, metrics.Handler())
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Login and refresh are public; everything after the middleware is not.
	authHandler := auth.NewAuthHandler(db, cfg.JWTSecret)
	auth.RegisterAuthRoutes(app, authHandler)
	protected := app.Group("", auth.AuthMiddleware(cfg.JWTSecret))
	protected.Get("/api/auth/me", authHandler.Me)

	admin.RegisterAdminRoutes(protected, admin.NewHandler(gate))
	files := engine.NewFileHandler(gate, storage.NewLocalStorage(cfg.Storage.LocalPath), cfg.Storage.MaxFileSize)
	engine.RegisterDynamicRoutes(protected, engine.NewHandler(gate), files)

	errc := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		log.Info().Str("addr", addr).Str("version", Version).Msg("starting server")
		errc <- app.Listen(addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	return app.ShutdownWithTimeout(10 * time.Second)
}
