package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/sitegrid/botguard/internal/api/middleware"
	"github.com/sitegrid/botguard/internal/config"
	"github.com/sitegrid/botguard/internal/database"
	"github.com/sitegrid/botguard/internal/logger"
	"github.com/sitegrid/botguard/internal/ratelimit"
	"github.com/sitegrid/botguard/internal/server"
	"github.com/sitegrid/botguard/internal/version"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, logger.RotatingOutput(cfg.LogDir, "botguard.log"))
	log := logger.Log()

	// Handle CLI commands
	if len(os.Args) > 1 {
		if err := runCommand(cfg, os.Args[1:]); err != nil {
			log.WithError(err).Fatal("command failed")
		}
		return
	}

	log.Infof("starting %s %s", version.Name, version.Full())

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabasePath, cfg.DatabaseDSN)
	if err != nil {
		log.WithError(err).Fatal("connect database")
	}

	srv, err := server.New(db, cfg)
	if err != nil {
		log.WithError(err).Fatal("build server")
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.WithError(err).Warn("close server resources")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("listening on :%s", cfg.HTTPPort)
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server error")
		return
	}
	log.Info("shutdown complete")
}

// runCommand implements the operator subcommands:
//
//	reset-rate-limit <ip>
//	issue-admin-token <subject> [ttl]
func runCommand(cfg config.Config, args []string) error {
	switch args[0] {
	case "reset-rate-limit":
		if len(args) != 2 {
			return fmt.Errorf("usage: %s reset-rate-limit <ip>", os.Args[0])
		}
		db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabasePath, cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		srv, err := server.New(db, cfg)
		if err != nil {
			return err
		}
		defer srv.Close()

		if err := srv.Limiter.Reset(context.Background(), args[1]); err != nil {
			if errors.Is(err, ratelimit.ErrStateNotFound) {
				return fmt.Errorf("no rate limit state for %s", args[1])
			}
			return err
		}
		logger.Log().Infof("rate limit reset for %s", args[1])
		return nil

	case "issue-admin-token":
		if len(args) < 2 || len(args) > 3 {
			return fmt.Errorf("usage: %s issue-admin-token <subject> [ttl]", os.Args[0])
		}
		if cfg.AdminJWTSecret == "" {
			return errors.New("BOTGUARD_ADMIN_JWT_SECRET is not set")
		}
		ttl := 24 * time.Hour
		if len(args) == 3 {
			d, err := time.ParseDuration(args[2])
			if err != nil {
				return fmt.Errorf("parse ttl: %w", err)
			}
			ttl = d
		}
		token, err := middleware.SignAdminToken([]byte(cfg.AdminJWTSecret), args[1], ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}
