package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"stationlink/backend/libs/config"
	"stationlink/backend/services/ocpp-server/internal/app"
	"stationlink/backend/services/ocpp-server/internal/auth"
	ocppconfig "stationlink/backend/services/ocpp-server/internal/config"
	"stationlink/backend/services/ocpp-server/internal/db"
	"stationlink/backend/services/ocpp-server/internal/repository"
)

func newCLI(logger *zap.Logger) *cli.App {
	return &cli.App{
		Name:            "ocpp-server",
		Usage:           "OCPP-J central system for charging stations",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML configuration file",
				EnvVars: []string{config.FileEnv},
			},
		},
		Before: func(c *cli.Context) error {
			if path := c.String("config"); path != "" {
				return os.Setenv(config.FileEnv, path)
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			return serve(c.Context, logger)
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Accept station connections and serve the admin API (default)",
				Action: func(c *cli.Context) error {
					return serve(c.Context, logger)
				},
			},
			{
				Name:  "issue-token",
				Usage: "Print an admin API bearer token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Usage: "Token subject", Required: true},
					&cli.StringFlag{Name: "role", Usage: "Token role", Value: auth.RoleOperator},
				},
				Action: func(c *cli.Context) error {
					cfg, err := ocppconfig.Load()
					if err != nil {
						return err
					}
					if cfg.Auth.AdminJWTSecret == "" {
						return errors.New("admin JWT secret is not configured")
					}
					token, err := auth.NewTokenService(cfg.Auth.AdminJWTSecret, cfg.Auth.AdminTokenTTL).
						GenerateToken(c.String("subject"), c.String("role"))
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(c.App.Writer, token)
					return err
				},
			},
			{
				Name:  "set-credential",
				Usage: "Store the HTTP Basic password of a station",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "station", Usage: "Station identity", Required: true},
					&cli.StringFlag{Name: "password", Usage: "Password", Required: true, EnvVars: []string{"OCPP_STATION_PASSWORD"}},
				},
				Action: func(c *cli.Context) error {
					cfg, err := ocppconfig.Load()
					if err != nil {
						return err
					}
					if !cfg.DatabaseEnabled() {
						return errors.New("database DSN is not configured")
					}
					return setCredential(c.Context, cfg, c.String("station"), c.String("password"))
				},
			},
		},
	}
}

func serve(ctx context.Context, logger *zap.Logger) error {
	cfg, err := ocppconfig.Load()
	if err != nil {
		return err
	}

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init ocpp server: %w", err)
	}
	defer application.Close()

	return application.Run(ctx)
}

func setCredential(ctx context.Context, cfg *ocppconfig.Config, stationID, password string) error {
	conn, err := db.NewPostgres(ctx, cfg.Database.DSN, 1)
	if err != nil {
		return err
	}
	defer conn.Close()

	hash, err := auth.NewBcryptHasher(cfg.Auth.BcryptCost).Hash(password)
	if err != nil {
		return err
	}
	return repository.NewCredentialRepository(conn).SetPasswordHash(ctx, stationID, hash)
}
