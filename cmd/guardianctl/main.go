package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"guardian-backend/config"
	"guardian-backend/internal/db"
	"guardian-backend/internal/deviceauth"
	"guardian-backend/internal/session"
	"guardian-backend/internal/store"
)

func main() {
	// Override to capitalize "Show"
	cli.HelpFlag.(*cli.BoolFlag).Usage = "Show help"
	app := &cli.Command{
		Name:  "guardianctl",
		Usage: "Operator commands for the guardian backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to the backend configuration file",
				Value:   "./config/config.yaml",
				Sources: cli.EnvVars("CONFIG_PATH"),
			},
		},
		Commands: []*cli.Command{
			createSessionCommand(),
			createDeviceCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(command *cli.Command) (*config.Config, error) {
	path := command.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	return cfg, nil
}

func newAuthority(cfg *config.Config) (*session.Authority, func(), error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	authority, err := session.NewAuthority(rdb, cfg.Session, zap.NewNop().Sugar())
	if err != nil {
		rdb.Close()
		return nil, nil, err
	}
	return authority, func() { rdb.Close() }, nil
}

func createSessionCommand() *cli.Command {
	subjectFlag := func() cli.Flag {
		return &cli.IntFlag{Name: "subject", Usage: "Subject (user) id", Required: true}
	}
	clientFlag := func() cli.Flag {
		return &cli.StringFlag{Name: "client", Usage: "Client kind, e.g. web or mobile", Value: "web"}
	}

	return &cli.Command{
		Name:  "session",
		Usage: "Commands relating to sessions",
		Commands: []*cli.Command{
			{
				Name:  "issue",
				Usage: "Issue a session token, replacing the subject's session on that client kind",
				Flags: []cli.Flag{
					subjectFlag(),
					clientFlag(),
					&cli.StringFlag{Name: "role", Usage: "Role carried by the token", Value: "member"},
					&cli.StringFlag{Name: "name", Usage: "Display name carried by the token"},
					&cli.StringFlag{Name: "email", Usage: "Email carried by the token"},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					cfg, err := loadConfig(command)
					if err != nil {
						return err
					}
					authority, closeFn, err := newAuthority(cfg)
					if err != nil {
						return err
					}
					defer closeFn()

					token, err := authority.Issue(ctx, command.Int("subject"), command.String("client"), session.Profile{
						Role:  command.String("role"),
						Name:  command.String("name"),
						Email: command.String("email"),
					})
					if err != nil {
						return err
					}
					fmt.Println(token)
					return nil
				},
			},
			{
				Name:  "revoke",
				Usage: "Revoke the subject's session on a client kind",
				Flags: []cli.Flag{subjectFlag(), clientFlag()},
				Action: func(ctx context.Context, command *cli.Command) error {
					cfg, err := loadConfig(command)
					if err != nil {
						return err
					}
					authority, closeFn, err := newAuthority(cfg)
					if err != nil {
						return err
					}
					defer closeFn()

					return authority.Revoke(ctx, command.Int("subject"), command.String("client"))
				},
			},
		},
	}
}

func newAuthorizer(cfg *config.Config) (*deviceauth.Authorizer, error) {
	logger := zap.NewNop().Sugar()
	gormDB, err := db.Init(&cfg.Database, false, logger)
	if err != nil {
		return nil, err
	}
	return deviceauth.NewAuthorizer(store.NewGormStore(gormDB), time.Minute, logger), nil
}

func createDeviceCommand() *cli.Command {
	serialFlag := func() cli.Flag {
		return &cli.StringFlag{Name: "serial", Usage: "Device serial number", Required: true}
	}

	return &cli.Command{
		Name:  "device",
		Usage: "Commands relating to devices",
		Commands: []*cli.Command{
			{
				Name:  "bind",
				Usage: "Bind a device to a circle",
				Flags: []cli.Flag{
					serialFlag(),
					&cli.IntFlag{Name: "circle", Usage: "Circle id", Required: true},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					cfg, err := loadConfig(command)
					if err != nil {
						return err
					}
					authorizer, err := newAuthorizer(cfg)
					if err != nil {
						return err
					}
					return authorizer.Bind(ctx, command.String("serial"), command.Int("circle"))
				},
			},
			{
				Name:  "unbind",
				Usage: "Detach a device from its circle",
				Flags: []cli.Flag{serialFlag()},
				Action: func(ctx context.Context, command *cli.Command) error {
					cfg, err := loadConfig(command)
					if err != nil {
						return err
					}
					authorizer, err := newAuthorizer(cfg)
					if err != nil {
						return err
					}
					return authorizer.Unbind(ctx, command.String("serial"))
				},
			},
		},
	}
}
