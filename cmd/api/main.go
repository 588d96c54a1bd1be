package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sefazor/cutout-backend/internal/config"
	"github.com/sefazor/cutout-backend/internal/models"
	"github.com/sefazor/cutout-backend/pkg/database"
	jwtPkg "github.com/sefazor/cutout-backend/pkg/jwt"
	"github.com/sefazor/cutout-backend/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cutout: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "cutout",
		Short:         "Background removal API with prepaid credits",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for key, flag := range map[string]string{"PORT": "port", "LOG_LEVEL": "log-level", "APP_ENV": "env"} {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			loaded, err := config.Load(v)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, cfg)
		},
	}
	root.PersistentFlags().String("port", "", "HTTP listen port")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	root.PersistentFlags().String("env", "", "development or production")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd, cfg)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the database schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate(cfg)
			},
		},
		newTokenCommand(func() *config.Config { return cfg }),
	)
	return root
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	format := "json"
	if cfg.IsDevelopment() {
		format = "console"
	}
	return logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Format:      format,
		Development: cfg.IsDevelopment(),
	})
}

func serve(cmd *cobra.Command, cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer srv.Close()
	return srv.Run(ctx)
}

func migrate(cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	db, err := database.Open(cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()

	if err := database.Migrate(db); err != nil {
		return err
	}
	log.Info("database migrated")
	return nil
}

// newTokenCommand mints a bearer token signed with JWT_SECRET for local use.
func newTokenCommand(cfg func() *config.Config) *cobra.Command {
	var (
		identity models.Identity
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity.ExternalID == "" || identity.Email == "" {
				return fmt.Errorf("--sub and --email are required")
			}
			token, err := jwtPkg.NewManager(cfg().JWTSecret).GenerateToken(identity, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&identity.ExternalID, "sub", "", "external user id")
	cmd.Flags().StringVar(&identity.Email, "email", "", "email address")
	cmd.Flags().StringVar(&identity.FirstName, "first-name", "", "given name")
	cmd.Flags().StringVar(&identity.LastName, "last-name", "", "family name")
	cmd.Flags().DurationVar(&ttl, "ttl", jwtPkg.TokenExpiry, "token lifetime")
	return cmd
}
