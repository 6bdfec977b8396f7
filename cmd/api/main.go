package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tourdesk/booking-backend/internal/config"
	"github.com/tourdesk/booking-backend/internal/database"
	"github.com/tourdesk/booking-backend/internal/models"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "booking-api",
		Short:         "Tour booking lifecycle API",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(staffCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			db, err := database.Connect(cfg.Database, logger)
			if err != nil {
				return err
			}
			if err := database.RunMigrations(db); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			logger.Info("Migrations applied")
			return nil
		},
	}
}

func staffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staff",
		Short: "Manage staff permission records",
	}

	var uid, email, name, role string
	var inactive bool
	add := &cobra.Command{
		Use:   "add",
		Short: "Create or update a staff user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			r := models.StaffRole(strings.ToLower(role))
			if r != models.StaffRoleAdmin && r != models.StaffRoleOperator {
				return fmt.Errorf("unknown role %q", role)
			}

			ctx := context.Background()
			st, err := openStores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			user := &models.StaffUser{
				UID:         uid,
				Email:       strings.ToLower(email),
				DisplayName: name,
				Role:        r,
				Active:      !inactive,
			}
			if err := st.staff.Upsert(ctx, user); err != nil {
				return fmt.Errorf("failed to save staff user: %w", err)
			}
			logger.WithFields(logrus.Fields{"uid": uid, "email": user.Email, "role": r}).Info("Staff user saved")
			return nil
		},
	}
	add.Flags().StringVar(&uid, "uid", "", "identity provider uid")
	add.Flags().StringVar(&email, "email", "", "staff email address")
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&role, "role", string(models.StaffRoleOperator), "admin or operator")
	add.Flags().BoolVar(&inactive, "inactive", false, "store the user as inactive")
	_ = add.MarkFlagRequired("uid")
	_ = add.MarkFlagRequired("email")

	cmd.AddCommand(add)
	return cmd
}

func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, newLogger(cfg), nil
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.IsProduction() {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
		logger.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
	}
	logger.SetLevel(level)
	return logger
}
