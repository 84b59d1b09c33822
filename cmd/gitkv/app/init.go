package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/gitkv/internal/app"
	"github.com/stacklok/gitkv/internal/git"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the repository with a git administrator",
		Long: `Create the bare repository named in the configuration, commit an empty
default branch, and commit a git realm administrator holding the pull, push,
forcepush and secrets roles on the secrets ref.

The password may be given with --password or the GITKV_PASSWORD variable.`,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: runInit,
	}
	cmd.Flags().String("admin", "admin", "Name of the git administrator")
	cmd.Flags().String("password", "", "Password of the git administrator")
	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	admin := viper.GetString("admin")
	repo, err := app.Bootstrap(cmd.Context(), cfg, app.BootstrapOptions{
		AdminName:     admin,
		AdminPassword: viper.GetString("password"),
		Author:        git.Author{Name: "gitkv", Email: "gitkv@localhost"},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	if err := repo.Close(); err != nil {
		return err
	}

	slog.Info("Repository initialized", "path", cfg.Repository.Path, "admin", admin)
	return nil
}
