package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/gitkv/internal/app"
	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/service"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user records",
	}

	add := &cobra.Command{
		Use:   "add <realm> <name>",
		Short: "Add a user record",
		Long: `Add a user record to the repository while the server is stopped. Records of
the git realm go to the secrets ref; others go to --ref.

The password may be given with --password or the GITKV_PASSWORD variable.`,
		Args: cobra.ExactArgs(2),
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: runUserAdd,
	}
	add.Flags().String("password", "", "Password of the user")
	add.Flags().StringSlice("roles", nil, "Roles of the user")
	add.Flags().String("ref", "", "Ref holding the record (defaults to repository.defaultBranch)")
	cmd.AddCommand(add)

	return cmd
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	realm, name := args[0], args[1]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ref := viper.GetString("ref")
	if ref == "" {
		ref = cfg.Repository.GetDefaultBranch().String()
	}

	gitkv, err := app.NewGitkvApp(cmd.Context(), app.WithConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	defer func() {
		if err := gitkv.Stop(cfg.GetShutdownTimeout()); err != nil {
			slog.Error("Failed to close repository", "error", err)
		}
	}()

	ctx := authz.WithIdentity(cmd.Context(), authz.System)
	version, err := gitkv.GetComponents().Service.AddUser(ctx, ref, realm, name,
		service.WithUserData[service.AddUserOptions](authz.UserData{Roles: viper.GetStringSlice("roles")}),
		service.WithPassword[service.AddUserOptions](viper.GetString("password")),
		service.WithMessage[service.AddUserOptions](fmt.Sprintf("Add user %s/%s", realm, name)),
	)
	if err != nil {
		return fmt.Errorf("failed to add user %s/%s: %w", realm, name, err)
	}

	slog.Info("User added", "realm", realm, "name", name, "ref", ref, "version", version)
	return nil
}
