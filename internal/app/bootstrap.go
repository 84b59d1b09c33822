package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/config"
	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/store"
)

// BootstrapOptions describes the first commits of a new repository
type BootstrapOptions struct {
	// AdminName is the git realm user created on the secrets ref
	AdminName string
	// AdminPassword is hashed before it is committed
	AdminPassword string
	Author        git.Author
}

// Bootstrap creates the repository configured in c and commits the initial
// state: an empty root commit on the default branch and the record of an
// administrator holding every git role on the secrets ref.
func Bootstrap(ctx context.Context, c *config.Config, opts BootstrapOptions) (*git.Repository, error) {
	if opts.AdminName == "" || opts.AdminPassword == "" {
		return nil, fmt.Errorf("admin name and password are required")
	}

	repo, err := git.Init(ctx, c.Repository.Path,
		git.WithName(c.Repository.GetName()),
		git.WithFileLockWait(c.Repository.GetFileLockWait()),
	)
	if err != nil {
		return nil, err
	}

	if err := seed(ctx, repo, c, opts); err != nil {
		_ = repo.Close()
		return nil, err
	}
	return repo, nil
}

func seed(ctx context.Context, repo *git.Repository, c *config.Config, opts BootstrapOptions) error {
	hash, err := authz.HashPassword(opts.AdminPassword)
	if err != nil {
		return err
	}
	record, err := authz.UserData{Roles: authz.GitRoles, Password: hash}.Encode()
	if err != nil {
		return err
	}

	realms := c.Auth.GetRealms()
	commits := []struct {
		ref       plumbing.ReferenceName
		mutations []git.Mutation
		message   string
	}{
		{ref: c.Repository.GetDefaultBranch(), message: "Initialize repository"},
		{
			ref:       c.Repository.GetSecretsRef(),
			mutations: []git.Mutation{git.Put(store.UserPath(realms.Git, opts.AdminName), record)},
			message:   "Add git administrator " + opts.AdminName,
		},
	}

	for _, commit := range commits {
		res, err := repo.BuildCommit(ctx, git.CommitRequest{
			Base:      plumbing.ZeroHash,
			Mutations: commit.mutations,
			Author:    opts.Author,
			Message:   commit.message,
		})
		if err != nil {
			return fmt.Errorf("failed to build initial commit of %s: %w", commit.ref, err)
		}
		if err := repo.UpdateRef(ctx, commit.ref, plumbing.ZeroHash, res.Commit); err != nil {
			return fmt.Errorf("failed to create %s: %w", commit.ref, err)
		}
		slog.Info("Created ref", "ref", commit.ref, "commit", res.Commit)
	}
	return nil
}
