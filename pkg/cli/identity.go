package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/usecase/identity"
	"github.com/urfave/cli/v3"
)

func identityCommand() *cli.Command {
	return &cli.Command{
		Name:  "identity",
		Usage: "Inspect and seed the agent identity",
		Commands: []*cli.Command{
			identityShowCommand(),
			identitySeedCommand(),
			identityExportCommand(),
		},
	}
}

func identityShowCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "show",
		Usage: "Show beliefs, values and response patterns",
		Flags: commandFlags(&cfg, nil),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			state, err := repo.GetIdentity(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to get identity")
			}
			printIdentity(c.Root().Writer, state)
			return nil
		},
	}
}

func printIdentity(w io.Writer, state *model.IdentityState) {
	fmt.Fprintf(w, "Reflections: %d", state.ReflectionCount)
	if !state.LastReflectedAt.IsZero() {
		fmt.Fprintf(w, " (last %s)", state.LastReflectedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(w, "\n\nBeliefs:\n")
	for _, k := range state.BeliefNames() {
		fmt.Fprintf(w, "  %s: %s\n", k, state.Beliefs[k])
	}
	fmt.Fprintf(w, "\nValues:\n")
	for _, v := range state.Values {
		fmt.Fprintf(w, "  - %s\n", v)
	}
	fmt.Fprintf(w, "\nResponse patterns:\n")
	for _, p := range state.ResponsePatterns {
		fmt.Fprintf(w, "  - %s\n", p)
	}
}

func identitySeedCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "seed",
		Usage: "Initialize the identity from the persona file (only before the first reflection)",
		Flags: commandFlags(&cfg, nil, reflectionFlags),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)
			if cfg.personaPath == "" {
				return goerr.Wrap(model.ErrValidation, "--persona is required")
			}
			persona, err := cfg.loadPersona()
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			state, err := identity.New(repo).Seed(ctx, persona)
			if err != nil {
				return goerr.Wrap(err, "failed to seed identity")
			}
			printIdentity(c.Root().Writer, state)
			return nil
		},
	}
}

func identityExportCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "export",
		Usage: "Write identity and reflection history to --snapshot-dir or --snapshot-bucket",
		Flags: commandFlags(&cfg, nil, reflectionFlags),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			storage, err := cfg.newSnapshotStorage(ctx)
			if err != nil {
				return err
			}
			if storage == nil {
				return goerr.Wrap(model.ErrValidation, "--snapshot-dir or --snapshot-bucket is required")
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			result, err := identity.New(repo).Snapshot(ctx, storage)
			if err != nil {
				return goerr.Wrap(err, "failed to export identity")
			}
			fmt.Fprintf(c.Root().Writer, "Exported identity (%d reflections)\n", result.Reflections)
			return nil
		},
	}
}
