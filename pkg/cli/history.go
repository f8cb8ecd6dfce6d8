package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/usecase/identity"
	"github.com/urfave/cli/v3"
)

func historyCommand() *cli.Command {
	var (
		cfg     config
		limit   int64
		verbose bool
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"n"},
			Usage:       "Maximum number of reflections to list",
			Value:       20,
			Sources:     cli.EnvVars("REVERIE_HISTORY_LIMIT"),
			Destination: &limit,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Aliases:     []string{"v"},
			Usage:       "Show changes and meta-evaluations",
			Destination: &verbose,
		},
	}

	return &cli.Command{
		Name:  "history",
		Usage: "List past reflections, newest first",
		Flags: commandFlags(&cfg, flags),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			records, err := identity.New(repo).History(ctx, int(limit))
			if err != nil {
				return goerr.Wrap(err, "failed to list reflections")
			}

			w := c.Root().Writer
			if len(records) == 0 {
				fmt.Fprintf(w, "No reflections yet\n")
				return nil
			}

			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%d-%d\t%s\t%s\n",
					rec.ID,
					rec.Window.Start,
					rec.Window.End,
					rec.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					rec.Summary,
				)
				if !verbose {
					continue
				}
				for _, ch := range rec.Changes {
					fmt.Fprintf(w, "\t%s\n", formatChange(ch))
				}
				if rec.MetaEvaluation != nil {
					fmt.Fprintf(w, "\tmeta: %s\n", *rec.MetaEvaluation)
				}
			}

			return nil
		},
	}
}
