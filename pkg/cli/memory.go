package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
)

func memoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "memory",
		Usage: "Manage saved memories",
		Commands: []*cli.Command{
			memorySaveCommand(),
			memoryListCommand(),
			memoryEditCommand(),
			memoryForgetCommand(),
			memorySearchCommand(),
			memoryReindexCommand(),
		},
	}
}

func memorySaveCommand() *cli.Command {
	var (
		cfg  config
		tags []string
	)

	flags := []cli.Flag{
		&cli.StringSliceFlag{
			Name:        "tag",
			Aliases:     []string{"t"},
			Usage:       "Tag attached to the memory (repeatable)",
			Destination: &tags,
		},
	}

	return &cli.Command{
		Name:      "save",
		Usage:     "Save a memory",
		ArgsUsage: "<text>",
		Flags:     commandFlags(&cfg, flags, indexFlags, llmFlags),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)
			text := strings.Join(c.Args().Slice(), " ")

			e, err := cfg.newEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			rec, err := e.memory.Save(ctx, text, memory.WithTags(tags...))
			if err != nil {
				return goerr.Wrap(err, "failed to save memory")
			}

			fmt.Fprintf(c.Root().Writer, "Saved: %s\n", rec.Text)
			return nil
		},
	}
}

func memoryListCommand() *cli.Command {
	var (
		cfg    config
		tags   []string
		source string
	)

	flags := []cli.Flag{
		&cli.StringSliceFlag{
			Name:        "tag",
			Aliases:     []string{"t"},
			Usage:       "Only list memories carrying every given tag",
			Destination: &tags,
		},
		&cli.StringFlag{
			Name:        "source",
			Usage:       "Only list memories from this source (user_saved, auto_logged)",
			Destination: &source,
		},
	}

	return &cli.Command{
		Name:  "list",
		Usage: "List memories with their index",
		Flags: commandFlags(&cfg, flags, indexFlags, llmFlags),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)
			filter := model.MemoryFilter{Tags: tags, Source: model.MemorySource(source)}
			if source != "" {
				if err := filter.Source.Validate(); err != nil {
					return err
				}
			}

			e, err := cfg.newEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			// indices refer to the unfiltered list
			records, err := e.memory.List(ctx, model.MemoryFilter{})
			if err != nil {
				return goerr.Wrap(err, "failed to list memories")
			}

			for i, rec := range records {
				if !filter.Match(rec) {
					continue
				}
				fmt.Fprintf(c.Root().Writer, "%d\t%s\t%s\t%s\n",
					i+1,
					rec.Text,
					strings.Join(rec.Tags, ","),
					rec.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
				)
			}
			return nil
		},
	}
}

func memoryEditCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "edit",
		Usage:     "Replace the text of a memory",
		ArgsUsage: "<index> <text>",
		Flags:     commandFlags(&cfg, nil, indexFlags, llmFlags),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)
			idx, err := indexArg(c, 0)
			if err != nil {
				return err
			}
			text := strings.Join(c.Args().Tail(), " ")

			e, err := cfg.newEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			rec, err := e.memory.Edit(ctx, idx, text)
			if err != nil {
				return goerr.Wrap(err, "failed to edit memory")
			}
			fmt.Fprintf(c.Root().Writer, "Updated %d: %s\n", idx, rec.Text)
			return nil
		},
	}
}

func memoryForgetCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "forget",
		Usage:     "Delete a memory",
		ArgsUsage: "<index>",
		Flags:     commandFlags(&cfg, nil, indexFlags, llmFlags),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)
			idx, err := indexArg(c, 0)
			if err != nil {
				return err
			}

			e, err := cfg.newEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			rec, err := e.memory.Forget(ctx, idx)
			if err != nil {
				return goerr.Wrap(err, "failed to forget memory")
			}
			fmt.Fprintf(c.Root().Writer, "Forgot %d: %s\n", idx, rec.Text)
			return nil
		},
	}
}

func memorySearchCommand() *cli.Command {
	var (
		cfg   config
		limit int64
		tags  []string
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"k"},
			Usage:       "Maximum number of memories to return",
			Value:       3,
			Sources:     cli.EnvVars("REVERIE_SEARCH_LIMIT"),
			Destination: &limit,
		},
		&cli.StringSliceFlag{
			Name:        "tag",
			Aliases:     []string{"t"},
			Usage:       "Only return memories carrying every given tag",
			Destination: &tags,
		},
	}

	return &cli.Command{
		Name:      "search",
		Usage:     "Find the memories most relevant to a query",
		ArgsUsage: "<query>",
		Flags:     commandFlags(&cfg, flags, indexFlags, llmFlags),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)
			query := strings.Join(c.Args().Slice(), " ")

			e, err := cfg.newEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			hits, err := e.memory.Retrieve(ctx, query, int(limit), model.MemoryFilter{Tags: tags})
			if err != nil {
				return goerr.Wrap(err, "failed to search memories")
			}
			if len(hits) == 0 {
				fmt.Fprintf(c.Root().Writer, "No relevant memories\n")
				return nil
			}
			for _, hit := range hits {
				fmt.Fprintf(c.Root().Writer, "%.3f\t%s\n", hit.Score, hit.Text)
			}
			return nil
		},
	}
}

func memoryReindexCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "reindex",
		Usage: "Embed memories whose vectors are missing or stale and drop orphan vectors",
		Flags: commandFlags(&cfg, nil, indexFlags, llmFlags),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			e, err := cfg.newEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			result, err := e.memory.Reindex(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to reindex memories")
			}
			fmt.Fprintf(c.Root().Writer, "Checked %d, updated %d, evicted %d\n",
				result.Checked, result.Updated, result.Evicted)
			return nil
		},
	}
}
