package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/usecase/reflection"
	"github.com/urfave/cli/v3"
)

func reflectCommand() *cli.Command {
	var (
		cfg config
		all bool
	)

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "all",
			Aliases:     []string{"a"},
			Usage:       "Keep reflecting until the whole log is covered",
			Destination: &all,
		},
	}

	return &cli.Command{
		Name:  "reflect",
		Usage: "Reflect on the conversation since the last reflection",
		Flags: commandFlags(&cfg, flags, indexFlags, llmFlags, reflectionFlags),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			e, err := cfg.newEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			llm, err := cfg.newGenerator(ctx)
			if err != nil {
				return err
			}
			persona, err := cfg.loadPersona()
			if err != nil {
				return err
			}
			engine, err := cfg.newEngine(ctx, e, llm, persona)
			if err != nil {
				return err
			}

			for {
				out, err := engine.Run(ctx)
				if err != nil {
					return goerr.Wrap(err, "reflection failed")
				}
				printOutcome(c.Root().Writer, out)
				if !all || !out.Remaining {
					return nil
				}
			}
		},
	}
}

func printOutcome(w io.Writer, out *reflection.Outcome) {
	switch out.Status {
	case reflection.StatusBusy:
		fmt.Fprintf(w, "A reflection is already running\n")
		return
	case reflection.StatusNoDelta:
		fmt.Fprintf(w, "Nothing new to reflect on\n")
		return
	}

	rec := out.Record
	fmt.Fprintf(w, "Reflection #%d on log %d-%d\n", out.Identity.ReflectionCount, rec.Window.Start, rec.Window.End)
	fmt.Fprintf(w, "  %s\n", rec.Summary)
	for _, ch := range rec.Changes {
		fmt.Fprintf(w, "  %s\n", formatChange(ch))
	}
	if rec.MetaEvaluation != nil {
		fmt.Fprintf(w, "  On the previous reflection: %s\n", *rec.MetaEvaluation)
	}
	if out.Remaining {
		fmt.Fprintf(w, "More conversation is waiting; run again to continue\n")
	}
}

func formatChange(ch model.Change) string {
	label := string(ch.Field)
	if ch.Key != "" {
		label += "[" + ch.Key + "]"
	}
	switch {
	case ch.Before == "":
		return fmt.Sprintf("+ %s: %s", label, ch.After)
	case ch.After == "":
		return fmt.Sprintf("- %s: %s", label, ch.Before)
	default:
		return fmt.Sprintf("~ %s: %s -> %s", label, ch.Before, ch.After)
	}
}
