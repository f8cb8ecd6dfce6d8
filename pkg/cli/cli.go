package cli

import (
	"context"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/urfave/cli/v3"
)

// version is overridden at build time with -ldflags "-X ...cli.version=..."
var version = "dev"

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	// A missing .env file is normal; flags and the environment still apply.
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:    "reverie",
		Usage:   "Memory and self-reflection for a personal conversational agent",
		Version: version,
		Commands: []*cli.Command{
			chatCommand(),
			memoryCommand(),
			reflectCommand(),
			identityCommand(),
			historyCommand(),
			serveCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

// commandFlags assembles flags for a command from its own and shared groups
func commandFlags(cfg *config, own []cli.Flag, groups ...func(*config) []cli.Flag) []cli.Flag {
	flags := append([]cli.Flag{}, own...)
	flags = append(flags, globalFlags(cfg)...)
	for _, g := range groups {
		flags = append(flags, g(cfg)...)
	}
	return flags
}

// indexArg parses the 1-based memory index at position pos
func indexArg(c *cli.Command, pos int) (int, error) {
	raw := c.Args().Get(pos)
	if raw == "" {
		return 0, goerr.Wrap(model.ErrValidation, "memory index is required")
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, goerr.Wrap(model.ErrValidation, "memory index must be a number", goerr.V("index", raw))
	}
	return n, nil
}
