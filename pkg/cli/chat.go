package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/usecase/chat"
	"github.com/m-mizutani/reverie/pkg/usecase/memory"
	"github.com/m-mizutani/reverie/pkg/usecase/reflection"
	"github.com/m-mizutani/reverie/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func chatCommand() *cli.Command {
	var (
		cfg       config
		userName  string
		topK      int64
		noReflect bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "Your name as shown to the agent",
			Value:       "user",
			Sources:     cli.EnvVars("REVERIE_USER"),
			Destination: &userName,
		},
		&cli.IntFlag{
			Name:        "memories",
			Usage:       "Memories recalled per turn",
			Value:       3,
			Sources:     cli.EnvVars("REVERIE_CHAT_MEMORIES"),
			Destination: &topK,
		},
		&cli.BoolFlag{
			Name:        "no-reflect",
			Usage:       "Do not reflect when the session ends",
			Sources:     cli.EnvVars("REVERIE_NO_REFLECT"),
			Destination: &noReflect,
		},
	}

	return &cli.Command{
		Name:  "chat",
		Usage: "Talk with the agent",
		Flags: commandFlags(&cfg, flags, indexFlags, llmFlags, reflectionFlags),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)
			w := c.Root().Writer

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

			session := chat.New(chat.NewInput{
				Repo:      e.repo,
				Memory:    e.memory,
				Generator: llm,
				Persona:   persona,
				UserName:  userName,
				TopK:      int(topK),
			})

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          userName + "> ",
				HistoryFile:     filepath.Join(cfg.dataDir, "chat_history"),
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return goerr.Wrap(err, "failed to initialize readline")
			}
			defer rl.Close()

			fmt.Fprintf(w, "Chatting with %s. Type 'exit' to quit, '/save <text>' to remember something, '/reflect' to reflect now.\n",
				session.AgentName())

			turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

		loop:
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					if line == "" {
						break loop
					}
					continue
				}
				if errors.Is(err, io.EOF) {
					break loop
				}
				if err != nil {
					return goerr.Wrap(err, "failed to read input")
				}

				message := strings.TrimSpace(line)
				switch {
				case message == "":
					continue
				case message == "exit" || message == "quit":
					break loop
				case message == "/reflect":
					out, err := withSpinner("reflecting", func() (*reflection.Outcome, error) { return engine.Run(turnCtx) })
					if err != nil {
						fmt.Fprintf(w, "reflection failed: %v\n", err)
						continue
					}
					printOutcome(w, out)
					continue
				case strings.HasPrefix(message, "/save "):
					rec, err := e.memory.Save(turnCtx, strings.TrimPrefix(message, "/save "), memory.WithTags("chat"))
					if err != nil {
						fmt.Fprintf(w, "failed to save: %v\n", err)
						continue
					}
					fmt.Fprintf(w, "(remembered: %s)\n", rec.Text)
					continue
				}

				reply, err := withSpinner("thinking", func() (string, error) { return session.Send(turnCtx, message) })
				if err != nil {
					if turnCtx.Err() != nil {
						break loop
					}
					logging.From(ctx).Error("failed to answer", "error", err)
					fmt.Fprintf(w, "(no reply: %v)\n", err)
					continue
				}
				fmt.Fprintf(w, "%s> %s\n", session.AgentName(), reply)
			}

			if noReflect {
				return nil
			}

			// The session is over; an interrupt must not cut the closing reflection short.
			reflectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
			defer cancel()
			out, err := withSpinner("reflecting on this conversation", func() (*reflection.Outcome, error) { return engine.Run(reflectCtx) })
			if err != nil {
				return goerr.Wrap(err, "reflection at session end failed")
			}
			printOutcome(w, out)
			return nil
		},
	}
}

// withSpinner shows a spinner on stderr while fn runs
func withSpinner[T any](label string, fn func() (T, error)) (T, error) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + label + "..."
	s.Start()
	defer s.Stop()
	return fn()
}
