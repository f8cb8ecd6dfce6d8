package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/service/mcp"
	"github.com/m-mizutani/reverie/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var (
		cfg  config
		addr string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Serve streamable HTTP on this address instead of stdio",
			Sources:     cli.EnvVars("REVERIE_ADDR"),
			Destination: &addr,
		},
	}

	return &cli.Command{
		Name:  "serve",
		Usage: "Run an MCP server exposing memory and reflection tools",
		Flags: commandFlags(&cfg, flags, indexFlags, llmFlags, reflectionFlags),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

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

			server := mcp.New(e.memory, engine, mcp.WithVersion(c.Root().Version))
			if addr == "" {
				return server.Run(ctx)
			}
			return serveHTTP(ctx, addr, server.Handler())
		},
	}
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	logger := logging.From(ctx)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mcp server started", "transport", "http", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return goerr.Wrap(err, "http server failed", goerr.V("addr", addr))
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return goerr.Wrap(err, "failed to shut down http server")
	}
	logger.Info("mcp server stopped")
	return nil
}
