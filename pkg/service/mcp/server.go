package mcp

import (
	"context"
	"net/http"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/usecase/memory"
	"github.com/m-mizutani/reverie/pkg/usecase/reflection"
	"github.com/m-mizutani/reverie/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server exposes memory and reflection operations as MCP tools
type Server struct {
	memory  *memory.UseCase
	engine  *reflection.Engine
	version string
	server  *mcp.Server
}

type Option func(*Server)

func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

func New(mem *memory.UseCase, engine *reflection.Engine, opts ...Option) *Server {
	s := &Server{
		memory:  mem,
		engine:  engine,
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "reverie",
		Version: s.version,
	}, nil)
	s.register()
	return s
}

// Run serves over stdin/stdout until ctx is done or the client disconnects
func (s *Server) Run(ctx context.Context) error {
	logging.From(ctx).Info("mcp server started", "transport", "stdio")
	if err := s.server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return goerr.Wrap(err, "mcp server stopped")
	}
	return nil
}

// Handler serves the streamable HTTP transport
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
}
