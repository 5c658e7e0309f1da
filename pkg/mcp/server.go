package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/rowscript/internal/artifact"
	"github.com/rendis/rowscript/internal/engine"
	"github.com/rendis/rowscript/internal/manipulators"
	"github.com/rendis/rowscript/internal/validation"
)

// ServerDeps holds the dependencies of a Server. Zero values fall back to
// process defaults.
type ServerDeps struct {
	Cache      *artifact.Cache
	Catalog    *manipulators.Catalog
	Validator  *validation.NodeValidator
	Pool       *engine.WorkerPool
	Partitions int
	Logger     *slog.Logger
	Version    string
}

// Server wraps an MCP server with the rowscript tool handlers.
type Server struct {
	cache      *artifact.Cache
	catalog    *manipulators.Catalog
	validator  *validation.NodeValidator
	pool       *engine.WorkerPool
	partitions int
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewServer creates a Server with its three tools registered.
func NewServer(deps ServerDeps) (*Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	v := deps.Validator
	if v == nil {
		nv, err := validation.NewNodeValidator()
		if err != nil {
			return nil, err
		}
		v = nv
	}
	s := &Server{
		cache:      deps.Cache,
		catalog:    deps.Catalog,
		validator:  v,
		pool:       deps.Pool,
		partitions: deps.Partitions,
		logger:     logger,
	}
	if s.cache == nil {
		s.cache = artifact.Default()
	}
	if s.catalog == nil {
		s.catalog = manipulators.Default()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	mcpSrv := server.NewMCPServer(
		"rowscript",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("rowscript compiles and evaluates row expressions: Java-snippet style scripts, string manipulation expressions and rule sets. Use rowscript.manipulators to discover functions, rowscript.validate to check a node definition against input columns, and rowscript.evaluate to run it over CSV rows."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: evaluateTool(), Handler: s.handleEvaluate},
		{Tool: manipulatorsTool(), Handler: s.handleManipulators},
	}
}

// --- Tool definitions ---

func validateTool() mcp.Tool {
	return mcp.NewTool("rowscript.validate",
		mcp.WithDescription("Validate and compile a node definition without evaluating it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Node definition (id, kind, expression, output_column, ...)")),
		mcp.WithObject("columns", mcp.Description("Input columns as name -> type (String, Integer, Long, Double, Boolean, List<...>)")),
		mcp.WithObject("variables", mcp.Description("Flow variables as name -> string or number")),
	)
}

func evaluateTool() mcp.Tool {
	return mcp.NewTool("rowscript.evaluate",
		mcp.WithDescription("Evaluate a node definition over CSV rows and return the output table or variable"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Node definition (id, kind, expression, output_column, ...)")),
		mcp.WithString("csv", mcp.Description("Input table as CSV with a header line; headers may be typed as name:Type")),
		mcp.WithObject("variables", mcp.Description("Flow variables as name -> string or number")),
		mcp.WithString("format", mcp.Enum("json", "csv"), mcp.Description("Output table format (default: json)")),
	)
}

func manipulatorsTool() mcp.Tool {
	return mcp.NewTool("rowscript.manipulators",
		mcp.WithDescription("List the string manipulation functions"),
		mcp.WithString("category", mcp.Description("Only list this category")),
	)
}
