package mcp

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/aegisforge/internal/genome"
	"github.com/ppiankov/aegisforge/internal/storage"
)

// Config holds MCP server configuration.
type Config struct {
	LedgerPath string
	StoreKind  string
	StorePath  string
	MaxRules   int
	Version    string
	Logger     *zap.Logger
}

// Server exposes the foundry's read-only checks as MCP tools: ledger
// verification, genome validation, dry-run decisions and the run archive.
type Server struct {
	mcpServer  *mcpsdk.Server
	store      storage.Store
	ledgerPath string
	maxRules   int
	logger     *zap.Logger
}

// New creates an MCP server with its archive store opened and tools
// registered.
func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRules := cfg.MaxRules
	if maxRules <= 0 {
		maxRules = genome.DefaultMaxRules
	}

	var store storage.Store
	if cfg.StoreKind != "" {
		var err error
		store, err = storage.NewStore(cfg.StoreKind, cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive store: %w", err)
		}
		if err := store.Init(context.Background()); err != nil {
			_ = storage.CloseIfSupported(store)
			return nil, fmt.Errorf("failed to init archive store: %w", err)
		}
	}

	version := cfg.Version
	if version == "" {
		version = "0.0.0"
	}

	s := &Server{
		store:      store,
		ledgerPath: cfg.LedgerPath,
		maxRules:   maxRules,
		logger:     logger,
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "aegisforge",
			Version: version,
		},
		nil,
	)

	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Close closes the archive store if one is open.
func (s *Server) Close() error {
	if s.store == nil {
		return nil
	}
	return storage.CloseIfSupported(s.store)
}

// registerTools adds all aegisforge tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "aegisforge_ledger_verify",
		Description: "Verify the hash chain of a foundry ledger. Reports the first broken entry when the ledger was tampered with.",
	}, s.handleLedgerVerify)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "aegisforge_ledger_tail",
		Description: "Show the most recent ledger entries as a timeline.",
	}, s.handleLedgerTail)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "aegisforge_genome_validate",
		Description: "Check that a policy genome (JSON) is well-formed before it is executed.",
	}, s.handleGenomeValidate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "aegisforge_genome_decide",
		Description: "Evaluate a policy genome against one telemetry observation without running anything (dry-run).",
	}, s.handleGenomeDecide)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "aegisforge_runs",
		Description: "List archived foundry runs, or the per-generation fitness history of one run.",
	}, s.handleRuns)
}
