package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	forgemcp "github.com/ppiankov/aegisforge/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: "Runs aegisforge as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes read-only tools: ledger_verify, ledger_tail, genome_validate, genome_decide, runs.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadFoundryConfig()
	if err != nil {
		return err
	}

	srv, err := forgemcp.New(forgemcp.Config{
		LedgerPath: cfg.Ledger.Path,
		StoreKind:  cfg.Store.Kind,
		StorePath:  cfg.Store.Path,
		MaxRules:   cfg.Evolution.MaxRules,
		Version:    version,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	defer srv.Close()

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Fprintln(os.Stderr, "aegisforge MCP server running on stdio")
	return srv.Run(ctx)
}
