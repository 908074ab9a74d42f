package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/aegisforge/internal/ledger"
)

var (
	ledgerTailLines int
	ledgerShowRun   string
	ledgerFormat    string
	ledgerHead      string
)

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerTailCmd)
	ledgerCmd.AddCommand(ledgerShowCmd)
	ledgerCmd.AddCommand(ledgerWatchCmd)
	ledgerVerifyCmd.Flags().StringVar(&ledgerHead, "head", "", "Head hash recorded earlier that must still be in the chain")
	ledgerTailCmd.Flags().IntVarP(&ledgerTailLines, "lines", "n", 10, "Number of recent entries to show")
	ledgerShowCmd.Flags().StringVar(&ledgerShowRun, "run", "", "Only show entries of this run id")
	ledgerShowCmd.Flags().StringVarP(&ledgerFormat, "format", "f", "text", "Output format (text|json)")
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Ledger operations",
	Long:  "Commands for verifying and inspecting the hash-chained foundry ledger.\nThe path defaults to ledger.path from the config.",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of a ledger",
	Long:  "Walks the JSONL ledger and checks sequence numbers, linkage and every\nentry's hash. With --head, also checks that a previously recorded head is\nstill part of the chain, which catches entries removed from the end.\nExits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLedgerVerify,
}

var ledgerTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show recent ledger entries",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLedgerTail,
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show [path]",
	Short: "Render the ledger as a timeline",
	Long:  "Renders every entry, or the entries of one run with --run, as a\nhuman-readable timeline with a summary footer.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLedgerShow,
}

var ledgerWatchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Re-verify the ledger whenever it changes",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLedgerWatch,
}

func ledgerPathArg(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, _, err := loadFoundryConfig()
	if err != nil {
		return "", err
	}
	return cfg.Ledger.Path, nil
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	path, err := ledgerPathArg(args)
	if err != nil {
		return err
	}
	result := ledger.VerifyAnchored(path, ledgerHead)
	if result.Valid {
		fmt.Printf("OK: %d entries verified, head %s\n", result.Entries, shortHash(result.Head))
		return nil
	}
	if result.ErrorLine > 0 {
		fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	} else {
		fmt.Fprintf(os.Stderr, "FAILED: %s\n", result.Error)
	}
	return fmt.Errorf("ledger %s failed verification", path)
}

func runLedgerTail(cmd *cobra.Command, args []string) error {
	path, err := ledgerPathArg(args)
	if err != nil {
		return err
	}
	entries, err := ledger.Tail(path, ledgerTailLines)
	if err != nil {
		return err
	}
	fmt.Print(ledger.FormatTimeline(entries))
	return nil
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	path, err := ledgerPathArg(args)
	if err != nil {
		return err
	}
	entries, err := ledger.ReadAll(path)
	if err != nil {
		return err
	}
	entries = ledger.Filter(entries, ledgerShowRun)

	switch ledgerFormat {
	case "json":
		out, err := ledger.FormatJSON(entries)
		if err != nil {
			return err
		}
		fmt.Println(out)
	default:
		fmt.Print(ledger.FormatTimeline(entries))
	}
	return nil
}

func runLedgerWatch(cmd *cobra.Command, args []string) error {
	path, err := ledgerPathArg(args)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	fmt.Fprintf(os.Stderr, "Watching %s (Ctrl-C to stop)\n", path)
	w := ledger.NewWatcher(path, func(r ledger.VerifyResult) {
		now := time.Now().Format("15:04:05")
		if r.Valid {
			fmt.Printf("%s OK      %d entries, head %s\n", now, r.Entries, shortHash(r.Head))
			return
		}
		fmt.Printf("%s FAILED  line %d: %s\n", now, r.ErrorLine, r.Error)
	})
	return w.Run(ctx)
}
