package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/aegisforge/internal/genome"
)

var (
	genomeMaxRules int
	genomeFormat   string
)

func init() {
	rootCmd.AddCommand(genomeCmd)
	genomeCmd.AddCommand(genomeValidateCmd)
	genomeCmd.AddCommand(genomeShowCmd)
	genomeValidateCmd.Flags().IntVar(&genomeMaxRules, "max-rules", genome.DefaultMaxRules, "Maximum genome length")
	genomeShowCmd.Flags().StringVarP(&genomeFormat, "format", "f", "yaml", "Output format (yaml|json)")
}

var genomeCmd = &cobra.Command{
	Use:   "genome",
	Short: "Inspect policy genomes",
}

var genomeValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check that a genome file is well-formed",
	Long:  "Loads a .json, .yaml or .yml genome and checks every rule against its\nmetric's legal range. Exits 1 if the genome is malformed.",
	Args:  cobra.ExactArgs(1),
	RunE:  runGenomeValidate,
}

var genomeShowCmd = &cobra.Command{
	Use:   "show <file>",
	Short: "Print a genome in canonical form",
	Args:  cobra.ExactArgs(1),
	RunE:  runGenomeShow,
}

func runGenomeValidate(cmd *cobra.Command, args []string) error {
	g, err := genome.Load(args[0])
	if err == nil {
		err = genome.ValidateWithLimit(g, genomeMaxRules)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		return fmt.Errorf("genome %s is malformed", args[0])
	}
	fmt.Printf("OK: %s (%d rules, default %s, %s)\n", g.ID, len(g.Rules), g.DefaultAction, genome.Fingerprint(g))
	return nil
}

func runGenomeShow(cmd *cobra.Command, args []string) error {
	g, err := genome.Load(args[0])
	if err != nil {
		return err
	}
	switch genomeFormat {
	case "json":
		out, err := json.MarshalIndent(g, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	default:
		out, err := yaml.Marshal(g)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
	}
	return nil
}
