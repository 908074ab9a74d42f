package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/aegisforge/internal/config"
)

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default foundry config",
	Long: `Creates the foundry config (default ~/.aegisforge/foundry.yaml, or the
path given with --config). Edit target.path, then calibrate and run:

  aegisforge calibrate
  aegisforge run`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if path == "" {
		return fmt.Errorf("cannot determine home directory, pass --config")
	}

	wrote, err := writeIfMissing(path, config.DefaultConfigYAML())
	if err != nil {
		return err
	}

	fmt.Println("aegisforge init complete.")
	fmt.Println()
	if wrote {
		fmt.Println("Created:")
		fmt.Printf("  %s\n", path)
	} else {
		fmt.Printf("%s already exists (use --force to overwrite).\n", path)
	}
	fmt.Println()
	fmt.Println("Next:")
	fmt.Println("  1. set target.path to the program under study")
	fmt.Println("  2. aegisforge calibrate")
	fmt.Println("  3. aegisforge run")
	return nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
