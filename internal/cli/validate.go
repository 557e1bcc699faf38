package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/volleyhq/volley/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate <config.yaml>",
	Short: "Check a test declaration without running it",
	Long: `Parse and validate a test file: schema shape, load-pattern segments,
provider references, template syntax, and extraction targets. Exits
non-zero with the first error found.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}

		providers := make([]string, 0, len(cfg.Providers))
		for name := range cfg.Providers {
			providers = append(providers, name)
		}
		sort.Strings(providers)

		fmt.Printf("%s: ok\n", args[0])
		fmt.Printf("  test:      %s\n", cfg.Name)
		fmt.Printf("  providers: %d (%v)\n", len(providers), providers)
		fmt.Printf("  patterns:  %d\n", len(cfg.Patterns))
		fmt.Printf("  endpoints: %d\n", len(cfg.Endpoints))
		return nil
	},
}
