package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/BDNK1/chatflow/runtime/engine/dsl"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <bot.yaml>...",
	Short: "Check bot manifests and their flows",
	Long: `Validate parses every flow of the given bot manifests and reports
syntax errors, a missing default flow or start step, and goto or import
targets that do not exist.

Example:
  chatflow validate bots/support.yaml
`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	invalid := 0

	for _, path := range args {
		def, err := dsl.ReadBotDefinition(path)
		if err != nil {
			return err
		}
		report := dsl.ValidateBot(def, filepath.Dir(path))

		for _, e := range report.Errors {
			fmt.Fprintf(out, "%s: error: %v\n", path, e)
		}
		for _, w := range report.Warnings {
			fmt.Fprintf(out, "%s: warning: %s\n", path, w)
		}
		if !report.Valid() {
			invalid++
			continue
		}
		fmt.Fprintf(out, "%s: ok (%d flows)\n", path, len(def.Flows))
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d bots are invalid", invalid, len(args))
	}
	return nil
}
