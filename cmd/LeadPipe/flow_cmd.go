package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/LeadPipe/internal/flow"
)

func newFlowCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Inspect dialogue flow documents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [product-key...]",
		Short: "Validate flow documents (all documents in the flow directory by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlowValidate(cmd, c.cfg.FlowDir, args)
		},
	})
	return cmd
}

// runFlowValidate loads every requested flow and reports each one's problems.
func runFlowValidate(cmd *cobra.Command, dir string, keys []string) error {
	loader := flow.NewLoader(dir)
	if len(keys) == 0 {
		var err error
		if keys, err = loader.Keys(); err != nil {
			return err
		}
		if len(keys) == 0 {
			return fmt.Errorf("no flow documents in %s", dir)
		}
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, key := range keys {
		def, err := loader.Load(cmd.Context(), key)
		if err != nil {
			failed++
			var verr *flow.FlowValidationError
			if errors.As(err, &verr) {
				fmt.Fprintf(out, "FAIL %s\n", key)
				for _, p := range verr.Problems {
					fmt.Fprintf(out, "  - %s\n", p)
				}
				continue
			}
			fmt.Fprintf(out, "FAIL %s: %v\n", key, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s (%d states, initial %s)\n", key, len(def.States), def.Initial)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d flows invalid", failed, len(keys))
	}
	return nil
}
