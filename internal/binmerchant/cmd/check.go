package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"binmerchant/internal/render"
)

// ErrCheckFailed is returned when at least one flow graph could not be built.
var ErrCheckFailed = errors.New("some flow graphs failed to build")

func newCheckCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "check",
		Short: "Build every flow graph and report failures and unreachable blocks",
		Long: `Check builds the model of every flow graph in an export. Flow graphs that
fail are reported with the offending entity; flow graphs that build are
searched for basic blocks no path from the entry reaches.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			quiet, _ := cmd.Flags().GetBool("quiet")

			a := appFrom(cmd)
			_, s, err := a.session(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var failed, unreachable int
			for fg := range s.Export().FlowGraphs {
				m, err := s.BuildFlowGraphModel(fg)
				if err != nil {
					failed++
					fmt.Fprintln(out, err)
					continue
				}

				dead, err := render.Unreachable(m)
				if err != nil {
					return err
				}
				if len(dead) > 0 {
					unreachable++
					if !quiet {
						fmt.Fprintf(out, "flow graph %d: unreachable blocks %v\n", fg, dead)
					}
				}
			}

			fmt.Fprintf(out, "%d flow graphs, %d failed, %d with unreachable blocks\n",
				len(s.Export().FlowGraphs), failed, unreachable)
			if failed > 0 {
				return fmt.Errorf("%w: %d", ErrCheckFailed, failed)
			}
			return nil
		},
	}
	c.Flags().BoolP("quiet", "q", false, "Only report build failures")
	return c
}
