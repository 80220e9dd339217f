package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newFunctionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "functions",
		Aliases: []string{"ls"},
		Short:   "List function entry addresses",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			_, s, err := a.session(cmd)
			if err != nil {
				return err
			}
			r := a.renderer(s)
			out := cmd.OutOrStdout()
			for _, addr := range s.ListFunctionEntryAddresses() {
				fmt.Fprintf(out, "%s  %s\n", addr.Hex(), r.FunctionName(addr))
			}
			return nil
		},
	}
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <addr>",
		Short: "Print the listing of the function starting at an address",
		Example: `
binmerchant show 7FFB612C260C
binmerchant show --decode 0x401000
  `,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			a := appFrom(cmd)
			_, s, err := a.session(cmd)
			if err != nil {
				return err
			}

			sel := s.Select(addr)
			if !sel.Found {
				return fmt.Errorf("no function starts at %s", addr.Hex())
			}
			if sel.Err != nil {
				return sel.Err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, a.renderer(s).Listing(sel.Model, a.color(out)))
			return nil
		},
	}
}

func newLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <addr>",
		Short: "Find the flow graph starting at an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			a := appFrom(cmd)
			_, s, err := a.session(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if fg, ok := s.LookupFlowGraphByAddress(addr); ok {
				fmt.Fprintf(out, "%s  flow graph %d  %s\n", addr.Hex(), fg, a.renderer(s).FunctionName(addr))
				return nil
			}
			if insn, ok := s.Index().InstructionAt(addr); ok {
				fmt.Fprintf(out, "%s  instruction %d, not a function entry\n", addr.Hex(), insn)
				return nil
			}
			fmt.Fprintf(out, "%s  not found\n", addr.Hex())
			return nil
		},
	}
}

func newDotCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "dot <addr>",
		Short: "Write the control-flow graph of a function as Graphviz DOT",
		Example: `
binmerchant dot 0x401000 | dot -Tsvg > main.svg
binmerchant dot --lattice 0x401000
  `,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			a := appFrom(cmd)
			_, s, err := a.session(cmd)
			if err != nil {
				return err
			}
			fg, ok := s.LookupFlowGraphByAddress(addr)
			if !ok {
				return fmt.Errorf("no function starts at %s", addr.Hex())
			}
			m, err := s.BuildFlowGraphModel(fg)
			if err != nil {
				return err
			}

			r := a.renderer(s)
			out := cmd.OutOrStdout()
			if useLattice, _ := cmd.Flags().GetBool("lattice"); useLattice {
				_, err := fmt.Fprint(out, r.LatticeDOT(m))
				return err
			}
			return r.WriteDOT(out, m)
		},
	}
	c.Flags().Bool("lattice", false, "Render with lattice's CFG renderer, including call sites")
	return c
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Describe an export",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			l, s, err := a.session(cmd)
			if err != nil {
				return err
			}
			meta := s.Meta()
			e := s.Export()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "export:        %s (%s)\n", filepath.Base(l.Path), humanize.Bytes(uint64(l.Size)))
			fmt.Fprintf(out, "sha256:        %s\n", l.ID)
			fmt.Fprintf(out, "executable:    %s\n", meta.ExecutableName)
			fmt.Fprintf(out, "executable id: %s\n", meta.ExecutableID)
			fmt.Fprintf(out, "architecture:  %s\n", meta.ArchitectureName)
			fmt.Fprintf(out, "functions:     %s\n", humanize.Comma(int64(s.Index().Len())))
			fmt.Fprintf(out, "flow graphs:   %s\n", humanize.Comma(int64(len(e.FlowGraphs))))
			fmt.Fprintf(out, "basic blocks:  %s\n", humanize.Comma(int64(len(e.BasicBlocks))))
			fmt.Fprintf(out, "instructions:  %s\n", humanize.Comma(int64(len(e.Instructions))))
			if addr, err := s.DefaultAddress(); err == nil {
				fmt.Fprintf(out, "start:         %s\n", addr.Hex())
			} else {
				fmt.Fprintf(out, "start:         none (%v)\n", err)
			}
			return nil
		},
	}
}
