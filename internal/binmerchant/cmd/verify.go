package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"binmerchant/internal/elfx"
	"binmerchant/internal/model"
	"binmerchant/internal/store"
)

// ErrVerifyFailed is returned when instruction bytes disagree with the binary.
var ErrVerifyFailed = errors.New("export does not match binary")

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <binary> [addr]",
		Short: "Check resolved instruction addresses against the analysed ELF binary",
		Long: `Verify reads the bytes at every resolved instruction address from the ELF
binary the export was made from and compares them with the export's raw bytes.
Without --export the export is looked up by the binary's SHA-256. With
--decode the binary's bytes are also disassembled and the mnemonics compared.`,
		Example: `
binmerchant verify ./libapp.so
binmerchant verify -e app.BinExport ./app 0x401000
binmerchant verify --decode ./app
  `,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)

			im, err := elfx.Open(args[0])
			if err != nil {
				return err
			}
			defer im.Close()

			ref, _ := cmd.Flags().GetString("export")
			if ref == "" {
				if ref, err = store.Digest(args[0]); err != nil {
					return err
				}
			}
			l, err := a.load(ref)
			if err != nil {
				return err
			}
			s := a.newSession(l)

			out := cmd.OutOrStdout()
			if arch := s.Meta().ArchitectureName; !strings.EqualFold(arch, im.Arch()) {
				fmt.Fprintf(out, "warning: export is %s, binary is %s\n", arch, im.Arch())
			}

			fgs := make([]int, 0, len(l.Export.FlowGraphs))
			if len(args) == 2 {
				addr, err := parseAddress(args[1])
				if err != nil {
					return err
				}
				fg, ok := s.LookupFlowGraphByAddress(addr)
				if !ok {
					return fmt.Errorf("no function starts at %s", addr.Hex())
				}
				fgs = append(fgs, fg)
			} else {
				for fg := range l.Export.FlowGraphs {
					fgs = append(fgs, fg)
				}
			}

			r := a.renderer(s)
			var checked, bad int
			for _, fg := range fgs {
				m, err := s.BuildFlowGraphModel(fg)
				if err != nil {
					a.logger.Warn("skipping flow graph", "flowGraph", fg, "err", err)
					continue
				}
				checked++
				var lines []string
				for _, mm := range im.Verify(m) {
					lines = append(lines, mm.String())
				}
				if a.cfg.Decode {
					decoded, err := decodeMismatches(im, m)
					if err != nil {
						return err
					}
					lines = append(lines, decoded...)
				}
				if len(lines) == 0 {
					continue
				}
				bad++
				entry := m.EntryAddress()
				name, ok := r.Name(entry)
				if !ok {
					if name, ok = im.Funcs[entry]; !ok {
						name = r.FunctionName(entry)
					}
				}
				fmt.Fprintf(out, "%s %s:\n", entry.Hex(), name)
				for _, line := range lines {
					fmt.Fprintf(out, "  %s\n", line)
				}
			}

			fmt.Fprintf(out, "%d flow graphs checked, %d mismatched\n", checked, bad)
			if bad > 0 {
				return fmt.Errorf("%w: %d flow graphs", ErrVerifyFailed, bad)
			}
			return nil
		},
	}
}

// decodeMismatches disassembles fg's instructions from the binary and lists
// those whose mnemonic disagrees with the export.
func decodeMismatches(im *elfx.Image, fg *model.FlowGraph) ([]string, error) {
	stream, insns, err := im.Disassemble(fg)
	if err != nil {
		return nil, err
	}
	want := make([]string, len(insns))
	for i, insn := range insns {
		want[i] = insn.Mnemonic
	}
	var out []string
	for _, i := range stream.Mismatches(want) {
		insn := insns[i]
		out = append(out, fmt.Sprintf("%s: instruction %d: export %s, decoder %s", insn.Address.Hex(), insn.Index, insn.Mnemonic, stream[i].Text))
	}
	return out, nil
}
