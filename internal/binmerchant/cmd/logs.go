package cmd

import (
	"fmt"

	"github.com/nxadm/tail"
	"github.com/spf13/cobra"

	"binmerchant/internal/logging"
)

func newLogsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "logs",
		Short: "Print the newest log file, optionally following it",
		Long: `The browser owns the terminal while it runs, so it logs to
binmerchant-<timestamp>-debug.log in the data directory. Run "binmerchant logs -f"
in another terminal to watch it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			follow, _ := cmd.Flags().GetBool("follow")

			a := appFrom(cmd)
			path, err := logging.LatestFile(a.cfg.DataDir)
			if err != nil {
				return err
			}

			t, err := tail.TailFile(path, tail.Config{
				Follow:    follow,
				ReOpen:    follow,
				MustExist: true,
				Logger:    tail.DiscardingLogger,
			})
			if err != nil {
				return fmt.Errorf("tail %s: %w", path, err)
			}
			defer t.Cleanup()

			out := cmd.OutOrStdout()
			ctx := cmd.Context()
			for {
				select {
				case <-ctx.Done():
					return t.Stop()
				case line, ok := <-t.Lines:
					if !ok {
						return t.Wait()
					}
					if line.Err != nil {
						return line.Err
					}
					fmt.Fprintln(out, line.Text)
				}
			}
		},
	}
	c.Flags().BoolP("follow", "f", false, "Keep printing lines as they are written")
	return c
}
