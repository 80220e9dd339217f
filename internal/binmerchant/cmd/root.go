package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/fang"
	charmlog "github.com/charmbracelet/log"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"binmerchant/internal/binmerchant/log"
	"binmerchant/internal/binmerchant/tui"
	"binmerchant/internal/config"
	"binmerchant/internal/logging"
	"binmerchant/internal/model"
	"binmerchant/internal/render"
	"binmerchant/internal/store"
	"binmerchant/internal/ui/colorize"
)

// app is the state shared by every command of one invocation.
type app struct {
	cfg    config.Config
	store  *store.Store
	cache  *model.Cache
	logger *logging.LoggerCloser
}

type appKey struct{}

func appFrom(cmd *cobra.Command) *app {
	a, _ := cmd.Context().Value(appKey{}).(*app)
	return a
}

// setup loads the configuration with the command's flags as the top layer.
func setup(cmd *cobra.Command, tuiMode bool) (*app, error) {
	cfg, err := config.Load("", cmd.Flags())
	if err != nil {
		return nil, err
	}

	if cfg.NoColor {
		colorize.SetEnabled(false)
	}

	debug := cfg.Debug || logging.IsDebug()
	lc := logging.NewLogger(cfg.DataDir, tuiMode)
	if debug {
		lc.SetLevel(charmlog.DebugLevel)
	}
	log.Setup(lc.Path(), debug)

	cache, err := model.NewCache(cfg.CacheSize)
	if err != nil {
		lc.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		store:  store.New(cfg.DataDir),
		cache:  cache,
		logger: lc,
	}, nil
}

// ErrNoExports is returned when no export is named and the store is empty.
var ErrNoExports = errors.New("no exports in data directory")

// load opens the export named by ref: a store digest or a file path. An empty
// ref picks the first export in the store.
func (a *app) load(ref string) (*store.Loaded, error) {
	if ref == "" {
		digests, err := a.store.List()
		if err != nil {
			return nil, err
		}
		if len(digests) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoExports, a.store.Dir)
		}
		ref = digests[0]
	}
	l, err := a.store.Resolve(ref)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("export opened", "path", l.Path, "id", l.ID, "size", l.Size)
	return l, nil
}

// session opens the export selected by --export and indexes it.
func (a *app) session(cmd *cobra.Command) (*store.Loaded, *model.Session, error) {
	ref, _ := cmd.Flags().GetString("export")
	l, err := a.load(ref)
	if err != nil {
		return nil, nil, err
	}
	return l, a.newSession(l), nil
}

func (a *app) newSession(l *store.Loaded) *model.Session {
	return model.NewSession(l.ID, l.Export,
		model.WithResolver(a.cfg.Resolver()),
		model.WithCache(a.cache),
		model.WithLogger(a.logger.Logger),
	)
}

func (a *app) renderer(s *model.Session) *render.Renderer {
	return render.New(s, render.WithDecode(a.cfg.Decode))
}

// color reports whether listings written to w get ANSI colors.
func (a *app) color(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && !a.cfg.NoColor && colorize.Enabled() && term.IsTerminal(f.Fd())
}

func parseAddress(s string) (model.Address, error) {
	a, err := model.ParseAddress(s)
	if err != nil {
		return 0, fmt.Errorf("invalid address: %w", err)
	}
	return a, nil
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "binmerchant [export|sha256]",
		Short: "Terminal browser for BinExport2 disassembly exports",
		Long: `Binmerchant reconstructs per-function flow graphs from BinExport2 exports
and lets you browse them by address, interactively or from scripts.

Exports live in the data directory as <sha256>.BinExport, where the digest is
the SHA-256 of the analysed binary.`,
		Example: `
# Browse the first export in the data directory
binmerchant

# Browse an export by digest
binmerchant 0501d09a219131657c54dba71faf2b9d793e466f2c7fdf6b0b3c50ec5b866b2a

# Print one function
binmerchant show -e app.BinExport 0x401000
  `,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, cmd.Parent() == nil)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, a))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a := appFrom(cmd); a != nil {
				return a.logger.Close()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			ref, _ := cmd.Flags().GetString("export")
			if len(args) == 1 {
				ref = args[0]
			}
			var start *model.Address
			if at, _ := cmd.Flags().GetString("at"); at != "" {
				addr, err := parseAddress(at)
				if err != nil {
					return err
				}
				start = &addr
			}
			return browse(cmd.Context(), a, ref, start)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to a JSON config file (env BINMERCHANT_CONFIG)")
	pf.StringP("data-dir", "D", "", "Directory holding <sha256>.BinExport files")
	pf.StringP("export", "e", "", "Export file or digest (default: first export in the data directory)")
	pf.BoolP("debug", "d", false, "Debug")
	pf.Bool("decode", false, "Cross-check raw bytes with golang.org/x/arch")
	pf.Bool("no-color", false, "Disable colors")
	pf.Bool("allow-unanchored", false, "Resolve instructions before the first explicit address from zero")
	pf.Int("cache-size", model.DefaultCacheSize, "Flow graph models kept in memory")
	rootCmd.Flags().String("at", "", "Open the browser at this function address")

	rootCmd.AddCommand(
		newFunctionsCmd(),
		newShowCmd(),
		newLookupCmd(),
		newDotCmd(),
		newInfoCmd(),
		newCheckCmd(),
		newVerifyCmd(),
		newLogsCmd(),
		newSchemaCmd(),
	)
	return rootCmd
}

func browse(ctx context.Context, a *app, ref string, start *model.Address) error {
	opts := tui.Options{
		Load:   func() (*store.Loaded, error) { return a.load(ref) },
		Start:  start,
		Cache:  a.cache,
		Logger: a.logger.Logger,
		Decode: a.cfg.Decode,
	}
	r := a.cfg.Resolver()
	opts.Resolver = &r

	program := tea.NewProgram(tui.New(opts), tea.WithAltScreen(), tea.WithContext(ctx))

	defer log.RecoverPanic("tui", func() {
		program.Kill()
	})

	if _, err := program.Run(); err != nil {
		slog.Error("TUI run error", "error", err)
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func Execute() {
	rootCmd := newRootCmd()

	// fang renders help and errors as styled markdown, which only makes sense
	// on a terminal.
	if !term.IsTerminal(os.Stdout.Fd()) {
		if err := rootCmd.Execute(); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		return
	}

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
