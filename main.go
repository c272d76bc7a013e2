package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	flag "github.com/spf13/pflag"
	gomidi "gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // Register MIDI driver
	"golang.org/x/sync/errgroup"

	"go-conductor/config"
	"go-conductor/debug"
	"go-conductor/dispatch"
	"go-conductor/midi"
	"go-conductor/protocol"
	"go-conductor/sequencer"
	"go-conductor/theme"
	"go-conductor/tui"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	once        string
	list        bool
	dryRun      bool
	useTUI      bool
	verbose     bool
	showVersion bool
	saveConfig  bool
	palette     string
}

func run(args []string) error {
	flags, cli, opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	if opts.showVersion {
		fmt.Println("go-conductor", version)
		return nil
	}

	cfg, err := loadConfig(opts.configPath, cli, flags)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config:\n%w", err)
	}
	if opts.dryRun && opts.useTUI {
		return errors.New("--dry-run and --tui cannot be combined")
	}

	if opts.saveConfig {
		return saveConfig(cfg, opts.configPath)
	}

	if err := setupLogging(cfg.Log, opts); err != nil {
		return err
	}
	defer debug.Disable()

	library, err := buildLibrary(cfg)
	if err != nil {
		return err
	}

	if opts.list {
		return list(library)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := sequencer.NewSession(dialer(cfg, opts.dryRun), library, cfg.Settings())
	session.SetPacer(dispatch.PacerFor(cfg.Pacing, cfg.Rate))

	var monitor *midi.Monitor
	if cfg.MonitorPort != "" {
		send, err := midi.OpenOutput(cfg.MonitorPort)
		if err != nil {
			return err
		}
		defer gomidi.CloseDriver()
		monitor = midi.NewMonitor(send)
		defer monitor.Close()
	}

	session.OnSend(func(cmd protocol.Command) {
		if line, err := protocol.Encode(cmd); err == nil {
			debug.Logger().Info("Sent: " + line)
		}
		if monitor != nil {
			monitor.Schedule(cmd)
		}
	})
	defer session.Stop()

	target := cfg.Target().String()
	if opts.dryRun {
		target = "stdout"
	}

	if opts.useTUI {
		return runTUI(ctx, session, target, opts)
	}
	return runSession(ctx, session, opts.once)
}

// parseFlags binds the config flags to cli, a copy of the defaults.
// loadConfig later copies only the flags actually given.
func parseFlags(args []string) (*flag.FlagSet, *config.Config, options, error) {
	var opts options
	cli := config.DefaultConfig()

	flags := flag.NewFlagSet("go-conductor", flag.ContinueOnError)
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to config file (default ~/.config/go-conductor/config.json)")
	flags.StringVar(&cli.Host, "host", cli.Host, "receiver host")
	flags.IntVarP(&cli.Port, "port", "p", cli.Port, "receiver port")
	flags.StringVar(&cli.Transport, "transport", cli.Transport, "tcp, ws or wss")
	flags.Float64Var((*float64)(&cli.Lookahead), "lookahead", float64(cli.Lookahead), "schedule-ahead horizon in seconds")
	flags.Float64Var((*float64)(&cli.PrimarySpacing), "primary-spacing", float64(cli.PrimarySpacing), "base note spacing in seconds")
	flags.IntVar(&cli.WarmupSpacingDivisor, "warmup-divisor", cli.WarmupSpacingDivisor, "warm-up spacing is primary spacing / divisor")
	flags.StringVar(&cli.Pacing, "pacing", cli.Pacing, "inter-send pacing: sleep, rate or none")
	flags.Float64Var(&cli.Rate, "rate", cli.Rate, "commands per second for rate pacing")
	flags.BoolVar(&cli.ReadStatus, "read-status", cli.ReadStatus, "log lines sent back by the receiver")
	flags.StringVar(&cli.MonitorPort, "monitor", cli.MonitorPort, "audition PLAY commands on this local MIDI output")
	flags.StringVar(&cli.Log, "log", cli.Log, "write debug log to file")
	flags.StringVar(&opts.once, "once", "", "send one sequence by name and exit")
	flags.BoolVar(&opts.list, "list", false, "list sequences and MIDI outputs, then exit")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "write commands to stdout instead of the network")
	flags.BoolVar(&opts.useTUI, "tui", false, "show live status view")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "include debug output on stderr")
	flags.StringVar(&opts.palette, "palette", "", "GIMP palette for the status view")
	flags.BoolVar(&opts.saveConfig, "save-config", false, "write the effective config to --config (or the default path) and exit")
	flags.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	if err := flags.Parse(args); err != nil {
		return nil, nil, opts, err
	}
	return flags, cli, opts, nil
}

// loadConfig reads the config file, then applies the flags set on the
// command line: CLI > config file > default
func loadConfig(path string, cli *config.Config, flags *flag.FlagSet) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = cli.Host
		case "port":
			cfg.Port = cli.Port
		case "transport":
			cfg.Transport = cli.Transport
		case "lookahead":
			cfg.Lookahead = cli.Lookahead
		case "primary-spacing":
			cfg.PrimarySpacing = cli.PrimarySpacing
		case "warmup-divisor":
			cfg.WarmupSpacingDivisor = cli.WarmupSpacingDivisor
		case "pacing":
			cfg.Pacing = cli.Pacing
		case "rate":
			cfg.Rate = cli.Rate
		case "read-status":
			cfg.ReadStatus = cli.ReadStatus
		case "monitor":
			cfg.MonitorPort = cli.MonitorPort
		case "log":
			cfg.Log = cli.Log
		}
	})
	return cfg, nil
}

func saveConfig(cfg *config.Config, path string) error {
	var err error
	if path != "" {
		err = cfg.SaveFile(path)
	} else {
		err = cfg.Save()
		path, _ = config.ConfigPath()
	}
	if err != nil {
		return err
	}
	fmt.Println("wrote", path)
	return nil
}

func setupLogging(path string, opts options) error {
	if path != "" {
		return debug.Enable(path)
	}
	// The status view owns the terminal
	if opts.useTUI {
		return nil
	}
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	debug.EnableWriter(os.Stderr, level)
	return nil
}

func buildLibrary(cfg *config.Config) (*sequencer.Library, error) {
	library := sequencer.NewLibrary(cfg.WarmupSpacingDivisor)
	for name, path := range cfg.Sequences {
		rec, err := midi.LoadFile(path, midi.AllTracks)
		if err != nil {
			return nil, fmt.Errorf("sequence %s: %w", name, err)
		}
		if err := library.Register(name, rec); err != nil {
			return nil, err
		}
		debug.Log("main", "loaded %s from %s: %d notes", name, path, len(rec))
	}
	return library, nil
}

func dialer(cfg *config.Config, dryRun bool) sequencer.Dialer {
	var opts []dispatch.Option
	if cfg.ReadStatus {
		opts = append(opts, dispatch.WithStatusHandler(func(line string) {
			debug.Logger().Info("Receiver: " + line)
		}))
	}

	if dryRun {
		return func(ctx context.Context) (sequencer.Sender, error) {
			return dispatch.New(stdout{os.Stdout}, "stdout"), nil
		}
	}

	target := cfg.Target()
	return func(ctx context.Context) (sequencer.Sender, error) {
		ch, err := dispatch.Dial(ctx, target, opts...)
		if err != nil {
			return nil, err
		}
		debug.Logger().Info("Connected to " + ch.Name())
		return ch, nil
	}
}

// stdout hides os.Stdout's Read so no read-back is attempted, and keeps
// Close from closing the process's stdout
type stdout struct {
	w io.Writer
}

func (s stdout) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s stdout) Close() error                { return nil }

func list(library *sequencer.Library) error {
	fmt.Println("Sequences:")
	for _, name := range library.Names() {
		fmt.Printf("  %s\n", name)
	}

	fmt.Println("\nMIDI outputs:")
	names, err := midi.OutputNames()
	defer gomidi.CloseDriver()
	if err != nil {
		fmt.Printf("  (%v)\n", err)
		return nil
	}
	if len(names) == 0 {
		fmt.Println("  (none)")
	}
	for i, name := range names {
		fmt.Printf("  %d: %s\n", i, name)
	}
	return nil
}

func runSession(ctx context.Context, session *sequencer.Session, once string) error {
	// Reject typos before connecting
	if once != "" && !session.Library().Has(once) {
		return fmt.Errorf("%w: %q", sequencer.ErrInvalidPattern, once)
	}

	if err := session.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	if once != "" {
		if err := session.RunOnce(ctx, once); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}
	return session.Run(ctx)
}

func runTUI(ctx context.Context, session *sequencer.Session, target string, opts options) error {
	palette := theme.Default()
	if opts.palette != "" {
		p, err := theme.LoadGPL(opts.palette)
		if err != nil {
			return err
		}
		palette = p
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := tui.NewModel(session, target, theme.New(palette), cancel)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := runSession(gctx, session, opts.once)
		p.Send(tui.DoneMsg{Err: err})
		return err
	})
	g.Go(func() error {
		_, err := p.Run()
		cancel()
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	})

	err := g.Wait()
	st := session.Stats()
	if err == nil {
		err = st.Err
	}
	fmt.Printf("sent %d commands, %d late, %d sequences\n", st.Sent, st.Late, st.Sequences)
	return err
}
