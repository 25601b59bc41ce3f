package main

import (
	"errors"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/binbridge"
	"github.com/sliverarmory/binbridge/internal/config"
	"github.com/sliverarmory/binbridge/internal/logging"
	"github.com/sliverarmory/binbridge/machine"
	"github.com/sliverarmory/binbridge/native"
	"github.com/sliverarmory/binbridge/x86emu"
)

// app is the state shared by every command of one invocation.
type app struct {
	fs         afero.Fs
	configPath string
	level      string
	pretty     bool
	backend    string
	platform   string

	cfg *config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	return newRootCmdFs(afero.NewOsFs())
}

func newRootCmdFs(fs afero.Fs) *cobra.Command {
	a := &app{fs: fs}
	root := &cobra.Command{
		Use:          "binbridge",
		Short:        "Find, call and intercept x86-32 functions in native modules",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Configuration file (default $BINBRIDGE_CONFIG)")
	flags.StringVar(&a.level, "log-level", "", "Log level: trace, debug, info, warn or error")
	flags.BoolVar(&a.pretty, "pretty", true, "Human-readable log output")
	flags.StringVar(&a.backend, "machine", "", "Machine backend: auto, native or emulator")
	flags.StringVar(&a.platform, "platform", "", "ABI flavour for the emulator: windows or elf")

	root.AddCommand(
		newLoadCmd(a),
		newScanCmd(a),
		newSymbolCmd(a),
		newCallCmd(a),
		newDefsCmd(a),
		newTrampolineCmd(a),
		newEmulateCmd(a),
	)
	return root
}

// setup loads the configuration and applies command line overrides.
func (a *app) setup(cmd *cobra.Command) error {
	path := a.configPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(a.fs, path)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.level
	}
	if flags.Changed("pretty") {
		cfg.Log.Pretty = a.pretty
	}
	if flags.Changed("machine") {
		cfg.Machine.Backend = a.backend
	}
	if flags.Changed("platform") {
		cfg.Machine.Platform = a.platform
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logging.NewWithComponent(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: cmd.ErrOrStderr(),
	}, "cli")
	return nil
}

func (a *app) emulator() *x86emu.Machine {
	return x86emu.New(
		x86emu.WithPlatform(a.cfg.Platform()),
		x86emu.WithStepLimit(a.cfg.Machine.StepLimit),
		x86emu.WithLogger(a.log.With().Str("component", "x86emu").Logger()),
	)
}

// machine returns the configured backend. Auto falls back to the emulator
// when this build cannot run native code.
func (a *app) machine() (machine.Machine, error) {
	if a.cfg.Machine.Backend == config.BackendEmulator {
		return a.emulator(), nil
	}
	m, err := native.New(native.WithLogger(a.log))
	switch {
	case err == nil:
		return m, nil
	case a.cfg.Machine.Backend == config.BackendAuto && errors.Is(err, native.ErrUnsupported):
		a.log.Debug().Msg("native machine unavailable, using the emulator")
		return a.emulator(), nil
	default:
		return nil, err
	}
}

// bridge opens a Bridge over the running process. Modules are loaded by the
// host, so only the native machine can see them.
func (a *app) bridge() (*binbridge.Bridge, error) {
	m, err := native.New(native.WithLogger(a.log))
	if err != nil {
		return nil, err
	}
	return binbridge.New(
		binbridge.WithMachine(m),
		binbridge.WithFs(a.fs),
		binbridge.WithLogger(a.log),
		binbridge.WithDefinitions(a.cfg.Definitions...),
	)
}
