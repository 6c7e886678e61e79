package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"

	"github.com/darkhz/btlocal/config"
)

// These values are set at compile-time.
var (
	Version  = ""
	Revision = ""
)

const configKey = "config"

// Run runs the commandline application.
func Run() error {
	return newApp().Run(os.Args)
}

// newApp returns a new commandline application.
func newApp() *cli.App {
	cli.VersionPrinter = func(cCtx *cli.Context) {
		fmt.Fprintf(cCtx.App.Writer, "%s (%s)\n", Version, Revision)
	}

	return &cli.App{
		Name:                   "btlocal",
		Usage:                  "Bluetooth local adapter manager.",
		Version:                Version + " (" + Revision + ")",
		Description:            "Control the power state of the local Bluetooth adapters and pair remote devices.",
		Copyright:              "(c) btlocal authors.",
		Compiled:               time.Now(),
		EnableBashCompletion:   true,
		UseShortOptionHandling: true,
		Suggest:                true,
		Flags:                  globalFlags(),
		Before:                 loadConfig,
		Commands: []*cli.Command{
			adaptersCommand(),
			statusCommand(),
			powerCommand(),
			pairCommand(),
			watchCommand(),
		},
		Action: func(cliCtx *cli.Context) error {
			if cliCtx.Bool("generate") {
				return nil
			}

			return cli.ShowAppHelp(cliCtx)
		},
		ExitErrHandler: func(_ *cli.Context, err error) {
			if err == nil {
				return
			}

			printError(err)
		},
	}
}

// globalFlags returns the flags shared by all commands. Each flag is
// also a key of the configuration file.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "adapter",
			Aliases: []string{"a"},
			EnvVars: []string{"BTLOCAL_ADAPTER"},
			Usage:   "Specify an adapter to use. (For example, hci0 or 00:1A:7D:DA:71:13)",
		},
		&cli.BoolFlag{
			Name:    "simulate",
			Aliases: []string{"s"},
			EnvVars: []string{"BTLOCAL_SIMULATE"},
			Usage:   "Use a simulated adapter instead of the system's Bluetooth daemon.",
		},
		&cli.StringFlag{
			Name:    "log-level",
			EnvVars: []string{"BTLOCAL_LOG_LEVEL"},
			Usage:   "Specify the log level. (debug, info, warn, error)",
		},
		&cli.StringFlag{
			Name:    "log-format",
			EnvVars: []string{"BTLOCAL_LOG_FORMAT"},
			Usage:   "Specify the log format. (text, json)",
		},
		&cli.StringFlag{
			Name:    "metrics-address",
			Aliases: []string{"m"},
			EnvVars: []string{"BTLOCAL_METRICS_ADDRESS"},
			Usage:   "Serve metrics on the address while watching. (For example, 'localhost:9120')",
		},
		&cli.IntFlag{
			Name:    "resubscribe-attempts",
			EnvVars: []string{"BTLOCAL_RESUBSCRIBE_ATTEMPTS"},
			Usage:   "Specify how many times an adapter is looked up again after it is plugged back in.",
		},
		&cli.StringFlag{
			Name:    "resubscribe-delay",
			EnvVars: []string{"BTLOCAL_RESUBSCRIBE_DELAY"},
			Usage:   "Specify the delay between adapter lookups. (For example, '100ms')",
		},
		&cli.StringFlag{
			Name:    "resolve-timeout",
			EnvVars: []string{"BTLOCAL_RESOLVE_TIMEOUT"},
			Usage:   "Specify the timeout of adapter and device lookups.",
		},
		&cli.StringFlag{
			Name:    "pair-timeout",
			EnvVars: []string{"BTLOCAL_PAIR_TIMEOUT"},
			Usage:   "Specify the timeout of a pairing.",
		},
		&cli.StringFlag{
			Name:    "unpair-timeout",
			EnvVars: []string{"BTLOCAL_UNPAIR_TIMEOUT"},
			Usage:   "Specify the timeout of an unpairing.",
		},
		&cli.StringFlag{
			Name:    "host-mode",
			EnvVars: []string{"BTLOCAL_HOST_MODE"},
			Usage:   "Specify the mode to put the adapter in. (off, connectable, discoverable, discoverable-limited)",
		},
		&cli.StringFlag{
			Name:    "pair-address",
			Aliases: []string{"t"},
			EnvVars: []string{"BTLOCAL_PAIR_ADDRESS"},
			Usage:   "Specify the device address to pair with. (For example, 'AA:BB:CC:DD:EE:FF')",
		},
		&cli.StringFlag{
			Name:    "pair-mode",
			EnvVars: []string{"BTLOCAL_PAIR_MODE"},
			Usage:   "Specify the pairing mode to bring the device to. (paired, authorized, unpaired)",
		},
		&cli.BoolFlag{
			Name:    "generate",
			Aliases: []string{"g"},
			Usage:   "Generate configuration.",
			Action: func(cliCtx *cli.Context, _ bool) error {
				k := koanf.New(".")

				conf := config.NewConfig()
				if err := loadInto(k, conf, cliCtx); err != nil {
					return err
				}

				if err := conf.GenerateAndSave(k); err != nil {
					return err
				}

				printInfo("Configuration saved to " + conf.Dir())

				return nil
			},
		},
	}
}

// loadConfig loads and validates the configuration, and stores it for
// the commands to use.
func loadConfig(cliCtx *cli.Context) error {
	cfg := config.NewConfig()
	if err := loadInto(koanf.New("."), cfg, cliCtx); err != nil {
		return err
	}

	if err := cfg.ValidateValues(); err != nil {
		return err
	}

	if cliCtx.App.Metadata == nil {
		cliCtx.App.Metadata = make(map[string]any)
	}
	cliCtx.App.Metadata[configKey] = cfg

	return nil
}

// loadInto loads the configuration file and the global flags into k and cfg.
func loadInto(k *koanf.Koanf, cfg *config.Config, cliCtx *cli.Context) error {
	if cliCtx.Command != nil {
		// required for koanf to merge all global flags under the root namespace.
		name := cliCtx.Command.Name
		cliCtx.Command.Name = "global"
		defer func() { cliCtx.Command.Name = name }()
	}

	return cfg.Load(k, cliCtx)
}

// configFrom returns the configuration loaded before the command was run.
func configFrom(cliCtx *cli.Context) *config.Config {
	if cfg, ok := cliCtx.App.Metadata[configKey].(*config.Config); ok {
		return cfg
	}

	cfg := config.NewConfig()
	_ = cfg.ValidateValues()

	return cfg
}
