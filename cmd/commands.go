package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/bluetooth-classic/api/bluetooth"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/darkhz/btlocal/app"
	"github.com/darkhz/btlocal/config"
	"github.com/darkhz/btlocal/device"
	"github.com/darkhz/btlocal/errorkinds"
	"github.com/darkhz/btlocal/metrics"
	"github.com/darkhz/btlocal/radio"
)

// adaptersCommand lists the adapters of the backend.
func adaptersCommand() *cli.Command {
	return &cli.Command{
		Name:    "adapters",
		Aliases: []string{"ls"},
		Usage:   "List available adapters.",
		Action: func(cliCtx *cli.Context) error {
			a, err := newApplication(configFrom(cliCtx), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			adapters, err := a.Platform().Adapters()
			if err != nil {
				return err
			}

			printAdapters(cliCtx.App.Writer, adapters)

			return nil
		},
	}
}

// statusCommand prints the power state of the selected adapter, and the
// pairing mode of the configured device.
func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the state of the adapter.",
		Action: func(cliCtx *cli.Context) error {
			cfg := configFrom(cliCtx)

			a, err := newApplication(cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			adapter := cfg.Values.SelectedAdapter

			d := a.Open(ctx, adapter.ID, nil)
			defer d.Close()

			fmt.Fprintf(cliCtx.App.Writer, "%s (%s): %s\n", adapter.Name, adapter.ID, title(d.HostMode().String()))

			if address := cfg.Values.Address; !address.IsNil() {
				mode := d.PairingStatus(ctx, address)
				fmt.Fprintf(cliCtx.App.Writer, "%s: %s\n", address.String(), title(mode.String()))
			}

			return nil
		},
	}
}

// powerCommand changes the host mode of the selected adapter, and waits
// until the adapter reports the new mode.
func powerCommand() *cli.Command {
	return &cli.Command{
		Name:      "power",
		Usage:     "Change the host mode of the adapter.",
		ArgsUsage: "<on|off|connectable|discoverable|discoverable-limited>",
		Action: func(cliCtx *cli.Context) error {
			cfg := configFrom(cliCtx)

			mode, ok := cfg.Values.Mode, cfg.Values.ModeSet
			if arg := cliCtx.Args().First(); arg != "" {
				mode, ok = radio.ParseHostMode(arg)
				if !ok {
					return fmt.Errorf("provided host mode '%s' is incorrect", arg)
				}
			}
			if !ok {
				return errors.New("specify a host mode")
			}

			a, err := newApplication(cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			adapter := cfg.Values.SelectedAdapter
			events := make(chan radio.Event, 8)

			d := a.Open(ctx, adapter.ID, forward(events))
			defer d.Close()

			target := mode.Adjust()
			if d.HostMode() == target {
				printInfo(fmt.Sprintf("%s is already %s", adapter.Name, target.String()))
				return nil
			}

			ctx, cancelWait := context.WithTimeout(ctx, cfg.Values.Timeouts.Resolve)
			defer cancelWait()

			stop := startSpinner(fmt.Sprintf("Setting %s to %s", adapter.Name, mode.String()))
			err = setHostMode(ctx, d, mode, events)
			stop()

			if err != nil {
				return err
			}

			printInfo(fmt.Sprintf("%s is now %s", adapter.Name, target.String()))

			return nil
		},
	}
}

// pairCommand pairs or unpairs a remote device through the selected adapter.
func pairCommand() *cli.Command {
	return &cli.Command{
		Name:      "pair",
		Usage:     "Pair or unpair a device.",
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Specify the pairing mode to bring the device to. (paired, authorized, unpaired)",
			},
		},
		Action: func(cliCtx *cli.Context) error {
			cfg := configFrom(cliCtx)

			address, mode := cfg.Values.Address, cfg.Values.Pairing
			if arg := cliCtx.Args().First(); arg != "" {
				addr, err := bluetooth.ParseMAC(arg)
				if err != nil {
					return errorkinds.Wrap(errorkinds.ErrInvalidAddress, "cmd:pair", ftag.InvalidArgument,
						"Invalid address format", "address", arg,
					)
				}

				address = addr
			}
			if address.IsNil() {
				return errors.New("specify a device address")
			}

			if name := cliCtx.String("mode"); name != "" {
				var ok bool
				if mode, ok = radio.ParsePairingMode(name); !ok {
					return fmt.Errorf("provided pairing mode '%s' is incorrect", name)
				}
			}

			a, err := newApplication(cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d := a.Open(ctx, cfg.Values.SelectedAdapter.ID, nil)
			defer d.Close()

			stop := startSpinner(fmt.Sprintf("Bringing %s to %s", address.String(), mode.String()))
			err = d.RequestPairing(ctx, address, mode)
			stop()

			if err != nil {
				return err
			}

			printInfo(fmt.Sprintf("%s is now %s", address.String(), mode.String()))

			return nil
		},
	}
}

// watchCommand prints the notifications of the selected adapter until interrupted.
func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Print the notifications of the adapter.",
		Action: func(cliCtx *cli.Context) error {
			cfg := configFrom(cliCtx)

			m := metrics.New()

			a, err := newApplication(cfg, m)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			g, gctx := errgroup.WithContext(ctx)

			if address := cfg.Values.MetricsAddress; address != "" {
				g.Go(func() error {
					return m.Serve(gctx, address, a.Logger())
				})
			}

			adapter := cfg.Values.SelectedAdapter
			writer := cliCtx.App.Writer

			d := a.Open(gctx, adapter.ID, func(ev radio.Event) {
				printEvent(writer, ev)
			})
			defer d.Close()

			fmt.Fprintf(writer, "Watching %s (%s): %s\n", adapter.Name, adapter.ID, title(d.HostMode().String()))

			if cfg.Values.ModeSet {
				if err := d.SetHostMode(gctx, cfg.Values.Mode); err != nil {
					printWarn(err.Error())
				}
			}

			g.Go(func() error {
				<-gctx.Done()
				return nil
			})

			return g.Wait()
		},
	}
}

// newApplication opens the configured backend and selects the configured adapter.
func newApplication(cfg *config.Config, m *metrics.Metrics) (*app.Application, error) {
	values := cfg.Values

	a, err := app.New(app.Options{
		Simulate:        values.Simulate,
		Logger:          newLogger(values),
		Metrics:         m,
		Retry:           values.Retry,
		Timeout:         values.Timeouts.Resolve,
		PairingTimeouts: values.Timeouts,
		AuthTimeout:     values.Timeouts.Pair,
	})
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateAdapter(a.Platform().Adapters); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// newLogger returns a logger writing to the standard error in the configured format.
func newLogger(values config.Values) *slog.Logger {
	opts := &slog.HandlerOptions{Level: values.Level}

	if values.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// setHostMode asks for the mode to be set, and waits for the adapter to
// confirm it or report an error.
func setHostMode(ctx context.Context, d *device.LocalDevice, mode radio.HostMode, events <-chan radio.Event) error {
	if err := d.SetHostMode(ctx, mode); err != nil {
		return err
	}

	target := mode.Adjust()

	for {
		select {
		case ev := <-events:
			switch ev.Kind {
			case radio.EventPowerStateChanged:
				if ev.State == target {
					return nil
				}

			case radio.EventAdapterDisappeared:
				return errorkinds.Wrap(errorkinds.ErrAdapterUnavailable, "cmd:power", ftag.NotFound,
					"The adapter was removed", "adapter", d.AdapterID(),
				)

			case radio.EventError:
				return ev.Err
			}

		case <-ctx.Done():
			return errorkinds.Wrap(errorkinds.ErrOperationTimeout, "cmd:power", ftag.Internal,
				"The adapter did not report the new mode", "adapter", d.AdapterID(), "mode", mode.String(),
			)
		}
	}
}

// forward returns a handler sending events to ch. Events are dropped
// if ch is full.
func forward(ch chan<- radio.Event) device.Handler {
	return func(ev radio.Event) {
		select {
		case ch <- ev:
		default:
		}
	}
}
