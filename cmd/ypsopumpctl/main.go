// Command ypsopumpctl exercises the controller's command surface from a
// terminal: status, bolus, TBR, history, and key renewal. It wires a
// file-backed persistence store and an HTTP relay client; the BLE
// transport itself is the one external collaborator this module never
// implements (spec.md §1) — ypsopumpctl needs a concrete Dialer supplied by
// whatever GATT stack the host platform provides.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	pump "github.com/vicktor/ypsomed-pump"
	"github.com/vicktor/ypsomed-pump/controller"
	"github.com/vicktor/ypsomed-pump/pumpble"
	"github.com/vicktor/ypsomed-pump/relay"
	"github.com/vicktor/ypsomed-pump/session/filestore"
)

func main() {
	app := &cli.App{
		Name:  "ypsopumpctl",
		Usage: "drive a YpsoPump over BLE via the controller's command surface",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "store", Value: "ypsopump-store.json", Usage: "path to the persistence store"},
			&cli.StringFlag{Name: "mac", Required: true, Usage: "pump BLE MAC address, e.g. EC:2A:F0:02:AF:6F"},
			&cli.Uint64Flag{Name: "serial", Required: true, Usage: "pump decimal serial number"},
			&cli.StringFlag{Name: "relay-url", Usage: "HTTP relay base URL (required for key-exchange renewal)"},
			&cli.DurationFlag{Name: "poll-interval", Value: 60 * time.Second},
		},
		Commands: []*cli.Command{
			statusCommand(),
			bolusCommand(),
			tbrCommand(),
			historyCommand(),
			renewKeyCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ypsopumpctl:", err)
		os.Exit(1)
	}
}

// noopDialer is the default Dialer: it fails clearly instead of pretending
// to talk to a pump. Real deployments override it by building the
// controller programmatically with controller.OptDialer(yourGATTDialer);
// this CLI exists to exercise the command surface's flag wiring, not to
// ship a GATT stack.
type noopDialer struct{}

func (noopDialer) Dial(ctx context.Context, mac pump.Addr) (controller.Conn, error) {
	return nil, pump.NewError(pump.KindTransport, "ypsopumpctl: no BLE backend wired; this binary needs a platform Dialer")
}

func buildController(c *cli.Context) (*controller.Controller, error) {
	store := filestore.New(c.String("store"))

	opts := []controller.Option{
		controller.OptDialer(noopDialer{}),
		controller.OptStore(store),
		controller.OptMAC(pump.NewAddr(c.String("mac"))),
		controller.OptSerial(uint32(c.Uint64("serial"))),
		controller.OptPollInterval(c.Duration("poll-interval")),
	}
	if url := c.String("relay-url"); url != "" {
		opts = append(opts, controller.OptRelayURL(url), controller.OptRelay(relay.NewHTTPClient(url)))
	}

	return controller.NewController(opts...)
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "read the pump's System Status",
		Action: func(c *cli.Context) error {
			ctrl, err := buildController(c)
			if err != nil {
				return err
			}
			status, err := ctrl.Status(c.Context)
			if err != nil {
				return err
			}
			fmt.Printf("mode=%s insulin=%.2fU battery=%d%%\n", status.DeliveryMode, status.InsulinUnits(), status.BatteryPercent)
			return nil
		},
	}
}

func bolusCommand() *cli.Command {
	return &cli.Command{
		Name:  "bolus",
		Usage: "start or cancel a fast bolus",
		Subcommands: []*cli.Command{
			{
				Name: "start",
				Flags: []cli.Flag{
					&cli.Float64Flag{Name: "units", Required: true},
					&cli.IntFlag{Name: "duration-min", Value: 0},
					&cli.Float64Flag{Name: "immediate-units", Value: 0},
				},
				Action: func(c *cli.Context) error {
					ctrl, err := buildController(c)
					if err != nil {
						return err
					}
					return ctrl.StartBolus(c.Context,
						uint32(c.Float64("units")*100),
						uint32(c.Int("duration-min")),
						uint32(c.Float64("immediate-units")*100),
						pumpble.BolusFast)
				},
			},
			{
				Name: "cancel",
				Action: func(c *cli.Context) error {
					ctrl, err := buildController(c)
					if err != nil {
						return err
					}
					return ctrl.CancelBolus(c.Context, pumpble.BolusFast)
				},
			},
		},
	}
}

func tbrCommand() *cli.Command {
	return &cli.Command{
		Name:  "tbr",
		Usage: "start or cancel a temporary basal rate",
		Subcommands: []*cli.Command{
			{
				Name: "start",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "percent", Required: true},
					&cli.IntFlag{Name: "duration-min", Required: true},
				},
				Action: func(c *cli.Context) error {
					ctrl, err := buildController(c)
					if err != nil {
						return err
					}
					return ctrl.StartTBR(c.Context, int32(c.Int("percent")), int32(c.Int("duration-min")))
				},
			},
			{
				Name: "cancel",
				Action: func(c *cli.Context) error {
					ctrl, err := buildController(c)
					if err != nil {
						return err
					}
					return ctrl.CancelTBR(c.Context)
				},
			},
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "dump a range of history entries",
		ArgsUsage: "<stream=events|alerts|system> <from> <to>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 3 {
				return fmt.Errorf("usage: history <stream> <from> <to>")
			}

			var stream pumpble.Stream
			switch c.Args().Get(0) {
			case "events":
				stream = pumpble.StreamEvents
			case "alerts":
				stream = pumpble.StreamAlerts
			case "system":
				stream = pumpble.StreamSystem
			default:
				return fmt.Errorf("unknown stream %q", c.Args().Get(0))
			}

			from, err := strconv.ParseInt(c.Args().Get(1), 10, 32)
			if err != nil {
				return err
			}
			to, err := strconv.ParseInt(c.Args().Get(2), 10, 32)
			if err != nil {
				return err
			}

			ctrl, err := buildController(c)
			if err != nil {
				return err
			}
			entries, err := ctrl.HistoryRange(c.Context, stream, int32(from), int32(to))
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s type=%d v1=%d v2=%d v3=%d\n", e.Timestamp.Format(time.RFC3339), e.Type, e.Value1, e.Value2, e.Value3)
			}
			return nil
		},
	}
}

func renewKeyCommand() *cli.Command {
	return &cli.Command{
		Name:  "renew-key",
		Usage: "force a relay-mediated key exchange",
		Action: func(c *cli.Context) error {
			ctrl, err := buildController(c)
			if err != nil {
				return err
			}
			return ctrl.RenewKey(c.Context)
		},
	}
}
