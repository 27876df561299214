package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blequeue/internal/device"
	"github.com/srg/blequeue/internal/events"
	"github.com/srg/blequeue/internal/transport/goble"
	"github.com/srg/blequeue/pkg/manager"
)

type connectOptions struct {
	reads    []string
	duration time.Duration
	only     []string
}

func newConnectCmd() *cobra.Command {
	opts := &connectOptions{}
	cmd := &cobra.Command{
		Use:   "connect <device-address>",
		Short: "Connect to a peripheral through go-ble and stream events",
		Long: `Connects to a peripheral, optionally reads characteristics once connected,
and prints every event until the link drops, --duration elapses or Ctrl+C.

Examples:
  # Connect and watch events
  blequeue connect AA:BB:CC:DD:EE:FF

  # Read Battery Level once connected, stay for 10s
  blequeue connect AA:BB:CC:DD:EE:FF --read 180f/2a19 --duration 10s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.reads, "read", nil, "service/characteristic to read once connected (repeatable)")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "Disconnect after this long (0 = until Ctrl+C)")
	cmd.Flags().StringSliceVar(&opts.only, "only", nil, "Event types to print (task, connection, peer, bond, gatt, response)")
	return cmd
}

type readSpec struct {
	service        string
	characteristic string
}

func parseReads(specs []string) ([]readSpec, error) {
	out := make([]readSpec, 0, len(specs))
	for _, s := range specs {
		svc, char, ok := strings.Cut(s, "/")
		if !ok {
			return nil, fmt.Errorf("invalid --read %q: want service/characteristic", s)
		}
		if _, err := device.ValidateUUID(svc, char); err != nil {
			return nil, fmt.Errorf("invalid --read %q: %w", s, err)
		}
		out = append(out, readSpec{service: svc, characteristic: char})
	}
	return out, nil
}

func runConnect(cmd *cobra.Command, address string, opts *connectOptions) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	reads, err := parseReads(opts.reads)
	if err != nil {
		return err
	}

	m, err := manager.New(manager.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer func() {
		cancel()
		<-m.Done()
	}()
	if err := m.Start(ctx); err != nil {
		return err
	}

	driver, err := goble.New(ctx, goble.Options{
		Callbacks:      m.DeviceCallbacks(),
		Logger:         logger,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	if err != nil {
		return err
	}
	dev, err := m.AddDevice(ctx, address, driver)
	if err != nil {
		return err
	}
	if err := call(ctx, m, func() error { _, err := dev.Connect(); return err }); err != nil {
		return err
	}

	var deadline <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	printer := newEventPrinter(cmd.OutOrStdout(), opts.only)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			deadline = nil
			if err := call(ctx, m, func() error { _, err := dev.Disconnect(); return err }); err != nil {
				return err
			}
		case e, ok := <-m.Bus().C():
			if !ok {
				return nil
			}
			printer.Print(e)
			if g, isGatt := e.(events.GattEvent); isGatt {
				if err := readOutcome(g); err != nil {
					return err
				}
				continue
			}
			peer, isPeer := e.(events.PeerEvent)
			if !isPeer {
				continue
			}
			switch peer.Outcome {
			case events.PeerConnected:
				for _, r := range reads {
					if err := call(ctx, m, func() error { _, err := dev.Read(r.service, r.characteristic); return err }); err != nil {
						return err
					}
				}
			case events.PeerConnectFail:
				return fmt.Errorf("%w: %s", ErrConnectFailed, peer.Status)
			case events.PeerDisconnected:
				if !peer.Explicit {
					return fmt.Errorf("%w: %s", ErrConnectionLost, peer.Status)
				}
				return nil
			}
		}
	}
}

// readOutcome turns a failed --read into the command error. A read lost with
// the link reports the connection loss.
func readOutcome(g events.GattEvent) error {
	err := device.ResultError(g.Kind, g.State, g.Status)
	switch {
	case err == nil:
		return nil
	case device.IsConnectionState(err, device.NotConnected):
		return fmt.Errorf("%w: %s", ErrConnectionLost, g.Status)
	default:
		return fmt.Errorf("%s/%s: %w", g.Service, g.Characteristic, err)
	}
}

// call runs fn on the dispatch loop and returns its error.
func call(ctx context.Context, m *manager.Manager, fn func() error) error {
	var callErr error
	if err := m.Do(ctx, func() { callErr = fn() }); err != nil {
		return err
	}
	return callErr
}
