package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blequeue/internal/testutils"
	"github.com/srg/blequeue/pkg/manager"
)

func newSimulateCmd() *cobra.Command {
	var only []string
	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Run a scripted scenario against the simulated driver",
		Long: `Runs the steps of a scenario file against the in-memory driver and prints
the resulting event trace. When the scenario has an 'expect' block the trace
is compared with it and a unified diff is printed on mismatch.

Examples:
  # Print the full trace
  blequeue simulate testdata/implicit-reconnect.yaml

  # Only connection and peer events
  blequeue simulate testdata/implicit-reconnect.yaml --only connection,peer`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, args[0], only)
		},
	}
	cmd.Flags().StringSliceVar(&only, "only", nil, "Event types to print (task, connection, peer, bond, gatt, response)")
	return cmd
}

func runSimulate(cmd *cobra.Command, path string, only []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	sc, err := LoadScenario(path)
	if err != nil {
		return err
	}

	m, err := manager.New(manager.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		return err
	}

	runErr := RunScenario(ctx, m, sc)
	cancel()
	<-m.Done()
	if runErr != nil {
		return runErr
	}

	evs, err := m.History().Drain()
	if err != nil {
		return err
	}
	printer := newEventPrinter(cmd.OutOrStdout(), only)
	if sc.Name != "" {
		color.New(color.Bold).Fprintf(cmd.OutOrStdout(), "# %s\n", sc.Name)
	}
	for _, e := range evs {
		printer.Print(e)
	}

	if sc.Expect == "" {
		return nil
	}
	ta := testutils.NewTraceAsserter(nil).WithOptions(
		testutils.WithEnableColors(!color.NoColor),
		testutils.WithIgnorePrefixes(sc.Ignore...),
	)
	// --only narrows the output, never the comparison.
	all := newEventPrinter(nil, nil).Lines(evs)
	if diff := ta.Diff(strings.Join(all, "\n"), sc.Expect); diff != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), diff)
		return ErrTraceMismatch
	}
	return nil
}
