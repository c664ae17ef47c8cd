package main

import (
	"context"
	"fmt"
	"io"
	"time"
)

// runTick handles "habitual tick": one reminder pass at the current
// time. Logs go to stderr so the report on stdout stays parseable.
func runTick(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(stderr)

	a, err := newApp(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.Reminders.Timeout())
	defer cancel()

	report, err := a.scheduler.Tick(ctx, time.Now())
	if perr := printReport(stdout, opts.outputFmt, report); perr != nil {
		return perr
	}
	if err != nil {
		return fmt.Errorf("tick: %w", err)
	}
	return nil
}

// runPoll handles "habitual poll": one account linking pass.
func runPoll(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(stderr)

	a, err := newApp(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.Linking.Timeout())
	defer cancel()

	report, err := a.linker.Poll(ctx)
	if perr := printReport(stdout, opts.outputFmt, report); perr != nil {
		return perr
	}
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	return nil
}

func printReport(w io.Writer, outputFmt string, report fmt.Stringer) error {
	if outputFmt == "json" {
		return writeJSON(w, report)
	}
	_, err := fmt.Fprintln(w, report.String())
	return err
}
