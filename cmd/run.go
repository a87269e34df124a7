package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-harvester/internal/app"
	"github.com/JakeFAU/artifact-harvester/internal/config"
	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// runner is the part of *app.App the run command drives.
type runner interface {
	Run(ctx context.Context) (harvest.JobReport, error)
	Close(ctx context.Context) error
}

// newApp is a variable so tests can swap in a fake runner.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (runner, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the configured harvest job",
		Long: `Loads the ids, skips everything the progress store already marks
completed and harvests the rest. SIGINT or SIGTERM finishes the batch in
flight, flushes progress and exits.`,
		RunE: runHarvest,
	}
}

func runHarvest(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("init harvester: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil {
			e.logger.Warn("failed to close harvester", zap.Error(cerr))
		}
	}()

	report, err := a.Run(ctx)
	if rerr := renderReport(cmd.OutOrStdout(), report); rerr != nil {
		e.logger.Warn("failed to render report", zap.Error(rerr))
	}
	if errors.Is(err, context.Canceled) {
		e.logger.Warn("harvest interrupted, rerun to resume", zap.String("job_id", report.JobID))
		return nil
	}
	if report.Phase == harvest.PhaseAborted {
		return fmt.Errorf("harvest aborted: %s", report.AbortReason)
	}
	if err != nil {
		return fmt.Errorf("run harvest: %w", err)
	}
	return nil
}

func renderReport(w io.Writer, r harvest.JobReport) error {
	data := pterm.TableData{
		{"Field", "Value"},
		{"Job", r.JobID},
		{"Phase", string(r.Phase)},
		{"Total", strconv.Itoa(r.Total)},
		{"Succeeded", strconv.Itoa(r.Succeeded)},
		{"Failed", strconv.Itoa(r.Failed)},
		{"Skipped", strconv.Itoa(r.Skipped)},
		{"Duration", r.Duration().Round(time.Millisecond).String()},
		{"Concurrency", strconv.Itoa(r.FinalRateState.Concurrency)},
		{"Delay", r.FinalRateState.Delay.String()},
	}
	if r.AbortReason != "" {
		data = append(data, []string{"Abort reason", r.AbortReason})
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, out)
	return err
}
