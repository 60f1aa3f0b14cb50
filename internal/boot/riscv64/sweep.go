package riscv64

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/tinyrange/sv39boot/internal/sv39"
	"golang.org/x/sync/errgroup"
)

// MaxSweepLoads bounds the number of load addresses one sweep may visit.
const MaxSweepLoads = 1 << 16

type SweepOptions struct {
	From, To uint64
	// Step defaults to one page.
	Step uint64
	// Jobs defaults to GOMAXPROCS.
	Jobs int
	Run  RunOptions
	// Progress, when set, is called from worker goroutines once per load
	// address.
	Progress func()
}

// Loads lists the load addresses a sweep visits.
func (o SweepOptions) Loads() ([]uint64, error) {
	step := o.Step
	if step == 0 {
		step = sv39.PageSize
	}
	if o.To < o.From {
		return nil, fmt.Errorf("sweep range [%#x, %#x] is empty", o.From, o.To)
	}
	span := (o.To - o.From) / step
	if span >= MaxSweepLoads {
		return nil, fmt.Errorf("sweep range [%#x, %#x] with step %#x exceeds %d load addresses", o.From, o.To, step, MaxSweepLoads)
	}
	n := span + 1
	loads := make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		loads = append(loads, o.From+i*step)
	}
	return loads, nil
}

// Sweep verifies the image at every load address in the range. Reports are
// returned in address order. The first emulator error cancels the rest.
func (img *Image) Sweep(ctx context.Context, opts SweepOptions) ([]*Report, error) {
	loads, err := opts.Loads()
	if err != nil {
		return nil, err
	}
	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}

	reports := make([]*Report, len(loads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i, load := range loads {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			report, err := img.Verify(gctx, load, opts.Run)
			if err != nil {
				return err
			}
			slog.Debug("sweep", "load", fmt.Sprintf("%#x", load), "outcome", report.Result.Outcome, "ok", report.OK())
			reports[i] = report
			if opts.Progress != nil {
				opts.Progress()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return reports, nil
}
