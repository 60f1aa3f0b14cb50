package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/sv39boot/internal/boot/riscv64"
	"github.com/tinyrange/sv39boot/internal/sv39"
)

func runSweep(ctx context.Context, args []string, stdout io.Writer) error {
	fs, configPath := newFlagSet("sweep")
	var from, to addressFlag
	fs.Var(&from, "from", "first load address (default: load_address from the config)")
	fs.Var(&to, "to", "last load address (default: -from plus 2MiB)")
	step := sizeFlag{value: sv39.PageSize}
	fs.Var(&step, "step", "distance between load addresses")
	jobs := fs.Int("jobs", runtime.GOMAXPROCS(0), "machines emulated in parallel")
	ramSize := sizeFlag{}
	fs.Var(&ramSize, "ram", "emulator RAM per machine (default: ram_size from the config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	img, err := loadImage(*configPath)
	if err != nil {
		return err
	}
	opts := riscv64.SweepOptions{
		From: from.or(img.Config.LoadAddress),
		Step: uint64(step.value),
		Jobs: *jobs,
		Run:  riscv64.RunOptions{RAMSize: uint64(ramSize.value)},
	}
	opts.To = to.or(riscv64.Address(opts.From + 2<<20))

	loads, err := opts.Loads()
	if err != nil {
		return err
	}
	slog.Debug("sweep", "from", fmt.Sprintf("%#x", opts.From), "to", fmt.Sprintf("%#x", opts.To),
		"loads", len(loads), "jobs", opts.Jobs)

	if isTerminal(os.Stderr) {
		bar := progressbar.Default(int64(len(loads)), "emulating")
		defer bar.Finish()
		opts.Progress = func() { bar.Add(1) }
	}

	reports, err := img.Sweep(ctx, opts)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	return summarizeSweep(newPrinter(stdout), reports)
}

func summarizeSweep(p *printer, reports []*riscv64.Report) error {
	outcomes := map[riscv64.Outcome]int{}
	paths := map[sv39.Granularity]int{}
	conflicted := 0
	var failed []*riscv64.Report
	for _, r := range reports {
		outcomes[r.Result.Outcome]++
		if r.Tables != nil {
			paths[r.Tables.Granularity]++
			if len(r.Tables.Tree.Conflicts) > 0 {
				conflicted++
			}
		}
		if !r.OK() {
			failed = append(failed, r)
		}
	}

	p.heading("sweep of %d load addresses", len(reports))
	for _, o := range []riscv64.Outcome{riscv64.OutcomeHandoff, riscv64.OutcomeHalted, riscv64.OutcomeTrapped} {
		p.field(o.String(), outcomes[o])
	}
	for _, g := range []sv39.Granularity{sv39.Giga1G, sv39.Mega2M, sv39.Page4K} {
		if n := paths[g]; n > 0 {
			p.field(g.String()+" path", n)
		}
	}
	if conflicted > 0 {
		p.field("conflicts", conflicted)
	}

	if len(failed) == 0 {
		p.heading("every load address matches the table model")
		return nil
	}
	p.heading("mismatches")
	for _, r := range failed {
		for _, problem := range r.Problems {
			p.line("%#x: %s", r.Load, problem)
		}
	}
	return fmt.Errorf("sweep: %d of %d load addresses disagree with the table model", len(failed), len(reports))
}
