package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/tinyrange/sv39boot/internal/boot/riscv64"
	"github.com/tinyrange/sv39boot/internal/hv/riscv/rv64"
)

func runEmulate(ctx context.Context, args []string, stdout io.Writer) error {
	fs, configPath := newFlagSet("run")
	var load addressFlag
	fs.Var(&load, "load", "physical load address (default: load_address from the config)")
	traceDepth := fs.Int("trace", 16, "number of trailing PCs to show")
	maxSteps := fs.Int64("max-steps", riscv64.DefaultMaxSteps, "instruction budget")
	if err := fs.Parse(args); err != nil {
		return err
	}

	img, err := loadImage(*configPath)
	if err != nil {
		return err
	}
	addr := load.or(img.Config.LoadAddress)

	opts := riscv64.RunOptions{MaxSteps: *maxSteps, TraceDepth: *traceDepth}
	res, err := img.Run(ctx, addr, opts)
	if err != nil {
		return err
	}
	report, err := img.Check(res)
	if err != nil {
		return err
	}

	p := newPrinter(stdout)
	syms := newSymbolizer(img, addr)

	p.heading("boot from %#x: %s", addr, res.Outcome)
	p.field("pc", fmt.Sprintf("%#x <%s>", res.PC, syms.name(res.PC)))
	p.field("sp", fmt.Sprintf("%#x", res.SP))
	p.field("satp", fmt.Sprintf("%#x", res.Satp))
	p.field("steps", res.Steps)
	p.field("tlb walks", res.Machine.MMU.Walks)
	if res.Trap != nil {
		p.field("trap", fmt.Sprintf("%s tval=%#x", rv64.CauseName(res.Trap.Cause), res.Trap.Tval))
	}
	if report.Tables != nil {
		p.field("path", report.Tables.Granularity)
		fmt.Fprintln(stdout)
		printWindows(p, report.Tables.Tree)
		if len(report.Tables.Tree.Conflicts) > 0 {
			fmt.Fprintln(stdout)
			printConflicts(p, report.Tables.Tree)
		}
	}

	if len(res.Trace) > 0 {
		fmt.Fprintln(stdout)
		p.heading("trace (last %d of %d)", len(res.Trace), res.Machine.Trace.Total())
		for _, pc := range res.Trace {
			p.line("%#018x  %s", pc, syms.name(pc))
		}
	}

	fmt.Fprintln(stdout)
	if !report.OK() {
		p.heading("model mismatch")
		for _, problem := range report.Problems {
			p.line("%s", problem)
		}
		return fmt.Errorf("run: %d disagreements with the table model:\n%s", len(report.Problems), strings.Join(report.Problems, "\n"))
	}
	p.heading("tables match the model")
	return nil
}
