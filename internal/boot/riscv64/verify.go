package riscv64

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/sv39boot/internal/sv39"
)

const maxReportedMismatches = 8

// Report compares one emulated boot against the host-side model.
type Report struct {
	Load   uint64
	Result *Result
	// Tables is nil when the model rejects the load address.
	Tables   *sv39.BootTables
	Problems []string
}

func (r *Report) OK() bool { return len(r.Problems) == 0 }

func (r *Report) problemf(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Verify boots the image from load and checks the result.
func (img *Image) Verify(ctx context.Context, load uint64, opts RunOptions) (*Report, error) {
	res, err := img.Run(ctx, load, opts)
	if err != nil {
		return nil, err
	}
	return img.Check(res)
}

// Check compares a finished boot with Plan: the outcome, the handoff
// registers and every scratch word. A/D bits are ignored since the MMU sets
// them on the way out.
func (img *Image) Check(res *Result) (*Report, error) {
	load := res.Load
	report := &Report{Load: load, Result: res}

	want, tables, err := img.Plan(load, sv39.PolicyMerge)
	switch {
	case errors.Is(err, sv39.ErrUnsupportedAlignment):
		if res.Outcome != OutcomeHalted {
			report.problemf("load %#x: expected halt, got %s at pc=%#x", load, res.Outcome, res.PC)
		}
		return report, nil
	case err != nil:
		return nil, fmt.Errorf("plan load %#x: %w", load, err)
	}
	report.Tables = tables

	switch res.Outcome {
	case OutcomeHalted:
		report.problemf("load %#x: halted although the %s path fits", load, tables.Granularity)
		return report, nil
	case OutcomeTrapped:
		if len(tables.Tree.Conflicts) == 0 {
			report.problemf("load %#x: %v with no window conflict", load, res.Trap)
		}
	case OutcomeHandoff:
		if res.Satp != tables.Tree.Satp() {
			report.problemf("satp = %#x, want %#x", res.Satp, tables.Tree.Satp())
		}
		if stack := uint64(img.Config.LinkAddress) + img.Layout.Stack; res.SP != stack {
			report.problemf("sp = %#x, want _sstack %#x", res.SP, stack)
		}
		if _, err := sv39.Translate(res.Machine.Bus, tables.Tree.Root, res.SP-8); err != nil {
			report.problemf("stack top %#x: %v", res.SP-8, err)
		}
	}

	base := load + img.Layout.StartFree
	mismatches := 0
	for off := uint64(0); off < img.Layout.ScratchSize(); off += 8 {
		got, err := res.Machine.Bus.Read64(base + off)
		if err != nil {
			return nil, fmt.Errorf("read scratch at %#x: %w", base+off, err)
		}
		exp, err := want.Read64(base + off)
		if err != nil {
			return nil, err
		}
		if sv39.PTE(got).WithoutAD() == sv39.PTE(exp).WithoutAD() {
			continue
		}
		mismatches++
		if mismatches <= maxReportedMismatches {
			report.problemf("table word %#x = %s, want %s", base+off, sv39.PTE(got), sv39.PTE(exp))
		}
	}
	if mismatches > maxReportedMismatches {
		report.problemf("%d more table words differ", mismatches-maxReportedMismatches)
	}
	return report, nil
}
