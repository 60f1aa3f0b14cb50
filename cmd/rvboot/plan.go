package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/sv39boot/internal/boot/riscv64"
	"github.com/tinyrange/sv39boot/internal/sv39"
)

func runPlan(ctx context.Context, args []string, stdout io.Writer) error {
	fs, configPath := newFlagSet("plan")
	var load addressFlag
	fs.Var(&load, "load", "physical load address (default: load_address from the config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	img, err := loadImage(*configPath)
	if err != nil {
		return err
	}
	addr := load.or(img.Config.LoadAddress)

	p := newPrinter(stdout)
	p.heading("sv39 boot plan")
	p.field("load", fmt.Sprintf("%#x", addr))
	p.field("link", img.Config.LinkAddress)
	p.field("enabled", img.Config.Granularities)

	mem, tables, err := img.Plan(addr, sv39.PolicyMerge)
	if errors.Is(err, sv39.ErrUnsupportedAlignment) {
		p.field("path", "none: the trampoline halts")
		return nil
	}
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	tree := tables.Tree
	p.field("path", tables.Granularity)
	p.field("satp", fmt.Sprintf("%#x", tree.Satp()))
	p.field("scratch", fmt.Sprintf("%#x (%d of %d pages)", addr+img.Layout.StartFree, len(tree.Tables), img.Layout.ScratchPages))
	fmt.Fprintln(stdout)

	printWindows(p, tree)
	fmt.Fprintln(stdout)
	if err := printTables(p, mem, tree); err != nil {
		return err
	}
	fmt.Fprintln(stdout)
	printConflicts(p, tree)
	return nil
}

func printWindows(p *printer, tree *sv39.Tree) {
	p.heading("windows")
	rows := make([][]string, 0, len(tree.Windows))
	for _, c := range tree.Windows {
		w := c.Window
		rows = append(rows, []string{
			w.Name,
			fmt.Sprintf("%#x", w.Virtual),
			fmt.Sprintf("%#x", w.Physical),
			w.Granularity.String(),
			fmt.Sprint(c.Entries),
			riscv64.Size(c.Covered).String(),
		})
	}
	p.table([]string{"WINDOW", "VIRTUAL", "PHYSICAL", "LEAF", "ENTRIES", "COVERED"}, rows)
}

func printTables(p *printer, mem sv39.Memory, tree *sv39.Tree) error {
	p.heading("tables")
	for _, ref := range tree.Tables {
		table, err := sv39.ReadTable(mem, ref.Addr)
		if err != nil {
			return fmt.Errorf("read L%d table at %#x: %w", ref.Level, ref.Addr, err)
		}
		p.line("%s", p.styled(styleHeading, fmt.Sprintf("L%d @ %#x", ref.Level, ref.Addr)))
		for _, entry := range tableRuns(table, ref.Level) {
			p.line("  %s", entry)
		}
	}
	return nil
}

// tableRuns describes the valid entries of a table at level, folding
// leaves that map consecutive frames with the same flags into one line.
func tableRuns(table sv39.Table, level int) []string {
	stride := sv39.LevelSize(level)
	var out []string
	for i := 0; i < len(table); i++ {
		pte := table[i]
		if !pte.Valid() {
			continue
		}
		if pte.IsPointer() {
			out = append(out, fmt.Sprintf("[%3d]       -> table %#x", i, pte.Physical()))
			continue
		}
		j := i
		for j+1 < len(table) && table[j+1].IsLeaf() && table[j+1].Flags() == pte.Flags() &&
			table[j+1].Physical() == table[j].Physical()+stride {
			j++
		}
		span := fmt.Sprintf("[%3d]", i)
		if j > i {
			span = fmt.Sprintf("[%3d-%3d]", i, j)
		}
		out = append(out, fmt.Sprintf("%-11s %#x %s", span, pte.Physical(), pte.FlagString()))
		i = j
	}
	return out
}

func printConflicts(p *printer, tree *sv39.Tree) {
	p.heading("conflicts")
	if len(tree.Conflicts) == 0 {
		p.line("none")
		return
	}
	for _, c := range tree.Conflicts {
		p.line("%s", c)
	}
}
