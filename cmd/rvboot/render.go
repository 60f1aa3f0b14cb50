package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/sv39boot/internal/boot/riscv64"
	"golang.org/x/term"
)

var (
	styleHeading = ansi.Style{}.Bold()
	styleDim     = ansi.Style{}.Faint()
)

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// printer writes reports, styled when the destination is a terminal.
type printer struct {
	w     io.Writer
	color bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, color: isTerminal(w) && os.Getenv("NO_COLOR") == ""}
}

func (p *printer) styled(s ansi.Style, text string) string {
	if !p.color {
		return text
	}
	return s.String() + text + ansi.ResetStyle
}

func (p *printer) heading(format string, args ...any) {
	fmt.Fprintln(p.w, p.styled(styleHeading, fmt.Sprintf(format, args...)))
}

func (p *printer) field(key string, value any) {
	fmt.Fprintf(p.w, "  %s %v\n", p.styled(styleDim, fmt.Sprintf("%-10s", key)), value)
}

func (p *printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, "  "+format+"\n", args...)
}

// table prints rows in columns sized by display width, so styled cells
// line up with plain ones.
func (p *printer) table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = ansi.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}

	pad := func(cells []string) string {
		var b strings.Builder
		for i, cell := range cells {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(cell)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(cell)))
			}
		}
		return b.String()
	}

	styledHeader := make([]string, len(header))
	for i, h := range header {
		styledHeader[i] = p.styled(styleDim, h)
	}
	fmt.Fprintf(p.w, "  %s\n", pad(styledHeader))
	for _, row := range rows {
		fmt.Fprintf(p.w, "  %s\n", pad(row))
	}
}

// symbolizer names code addresses relative to the nearest preceding label
// at either the physical or the link base.
type symbolizer struct {
	bases   []uint64
	symbols []symbol
	limit   uint64
}

type symbol struct {
	name   string
	offset uint64
}

func newSymbolizer(img *riscv64.Image, load uint64) *symbolizer {
	s := &symbolizer{
		bases: []uint64{load, uint64(img.Config.LinkAddress)},
		limit: img.Layout.Text,
	}
	for _, sym := range img.Program.Symbols() {
		if uint64(sym.Offset) < img.Layout.Text {
			s.symbols = append(s.symbols, symbol{name: string(sym.Label), offset: uint64(sym.Offset)})
		}
	}
	return s
}

func (s *symbolizer) name(pc uint64) string {
	for _, base := range s.bases {
		if pc < base || pc-base >= s.limit {
			continue
		}
		off := pc - base
		i := sort.Search(len(s.symbols), func(i int) bool { return s.symbols[i].offset > off }) - 1
		if i < 0 {
			continue
		}
		sym := s.symbols[i]
		if off == sym.offset {
			return sym.name
		}
		return fmt.Sprintf("%s+%#x", sym.name, off-sym.offset)
	}
	return "?"
}
