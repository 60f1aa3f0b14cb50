package testutil

import (
	"fmt"
	"strings"
	"testing"
)

// Expectation describes one disassembled instruction. An empty Mnemonic
// matches any instruction; every Contains needle must appear in the operands.
type Expectation struct {
	Name     string
	Mnemonic string
	Contains []string
}

func (e Expectation) match(line DisasmLine) error {
	if e.Mnemonic != "" && line.Mnemonic != e.Mnemonic {
		return fmt.Errorf("mnemonic %s, want %s", line.Mnemonic, e.Mnemonic)
	}
	for _, needle := range e.Contains {
		if !line.Contains(needle) {
			return fmt.Errorf("missing %q", needle)
		}
	}
	return nil
}

// VerifyExpectations checks the leading instructions of lines against
// expect, one to one. Trailing lines such as the literal pool are ignored.
func VerifyExpectations(t *testing.T, lines []DisasmLine, expect []Expectation) {
	t.Helper()
	if len(lines) < len(expect) {
		t.Fatalf("disassembly has %d instructions, want at least %d", len(lines), len(expect))
	}
	var failed []string
	for i, exp := range expect {
		if err := exp.match(lines[i]); err != nil {
			failed = append(failed, fmt.Sprintf("#%d %s: %v in %q", i, exp.Name, err, lines[i].Normalized))
		}
	}
	if len(failed) > 0 {
		t.Fatalf("disassembly mismatch:\n%s", strings.Join(failed, "\n"))
	}
}
