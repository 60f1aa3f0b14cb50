// Command rvboot builds, inspects and emulates Sv39 boot trampolines for
// RISC-V64 images.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/tinyrange/sv39boot/internal/boot/riscv64"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, stdout io.Writer) error
}

var commands = []command{
	{"build", "assemble and link the trampoline into a flat or ELF image", runBuild},
	{"plan", "dump the page tables the trampoline builds for a load address", runPlan},
	{"run", "emulate one boot and report how it ended", runEmulate},
	{"sweep", "emulate many load addresses and check them against the table model", runSweep},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		slog.Error("rvboot failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("rvboot", flag.ContinueOnError)
	verbose := fs.Bool("v", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: rvboot [-v] <command> [flags]\n\ncommands:\n")
		for _, c := range commands {
			fmt.Fprintf(fs.Output(), "  %-6s %s\n", c.name, c.summary)
		}
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("no command given")
	}
	name := fs.Arg(0)
	for _, c := range commands {
		if c.name == name {
			err := c.run(ctx, fs.Args()[1:], stdout)
			if errors.Is(err, flag.ErrHelp) {
				return nil
			}
			return err
		}
	}
	fs.Usage()
	return fmt.Errorf("unknown command %q", name)
}

// newFlagSet returns a flag set carrying the -config flag every command
// accepts.
func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet("rvboot "+name, flag.ContinueOnError)
	config := fs.String("config", "", "boot config YAML (defaults apply when empty)")
	return fs, config
}

func loadImage(path string) (*riscv64.Image, error) {
	cfg := riscv64.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = riscv64.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	img, err := riscv64.Link(cfg)
	if err != nil {
		return nil, err
	}
	slog.Debug("linked trampoline",
		"link", cfg.LinkAddress,
		"text", img.Layout.Text,
		"size", img.Layout.Size,
		"scratch_pages", img.Layout.ScratchPages,
		"granularities", cfg.Granularities)
	return img, nil
}

// addressFlag is a flag.Value holding an optional address.
type addressFlag struct {
	value riscv64.Address
	set   bool
}

func (a *addressFlag) String() string {
	if !a.set {
		return ""
	}
	return a.value.String()
}

func (a *addressFlag) Set(s string) error {
	v, err := riscv64.ParseAddress(s)
	if err != nil {
		return err
	}
	a.value, a.set = v, true
	return nil
}

func (a *addressFlag) or(def riscv64.Address) uint64 {
	if a.set {
		return uint64(a.value)
	}
	return uint64(def)
}

type sizeFlag struct {
	value riscv64.Size
}

func (s *sizeFlag) String() string { return s.value.String() }

func (s *sizeFlag) Set(v string) error {
	parsed, err := riscv64.ParseSize(v)
	if err != nil {
		return err
	}
	s.value = parsed
	return nil
}
