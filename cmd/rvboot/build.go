package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tinyrange/sv39boot/internal/boot/riscv64"
	"github.com/tinyrange/sv39boot/internal/sv39"
)

func runBuild(ctx context.Context, args []string, stdout io.Writer) error {
	fs, configPath := newFlagSet("build")
	output := fs.String("o", "", "output file, - for stdout")
	format := fs.String("format", "", "flat or elf (default: elf for *.elf outputs, flat otherwise)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *output == "" {
		return errors.New("build: -o is required")
	}

	img, err := loadImage(*configPath)
	if err != nil {
		return err
	}

	kind := *format
	if kind == "" {
		kind = "flat"
		if strings.EqualFold(filepath.Ext(*output), ".elf") {
			kind = "elf"
		}
	}
	var data []byte
	switch kind {
	case "flat":
		data = img.Flat()
	case "elf":
		if data, err = img.ELF(); err != nil {
			return fmt.Errorf("build: %w", err)
		}
	default:
		return fmt.Errorf("build: unknown format %q", kind)
	}

	warnAboutLoadAddress(img)

	if *output == "-" {
		if isTerminal(stdout) {
			return errors.New("build: refusing to write a binary image to a terminal")
		}
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(*output, data, 0o644); err != nil {
		return fmt.Errorf("build: %w", err)
	}
	slog.Info("wrote image", "path", *output, "format", kind, "bytes", len(data),
		"link", img.Config.LinkAddress, "load", img.Config.LoadAddress)
	return nil
}

// warnAboutLoadAddress reports configurations that will not boot at the
// configured load address.
func warnAboutLoadAddress(img *riscv64.Image) {
	load := uint64(img.Config.LoadAddress)
	_, tables, err := img.Plan(load, sv39.PolicyMerge)
	switch {
	case errors.Is(err, sv39.ErrUnsupportedAlignment):
		slog.Warn("the trampoline halts at the configured load address",
			"load", img.Config.LoadAddress, "link", img.Config.LinkAddress, "granularities", img.Config.Granularities)
	case err != nil:
		slog.Warn("could not plan tables for the configured load address", "err", err)
	case len(tables.Tree.Conflicts) > 0:
		for _, c := range tables.Tree.Conflicts {
			slog.Warn("boot windows overlap; the identity mapping wins", "conflict", c.String())
		}
	}
}
