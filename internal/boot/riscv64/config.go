package riscv64

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/tinyrange/sv39boot/internal/sv39"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultLinkAddress is where the image expects to run once paging is on.
	DefaultLinkAddress = 0xffffffff80200000

	// DefaultLoadAddress matches the usual OpenSBI payload offset.
	DefaultLoadAddress = 0x80200000

	DefaultImageSize = 2 << 20
	DefaultStackSize = 16 << 10
	DefaultRAMSize   = 64 << 20
)

// Config describes one boot image.
type Config struct {
	LinkAddress   Address         `yaml:"link_address"`
	LoadAddress   Address         `yaml:"load_address"`
	ImageSize     Size            `yaml:"image_size"`
	StackSize     Size            `yaml:"stack_size"`
	Granularities GranularityList `yaml:"granularities"`
	LeafFlags     FlagList        `yaml:"leaf_flags"`
	RAMSize       Size            `yaml:"ram_size"`
}

func DefaultConfig() Config {
	return Config{
		LinkAddress:   DefaultLinkAddress,
		LoadAddress:   DefaultLoadAddress,
		ImageSize:     DefaultImageSize,
		StackSize:     DefaultStackSize,
		Granularities: GranularityList(sv39.DefaultGranularities),
		LeafFlags:     FlagList(sv39.DefaultLeafFlags),
		RAMSize:       DefaultRAMSize,
	}
}

// LoadConfig reads a YAML config. Keys absent from the file keep their
// defaults; unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first problem with cfg, naming the offending key.
func (c Config) Validate() error {
	link, load := uint64(c.LinkAddress), uint64(c.LoadAddress)
	switch {
	case !sv39.Canonical(link):
		return fmt.Errorf("link_address: %#x is not a canonical Sv39 address", link)
	case link%sv39.PageSize != 0:
		return fmt.Errorf("link_address: %#x is not 4KiB aligned", link)
	case load == 0:
		return fmt.Errorf("load_address: must be set")
	case load%sv39.PageSize != 0:
		return fmt.Errorf("load_address: %#x is not 4KiB aligned", load)
	case c.StackSize == 0 || c.StackSize%16 != 0:
		return fmt.Errorf("stack_size: %s must be a non-zero multiple of 16", c.StackSize)
	case c.RAMSize < sv39.PageSize:
		return fmt.Errorf("ram_size: %s is smaller than one page", c.RAMSize)
	case c.Granularities.Set() == 0:
		return fmt.Errorf("granularities: at least one leaf size is required")
	}

	flags := c.LeafFlags.Flags()
	if flags&(sv39.FlagR|sv39.FlagX) != sv39.FlagR|sv39.FlagX {
		return fmt.Errorf("leaf_flags: %s must include R and X", flags.FlagString())
	}
	if flags&sv39.FlagU != 0 {
		return fmt.Errorf("leaf_flags: U pages are not executable in S-mode")
	}
	if flags&(sv39.FlagW|sv39.FlagR) == sv39.FlagW {
		return fmt.Errorf("leaf_flags: W without R is reserved")
	}
	return nil
}

// Set returns the enabled granularities.
func (c Config) Set() sv39.GranularitySet { return c.Granularities.Set() }

// Address is a 64-bit address written as an integer in any Go base, with
// optional underscores.
type Address uint64

func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", value.Line)
	}
	parsed, err := ParseAddress(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*a = parsed
	return nil
}

func ParseAddress(s string) (Address, error) {
	parsed, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return Address(parsed), nil
}

func (a Address) String() string { return fmt.Sprintf("%#x", uint64(a)) }

// Size is a byte count. It accepts plain integers and binary suffixes
// (K, KiB, M, MiB, G, GiB).
type Size uint64

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"KIB", 10}, {"MIB", 20}, {"GIB", 30},
	{"KB", 10}, {"MB", 20}, {"GB", 30},
	{"K", 10}, {"M", 20}, {"G", 30},
}

func ParseSize(s string) (Size, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(s))
	shift := uint(0)
	for _, sfx := range sizeSuffixes {
		if strings.HasSuffix(trimmed, sfx.suffix) {
			trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, sfx.suffix))
			shift = sfx.shift
			break
		}
	}
	n, err := strconv.ParseUint(strings.ToLower(trimmed), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if shift > 0 && n > (^uint64(0))>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return Size(n << shift), nil
}

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	parsed, err := ParseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = parsed
	return nil
}

func (s Size) String() string {
	v := uint64(s)
	switch {
	case v != 0 && v%(1<<30) == 0:
		return fmt.Sprintf("%dGiB", v>>30)
	case v != 0 && v%(1<<20) == 0:
		return fmt.Sprintf("%dMiB", v>>20)
	case v != 0 && v%(1<<10) == 0:
		return fmt.Sprintf("%dKiB", v>>10)
	}
	return strconv.FormatUint(v, 10)
}

// GranularityList is a YAML sequence of leaf sizes such as [2M, 4K].
type GranularityList sv39.GranularitySet

func (g *GranularityList) UnmarshalYAML(value *yaml.Node) error {
	var names []string
	if err := value.Decode(&names); err != nil {
		return fmt.Errorf("line %d: granularities must be a list: %w", value.Line, err)
	}
	var set sv39.GranularitySet
	for _, name := range names {
		gran, err := sv39.ParseGranularity(name)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		set = set.With(gran)
	}
	*g = GranularityList(set)
	return nil
}

func (g GranularityList) Set() sv39.GranularitySet { return sv39.GranularitySet(g) }

func (g GranularityList) String() string { return g.Set().String() }

// FlagList is a YAML sequence of PTE flag letters such as [V, R, W, X]. V is
// implied.
type FlagList sv39.PTE

func (f *FlagList) UnmarshalYAML(value *yaml.Node) error {
	var names []string
	if err := value.Decode(&names); err != nil {
		return fmt.Errorf("line %d: leaf_flags must be a list: %w", value.Line, err)
	}
	flags := sv39.FlagV
	for _, name := range names {
		flag, err := sv39.ParseFlag(name)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		flags |= flag
	}
	*f = FlagList(flags)
	return nil
}

// Flags returns the leaf flags with V set.
func (f FlagList) Flags() sv39.PTE { return sv39.PTE(f) | sv39.FlagV }

func (f FlagList) String() string { return f.Flags().FlagString() }
