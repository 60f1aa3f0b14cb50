package rv64

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNoMemory is wrapped by every bus access that falls outside RAM.
var ErrNoMemory = errors.New("rv64: no memory")

// Bus maps physical addresses onto one RAM region starting at RAMBase.
// It satisfies sv39.Memory, so page tables written by the hart can be read
// back with the host-side walker.
type Bus struct {
	RAMBase uint64
	ram     []byte
}

// NewBus creates a bus with ramSize bytes of zeroed RAM at RAMBase.
func NewBus(ramSize uint64) *Bus {
	return &Bus{RAMBase: RAMBase, ram: make([]byte, ramSize)}
}

// Size returns the amount of RAM in bytes.
func (bus *Bus) Size() uint64 { return uint64(len(bus.ram)) }

// Contains reports whether [addr, addr+size) lies inside RAM.
func (bus *Bus) Contains(addr, size uint64) bool {
	end := addr + size
	return addr >= bus.RAMBase && end >= addr && end <= bus.RAMBase+bus.Size()
}

func (bus *Bus) span(addr uint64, n int) ([]byte, error) {
	if n < 0 || !bus.Contains(addr, uint64(n)) {
		return nil, fmt.Errorf("%w at %#x (+%d)", ErrNoMemory, addr, n)
	}
	off := addr - bus.RAMBase
	return bus.ram[off : off+uint64(n)], nil
}

// Read loads a little-endian value of size 1, 2, 4 or 8 bytes.
func (bus *Bus) Read(addr uint64, size int) (uint64, error) {
	b, err := bus.span(addr, size)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	}
	return 0, fmt.Errorf("rv64: invalid access size %d", size)
}

// Write stores the low size bytes of value little-endian.
func (bus *Bus) Write(addr uint64, size int, value uint64) error {
	b, err := bus.span(addr, size)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		b[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(b, value)
	default:
		return fmt.Errorf("rv64: invalid access size %d", size)
	}
	return nil
}

func (bus *Bus) Read32(addr uint64) (uint32, error) {
	v, err := bus.Read(addr, 4)
	return uint32(v), err
}

func (bus *Bus) Write32(addr uint64, value uint32) error {
	return bus.Write(addr, 4, uint64(value))
}

func (bus *Bus) Read64(addr uint64) (uint64, error) { return bus.Read(addr, 8) }

func (bus *Bus) Write64(addr uint64, value uint64) error { return bus.Write(addr, 8, value) }

// LoadBytes copies data into RAM at addr.
func (bus *Bus) LoadBytes(addr uint64, data []byte) error {
	b, err := bus.span(addr, len(data))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// Fetch reads a 32-bit instruction word. Compressed encodings are not
// supported and decode as illegal instructions.
func (bus *Bus) Fetch(addr uint64) (uint32, error) {
	return bus.Read32(addr)
}
