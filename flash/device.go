// Package flash implements the firmware's flash-resident persistent
// object store: a two-page rotating pool of tagged variable-length
// records plus a separate key-slot region, built around the physical
// constraint that a half-word can only be programmed from all-1s down to
// an arbitrary value — clearing a bit back to 1 requires an erase of the
// whole page.
//
// Grounded on Gnuk's flash.c for the record format, pool-selection, and
// garbage-collection algorithm, and on the allocator shape of
// usbarmory-tamago's dma/dma.go (a first-fit allocator over a raw memory
// region) for how to express "allocate a byte range from a fixed-size
// backing store" idiomatically in Go without raw pointer arithmetic.
package flash

import (
	"errors"
	"sync"
)

// ErrBitSet is returned when a program operation would require setting a
// bit from 0 to 1, which flash cannot do without an erase. Surfacing this
// as a distinct error lets tests assert the simulated device enforces the
// same physical constraint real flash does.
var ErrBitSet = errors.New("flash: cannot set bit without erase")

// Device is the programming interface flash.Pool and the key-slot region
// are built on. A real board implements it over memory-mapped flash
// controller registers (board- and chip-specific register programming is
// a collaborator, not part of this package); Sim implements it over a
// plain byte slice for host-side testing and for running the firmware as
// an ordinary process.
type Device interface {
	// ReadHalfword returns the 16-bit little-endian value at addr.
	ReadHalfword(addr int) uint16
	// ProgramHalfword writes a 16-bit little-endian value at addr. It must
	// fail with ErrBitSet if any bit of val is 1 where the current content
	// is 0, since flash can only clear bits without an erase.
	ProgramHalfword(addr int, val uint16) error
	// ErasePage resets every byte of the page starting at addr to 0xFF.
	// size is the page size in bytes.
	ErasePage(addr, size int) error
	// Bytes returns the live backing storage for addr..addr+n, for bulk
	// reads (record payloads). The returned slice must not be retained
	// past the next mutation.
	Bytes(addr, n int) []byte
}

// Sim is an in-memory Device, modeling a NOR flash part byte-for-byte,
// including the can-only-clear-bits programming restriction and the
// half-word (2-byte) program granularity real hardware enforces.
type Sim struct {
	mu   sync.Mutex
	data []byte
}

// NewSim allocates a simulated flash device of size bytes, erased (all
// 0xFF) as a freshly manufactured or just-erased part would read.
func NewSim(size int) *Sim {
	d := make([]byte, size)
	for i := range d {
		d[i] = 0xff
	}
	return &Sim{data: d}
}

func (s *Sim) ReadHalfword(addr int) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint16(s.data[addr]) | uint16(s.data[addr+1])<<8
}

// ProgramHalfword models the chip's half-word programming instruction.
// Real flash controllers require interrupts disabled for the duration of
// the program/erase cycle, per the chip reference manual; we approximate
// that with a mutex held for the call, which is the idiomatic Go
// equivalent of "this section must not be preempted" on a
// single-flash-controller system.
func (s *Sim) ProgramHalfword(addr int, val uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := uint16(s.data[addr]) | uint16(s.data[addr+1])<<8
	if val&^cur != 0 {
		return ErrBitSet
	}

	s.data[addr] = byte(val)
	s.data[addr+1] = byte(val >> 8)
	return nil
}

func (s *Sim) ErasePage(addr, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := addr; i < addr+size; i++ {
		s.data[i] = 0xff
	}
	return nil
}

func (s *Sim) Bytes(addr, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, n)
	copy(out, s.data[addr:addr+n])
	return out
}
