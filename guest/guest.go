// Package guest provides access to emulated guest physical memory.
package guest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
)

// Memory is guest physical memory as seen by a DMA-capable device.
// Reads and writes either transfer all of p or fail.
type Memory interface {
	ReadPhys(addr uint64, p []byte) error
	WritePhys(addr uint64, p []byte) error
}

// LevelError is the log level for guest programming errors: register
// misuse and malformed descriptors that the device ignores.
const LevelError = slog.LevelWarn + 2

var ErrOutOfRange = errors.New("guest: address out of range")

var le = binary.LittleEndian

// LogError logs a guest programming error.
func LogError(log *slog.Logger, msg string, args ...any) {
	log.Log(context.Background(), LevelError, msg, args...)
}

// ReadUint32 reads a little-endian word from guest memory.
func ReadUint32(m Memory, addr uint64) (uint32, error) {
	var b [4]byte
	if err := m.ReadPhys(addr, b[:]); err != nil {
		return 0, err
	}

	return le.Uint32(b[:]), nil
}

// WriteUint32 writes a little-endian word to guest memory.
func WriteUint32(m Memory, addr uint64, v uint32) error {
	var b [4]byte
	le.PutUint32(b[:], v)
	return m.WritePhys(addr, b[:])
}

// Slice is guest memory backed by a byte slice starting at physical address 0.
type Slice []byte

func (s Slice) ReadPhys(addr uint64, p []byte) error {
	b, err := s.View(addr, len(p))
	if err != nil {
		return err
	}

	copy(p, b)
	return nil
}

func (s Slice) WritePhys(addr uint64, p []byte) error {
	b, err := s.View(addr, len(p))
	if err != nil {
		return err
	}

	copy(b, p)
	return nil
}

// View returns the n bytes at addr, aliasing s.
func (s Slice) View(addr uint64, n int) ([]byte, error) {
	if addr > uint64(len(s)) || uint64(n) > uint64(len(s))-addr {
		return nil, fmt.Errorf("%w: %#x+%d > %#x", ErrOutOfRange, addr, n, len(s))
	}

	return s[addr : addr+uint64(n)], nil
}

// MemAt adapts a function that returns a view of guest memory.
// The returned slice must alias guest memory.
type MemAt func(addr uint64, size int) ([]byte, error)

func (f MemAt) ReadPhys(addr uint64, p []byte) error {
	b, err := f(addr, len(p))
	if err != nil {
		return err
	}

	copy(p, b)
	return nil
}

func (f MemAt) WritePhys(addr uint64, p []byte) error {
	b, err := f(addr, len(p))
	if err != nil {
		return err
	}

	copy(b, p)
	return nil
}
