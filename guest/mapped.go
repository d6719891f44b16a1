//go:build linux

package guest

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapped is guest memory mapped from a file, typically on a shared-memory
// filesystem, so that another process can play the guest.
type Mapped struct {
	Slice
	f *os.File
}

// MapFile maps size bytes of the named file, creating and growing it if needed.
func MapFile(name string, size int) (*Mapped, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if fi.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, err
		}
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("guest: mmap %s: %w", name, err)
	}

	return &Mapped{Slice: mem, f: f}, nil
}

// Anonymous maps size bytes of private zeroed memory.
func Anonymous(size int) (*Mapped, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("guest: mmap anonymous: %w", err)
	}

	return &Mapped{Slice: mem}, nil
}

func (m *Mapped) Close() error {
	if m.Slice == nil {
		return nil
	}

	err := unix.Munmap(m.Slice)
	m.Slice = nil

	if m.f != nil {
		if cerr := m.f.Close(); err == nil {
			err = cerr
		}
	}

	return err
}
