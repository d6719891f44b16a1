//go:build unix

package chardev

import (
	"errors"
	"fmt"

	"github.com/aymanbagabas/go-pty"
	"golang.org/x/term"
)

var ErrPTY = errors.New("chardev: pty failed")

// PTY is the master side of a pseudo-terminal. A usbredir peer opens
// the slave at Path as a character device.
type PTY struct {
	pty.Pty
	Path string
}

// OpenPTY allocates a pseudo-terminal and puts its slave in raw mode so
// bytes pass through untranslated.
func OpenPTY() (*PTY, error) {
	p, err := pty.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPTY, err)
	}

	up, ok := p.(pty.UnixPty)
	if !ok {
		p.Close()
		return nil, fmt.Errorf("%w: not a unix pty", ErrPTY)
	}

	slave := up.Slave()
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: raw mode: %w", ErrPTY, err)
	}

	return &PTY{Pty: p, Path: slave.Name()}, nil
}
