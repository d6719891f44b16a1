//go:build !unix

package chardev

import (
	"errors"
	"io"
)

var ErrPTY = errors.New("chardev: pty failed")

// PTY is unavailable on this platform.
type PTY struct {
	io.ReadWriteCloser
	Path string
}

func OpenPTY() (*PTY, error) {
	return nil, ErrPTY
}
