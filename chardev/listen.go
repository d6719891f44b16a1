package chardev

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

var ErrAddr = errors.New("chardev: bad address")

// Listen listens on a backend address:
//
//	tcp:HOST:PORT
//	unix:PATH
//	vsock:PORT
func Listen(addr string) (net.Listener, error) {
	scheme, rest, ok := strings.Cut(addr, ":")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAddr, addr)
	}

	switch scheme {
	case "tcp", "unix":
		return net.Listen(scheme, rest)

	case "vsock":
		port, err := strconv.ParseUint(rest, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrAddr, addr, err)
		}

		return vsock.Listen(uint32(port), nil)

	default:
		return nil, fmt.Errorf("%w: unknown scheme %q", ErrAddr, scheme)
	}
}

// Dial connects to a backend address. Vsock addresses are vsock:CID:PORT.
func Dial(addr string) (net.Conn, error) {
	scheme, rest, ok := strings.Cut(addr, ":")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAddr, addr)
	}

	switch scheme {
	case "tcp", "unix":
		return net.Dial(scheme, rest)

	case "vsock":
		cid, port, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("%w: want vsock:CID:PORT, got %q", ErrAddr, addr)
		}

		c, err := strconv.ParseUint(cid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrAddr, addr, err)
		}

		p, err := strconv.ParseUint(port, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrAddr, addr, err)
		}

		return vsock.Dial(uint32(c), uint32(p), nil)

	default:
		return nil, fmt.Errorf("%w: unknown scheme %q", ErrAddr, scheme)
	}
}
