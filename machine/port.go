package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/c35s/udcredir/chardev"
	"github.com/c35s/udcredir/mmio"
	"github.com/c35s/udcredir/udc"
	"github.com/c35s/udcredir/usbredir"
)

// port is a UDC with its usbredir host and transport.
type port struct {
	m    *Machine
	name string
	log  *slog.Logger
	info mmio.DeviceInfo
	udc  *udc.Controller
	host *usbredir.Host

	lis net.Listener
	pty *chardev.PTY

	// loop-owned
	be *chardev.Backend
}

// serve accepts connections until the listener is closed.
func (p *port) serve(ctx context.Context) error {
	for {
		c, err := p.lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			return fmt.Errorf("%s: accept: %w", p.name, err)
		}

		p.log.Info("usbredir peer connected", "remote", c.RemoteAddr())
		p.m.loop.post(func() { p.open(c) })
	}
}

// open starts a session over rwc. It runs on the loop.
func (p *port) open(rwc io.ReadWriteCloser) {
	if p.be != nil {
		p.log.Warn("usbredir: session active, rejecting connection")
		rwc.Close()
		return
	}

	var be *chardev.Backend

	be, err := chardev.New(rwc, chardev.Config{
		Post:   p.m.loop.post,
		Logger: p.log,

		OnRead: func(b []byte) {
			if p.be == be {
				p.host.Receive(b)
			}
		},

		OnClose: func(err error) {
			if p.be != be {
				return
			}

			if err != nil {
				p.log.Warn("usbredir: transport failed", "err", err)
			}

			p.be = nil
			p.host.Close()
		},
	})

	if err != nil {
		p.log.Error("usbredir: backend", "err", err)
		rwc.Close()
		return
	}

	if err := p.host.Open(be); err != nil {
		p.log.Error("usbredir: open session", "err", err)
		be.Close()
		return
	}

	p.be = be
}

// hangup ends the active session. It runs on the loop.
func (p *port) hangup() {
	if p.be == nil {
		return
	}

	be := p.be
	p.be = nil
	p.host.Close()
	be.Close()
}

// transport names where a peer reaches the port.
func (p *port) transport() string {
	switch {
	case p.lis != nil:
		a := p.lis.Addr()
		return a.Network() + ":" + a.String()
	case p.pty != nil:
		return "pty:" + p.pty.Path
	default:
		return ""
	}
}

func (p *port) close() {
	if p.lis != nil {
		p.lis.Close()
	}

	if p.be != nil {
		p.be.Close()
		p.be = nil
	}

	if p.pty != nil {
		p.pty.Close()
	}
}
