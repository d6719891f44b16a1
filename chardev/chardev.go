// Package chardev adapts blocking byte streams to the non-blocking,
// watch-driven backend a usbredir session writes to.
//
// A Backend owns two goroutines: one reads the stream and one drains the
// write buffer. Neither calls into its owner directly. Everything they
// report is handed to the owner's Post function, so the owner sees reads,
// write-ready watches and the close notification on its own loop.
package chardev

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
)

// Config describes a new Backend.
type Config struct {

	// Post runs f on the owner's loop. It is required.
	Post func(f func())

	// OnRead, if set, is posted with each chunk read from the stream.
	OnRead func(p []byte)

	// OnClose, if set, is posted once when the stream fails or ends.
	// It is not posted when the owner calls Close.
	OnClose func(err error)

	// BufferSize bounds the bytes queued for writing.
	// If BufferSize is 0, 64K is used.
	BufferSize int

	// Logger, if set, is used instead of slog.Default().
	Logger *slog.Logger
}

// Backend is a character device backend over an io.ReadWriteCloser.
type Backend struct {
	cfg Config
	log *slog.Logger
	rwc io.ReadWriteCloser

	mu      sync.Mutex
	buf     []byte
	watches []func()
	closed  bool

	wakeC chan struct{}
	doneC chan struct{}
}

const (
	BufferSizeDefault = 64 << 10
	readSize          = 16 << 10
)

var (
	ErrConfig = errors.New("chardev: invalid config")
	ErrClosed = errors.New("chardev: backend closed")
)

// New starts a backend on rwc. The backend owns rwc and closes it.
func New(rwc io.ReadWriteCloser, cfg Config) (*Backend, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	b := &Backend{
		cfg:   cfg,
		log:   cfg.Logger,
		rwc:   rwc,
		wakeC: make(chan struct{}, 1),
		doneC: make(chan struct{}),
	}

	go b.readLoop()
	go b.writeLoop()

	return b, nil
}

// Write queues as much of p as fits in the write buffer and returns the
// number of bytes queued. It never blocks.
func (b *Backend) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	n := min(len(p), b.cfg.BufferSize-len(b.buf))
	if n <= 0 {
		return 0, nil
	}

	b.buf = append(b.buf, p[:n]...)

	select {
	case b.wakeC <- struct{}{}:
	default:
	}

	return n, nil
}

// AddWatch posts f once the write buffer has room again.
func (b *Backend) AddWatch(f func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	if len(b.buf) < b.cfg.BufferSize {
		b.cfg.Post(f)
		return
	}

	b.watches = append(b.watches, f)
}

// Buffered returns the number of bytes waiting to be written.
func (b *Backend) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Close closes the stream and stops the backend's goroutines.
// Queued bytes that were not yet written are dropped.
func (b *Backend) Close() error {
	if !b.shutdown() {
		return ErrClosed
	}

	return b.rwc.Close()
}

// shutdown marks the backend closed. It reports false if it already was.
func (b *Backend) shutdown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	b.closed = true
	b.buf = nil
	b.watches = nil
	close(b.doneC)

	return true
}

// fail closes the backend on a stream error and tells the owner.
func (b *Backend) fail(err error) {
	if !b.shutdown() {
		return
	}

	if err := b.rwc.Close(); err != nil {
		b.log.Debug("chardev: close", "err", err)
	}

	if errors.Is(err, io.EOF) {
		err = nil
	}

	if b.cfg.OnClose != nil {
		b.cfg.Post(func() { b.cfg.OnClose(err) })
	}
}

func (b *Backend) readLoop() {
	p := make([]byte, readSize)
	for {
		n, err := b.rwc.Read(p)
		if n > 0 && b.cfg.OnRead != nil {
			chunk := slices.Clone(p[:n])
			b.cfg.Post(func() { b.cfg.OnRead(chunk) })
		}

		if err != nil {
			b.fail(err)
			return
		}
	}
}

func (b *Backend) writeLoop() {
	for {
		select {
		case <-b.doneC:
			return
		case <-b.wakeC:
		}

		for {
			b.mu.Lock()
			if b.closed || len(b.buf) == 0 {
				b.mu.Unlock()
				break
			}

			p := slices.Clone(b.buf)
			b.mu.Unlock()

			n, err := b.rwc.Write(p)

			b.mu.Lock()
			if !b.closed {
				b.buf = b.buf[n:]
			}

			ws := b.watches
			b.watches = nil
			b.mu.Unlock()

			for _, f := range ws {
				b.cfg.Post(f)
			}

			if err != nil {
				b.log.Warn("chardev: write failed", "err", err)
				b.fail(err)
				return
			}
		}
	}
}

func (cfg Config) validate() error {
	if cfg.Post == nil {
		return errors.New("post function is not set")
	}

	if cfg.BufferSize < 0 {
		return fmt.Errorf("buffer size is negative: %d", cfg.BufferSize)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = BufferSizeDefault
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
