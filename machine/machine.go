// Package machine assembles device controllers, guest memory and usbredir
// transports into a runnable machine model.
//
// Everything that touches controller or session state runs on a single
// loop goroutine started by Run. MMIO accesses, transport reads and
// accepted connections are posted to that loop.
package machine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/c35s/udcredir/chardev"
	"github.com/c35s/udcredir/guest"
	"github.com/c35s/udcredir/mmio"
	"github.com/c35s/udcredir/udc"
	"github.com/c35s/udcredir/usbredir"
	"golang.org/x/sync/errgroup"
)

// Config describes a new machine.
type Config struct {

	// MemSize is the size of guest memory in bytes. It is ignored if
	// Memory is set. If MemSize is 0, the machine has 64M of memory.
	MemSize int

	// Memory, if set, is used as guest memory. The caller owns it.
	Memory guest.Memory

	// UDCs configures the machine's device controllers.
	// If UDCs is empty, the machine has one NPCM7xx controller.
	UDCs []UDCConfig

	// Logger, if set, is used instead of slog.Default().
	Logger *slog.Logger
}

// UDCConfig describes a device controller and its usbredir transport.
type UDCConfig struct {

	// Model selects the register reset values.
	Model udc.Model

	// Listen is the chardev address a usbredir peer connects to, or
	// "pty" to expose the session on a pseudo-terminal. If Listen is
	// empty, sessions are started with Machine.Connect.
	Listen string
}

type Machine struct {
	cfg  Config
	log  *slog.Logger
	mem  guest.Memory
	free func() error
	bus  *mmio.Bus
	loop *loop
	udcs []*port

	mu   sync.Mutex
	irqs map[int]bool
}

const (
	MemSizeMin     = 1 << 20  // 1M
	MemSizeDefault = 64 << 20 // 64M
	MemSizeMax     = 1 << 32  // 4G

	// BaseAddr and BaseIRQ place the first controller where the
	// NPCM845 has its first UDC.
	BaseAddr = 0xf0830000
	BaseIRQ  = 51

	// MaxUDCs is the number of UDC apertures on the NPCM845.
	MaxUDCs = 10
)

var le = binary.LittleEndian

var (
	ErrConfig      = errors.New("machine: invalid config")
	ErrAllocMemory = errors.New("machine: memory allocation failed")
	ErrAddUDC      = errors.New("machine: add UDC failed")
	ErrListen      = errors.New("machine: listen failed")
	ErrNoDevice    = errors.New("machine: no device at address")
	ErrNoUDC       = errors.New("machine: no such UDC")
)

// New creates a machine. Call Run to start it.
func New(cfg Config) (*Machine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	m := &Machine{
		cfg:  cfg,
		log:  cfg.Logger,
		mem:  cfg.Memory,
		free: func() error { return nil },
		bus:  mmio.NewBus(BaseAddr, BaseIRQ),
		loop: newLoop(),
		irqs: make(map[int]bool),
	}

	if m.mem == nil {
		mem, free, err := allocMemory(cfg.MemSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAllocMemory, err)
		}

		m.mem, m.free = mem, free
	}

	for i, uc := range cfg.UDCs {
		p, err := m.addUDC(i, uc)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("%w: udc%d: %w", ErrAddUDC, i, err)
		}

		m.udcs = append(m.udcs, p)
	}

	return m, nil
}

func (m *Machine) addUDC(i int, uc UDCConfig) (*port, error) {
	p := &port{
		m:    m,
		name: fmt.Sprintf("udc%d", i),
	}

	p.log = m.log.With("udc", p.name)

	info, err := m.bus.Add(p.name, func(info mmio.DeviceInfo) (mmio.Region, error) {
		c, err := udc.New(udc.Config{
			Name:   info.Name,
			Model:  uc.Model,
			Memory: m.mem,
			IRQ:    func(level bool) { m.setIRQ(info.IRQ, level) },
			Logger: p.log,
		})

		if err != nil {
			return nil, err
		}

		p.udc = c
		return c, nil
	})

	if err != nil {
		return nil, err
	}

	p.info = info
	p.host = usbredir.NewHost(usbredir.HostConfig{Logger: p.log})
	p.udc.Bind(p.host)
	p.host.Bind(p.udc)

	switch uc.Listen {
	case "":

	case "pty":
		pty, err := chardev.OpenPTY()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrListen, err)
		}

		p.pty = pty
		p.log.Info("usbredir pty", "path", pty.Path)

	default:
		lis, err := chardev.Listen(uc.Listen)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrListen, err)
		}

		p.lis = lis
		p.log.Info("usbredir listening", "addr", lis.Addr())
	}

	return p, nil
}

// Run runs the machine's loop and transports until ctx is done or a
// listener fails.
func (m *Machine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.loop.run(ctx)
	})

	for _, p := range m.udcs {
		p := p

		if p.pty != nil {
			m.loop.post(func() { p.open(p.pty) })
		}

		if p.lis != nil {
			g.Go(func() error {
				return p.serve(ctx)
			})
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		for _, p := range m.udcs {
			if p.lis != nil {
				p.lis.Close()
			}
		}

		return nil
	})

	if err := g.Wait(); !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// Close releases the machine's transports and memory. Call it after Run
// returns.
func (m *Machine) Close() error {
	for _, p := range m.udcs {
		p.close()
	}

	return m.free()
}

// Devices describes the machine's MMIO devices.
func (m *Machine) Devices() []mmio.DeviceInfo {
	return m.bus.Devices()
}

// Memory returns guest memory. Access it through ReadMemory and
// WriteMemory while the machine runs.
func (m *Machine) Memory() guest.Memory {
	return m.mem
}

// ReadMMIO reads len(data) bytes of device registers at addr.
func (m *Machine) ReadMMIO(ctx context.Context, addr uint64, data []byte) error {
	return m.mmio(ctx, addr, data, false)
}

// WriteMMIO writes data to device registers at addr.
func (m *Machine) WriteMMIO(ctx context.Context, addr uint64, data []byte) error {
	return m.mmio(ctx, addr, data, true)
}

// Read32 reads a 32-bit register.
func (m *Machine) Read32(ctx context.Context, addr uint64) (uint32, error) {
	var b [4]byte
	if err := m.ReadMMIO(ctx, addr, b[:]); err != nil {
		return 0, err
	}

	return le.Uint32(b[:]), nil
}

// Write32 writes a 32-bit register.
func (m *Machine) Write32(ctx context.Context, addr uint64, v uint32) error {
	var b [4]byte
	le.PutUint32(b[:], v)
	return m.WriteMMIO(ctx, addr, b[:])
}

func (m *Machine) mmio(ctx context.Context, addr uint64, data []byte, isWrite bool) error {
	var (
		found bool
		err   error
	)

	doErr := m.loop.do(ctx, func() {
		found, err = m.bus.HandleMMIO(addr, data, isWrite)
	})

	if doErr != nil {
		return doErr
	}

	if !found {
		guest.LogError(m.log, "mmio access to unmapped address", "addr", fmt.Sprintf("%#x", addr), "write", isWrite)
		return fmt.Errorf("%w: %#x", ErrNoDevice, addr)
	}

	return err
}

// ReadMemory reads guest memory on the loop.
func (m *Machine) ReadMemory(ctx context.Context, addr uint64, p []byte) error {
	var err error
	if doErr := m.loop.do(ctx, func() { err = m.mem.ReadPhys(addr, p) }); doErr != nil {
		return doErr
	}

	return err
}

// WriteMemory writes guest memory on the loop.
func (m *Machine) WriteMemory(ctx context.Context, addr uint64, p []byte) error {
	var err error
	if doErr := m.loop.do(ctx, func() { err = m.mem.WritePhys(addr, p) }); doErr != nil {
		return doErr
	}

	return err
}

// LoadImage loads a cpio memory image into guest memory on the loop.
func (m *Machine) LoadImage(ctx context.Context, r io.Reader) (n int, err error) {
	if doErr := m.loop.do(ctx, func() { n, err = guest.LoadImage(m.mem, r) }); doErr != nil {
		return 0, doErr
	}

	return n, err
}

// IRQ reports the level of an interrupt line.
func (m *Machine) IRQ(n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.irqs[n]
}

func (m *Machine) setIRQ(n int, level bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.irqs[n] != level {
		m.log.Debug("irq", "n", n, "level", level)
	}

	m.irqs[n] = level
}

// Connect starts a usbredir session for UDC i over rwc. A session that
// is already active is kept and rwc is closed.
func (m *Machine) Connect(i int, rwc io.ReadWriteCloser) error {
	if i < 0 || i >= len(m.udcs) {
		return fmt.Errorf("%w: %d", ErrNoUDC, i)
	}

	p := m.udcs[i]
	m.loop.post(func() { p.open(rwc) })
	return nil
}

// Status describes a UDC and its session.
type Status struct {
	Info      mmio.DeviceInfo
	Transport string
	State     udc.State
	IRQ       bool
	Session   bool
	Attached  bool
	Connected bool
}

// Status reports the state of every UDC.
func (m *Machine) Status(ctx context.Context) ([]Status, error) {
	var ss []Status
	err := m.loop.do(ctx, func() {
		for _, p := range m.udcs {
			ss = append(ss, Status{
				Info:      p.info,
				Transport: p.transport(),
				State:     p.udc.State(),
				IRQ:       p.udc.IRQLevel(),
				Session:   p.be != nil,
				Attached:  p.host.Attached(),
				Connected: p.host.Connected(),
			})
		}
	})

	return ss, err
}

// Disconnect ends UDC i's usbredir session, if any.
func (m *Machine) Disconnect(ctx context.Context, i int) error {
	if i < 0 || i >= len(m.udcs) {
		return fmt.Errorf("%w: %d", ErrNoUDC, i)
	}

	p := m.udcs[i]
	return m.loop.do(ctx, p.hangup)
}

func (cfg Config) validate() error {
	if cfg.Memory == nil {
		if cfg.MemSize < MemSizeMin {
			return fmt.Errorf("memory is too small: %d < %d", cfg.MemSize, MemSizeMin)
		}

		if cfg.MemSize > MemSizeMax {
			return fmt.Errorf("memory is too large: %d > %d", cfg.MemSize, MemSizeMax)
		}
	}

	if len(cfg.UDCs) > MaxUDCs {
		return fmt.Errorf("too many UDCs: %d > %d", len(cfg.UDCs), MaxUDCs)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MemSize == 0 {
		cfg.MemSize = MemSizeDefault
	}

	if len(cfg.UDCs) == 0 {
		cfg.UDCs = []UDCConfig{{Model: udc.NPCM7xx}}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
