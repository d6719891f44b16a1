// Package udc emulates a Chipidea-style USB 2.0 high-speed device
// controller as found on Nuvoton NPCM BMCs.
//
// The controller exposes its register file through HandleMMIO and moves
// transfer data between guest memory and a Host, usually a usbredir
// session. A Controller is not safe for concurrent use; callers
// serialize MMIO accesses and Host callbacks on a single goroutine.
package udc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c35s/udcredir/guest"
)

// Config describes a new controller.
type Config struct {

	// Name identifies the controller in logs.
	// If Name is empty, "udc" is used.
	Name string

	// Model selects the register reset values.
	Model Model

	// Memory is the guest memory holding queue heads, transfer
	// descriptors and buffers. It is required.
	Memory guest.Memory

	// IRQ, if set, is called with the interrupt line level
	// whenever it is re-evaluated.
	IRQ func(level bool)

	// Logger, if set, receives the controller's logs.
	// If Logger is nil, slog.Default() is used.
	Logger *slog.Logger
}

// Host is the far side of the USB link. The controller calls it when
// the guest acknowledges a connection or completes a transfer.
type Host interface {

	// AttachComplete is called when the guest acknowledges the port change
	// that signalled the attachment.
	AttachComplete()

	// ControlTransferComplete is called with the data the guest sent on
	// endpoint 0 IN. It returns the number of bytes accepted.
	ControlTransferComplete(data []byte) int

	// DataInComplete is called with the data the guest sent on an IN
	// endpoint other than 0. It returns the number of bytes accepted.
	DataInComplete(ep uint8, data []byte) int

	// DataOutComplete is called when the guest re-arms an OUT endpoint,
	// acknowledging the data it last received.
	DataOutComplete(ep uint8)

	// Disconnect is called when the guest stops the controller while a
	// host is attached.
	Disconnect()

	// EndpointStalled is called when the guest halts an endpoint. The
	// address carries the direction in bit 7.
	EndpointStalled(addr uint8)
}

// State summarizes the controller's lifecycle.
type State int

const (
	StateReset State = iota
	StateInitialized
	StateRunning
	StateEnumerable
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateEnumerable:
		return "enumerable"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Controller struct {
	cfg  Config
	log  *slog.Logger
	mem  guest.Memory
	host Host

	r        regs
	running  bool
	attached bool
	irq      bool

	// next OUT dTD to fill per endpoint, 0 to start from the queue head
	nextRxTD [MaxEndpoints]uint32

	// endpoint 0 OUT data stage waiting for the guest to prime
	ep0Out []byte

	// the last injected setup was device-to-host
	ep0In  bool
	setups uint32

	// the IN data stage was sent; the status stage completes when the
	// guest primes endpoint 0 OUT
	ep0Status bool
}

var (
	ErrConfig      = errors.New("udc: invalid config")
	ErrAccess      = errors.New("udc: unsupported register access")
	ErrNotRunning  = errors.New("udc: controller not running")
	ErrAttached    = errors.New("udc: host attached")
	ErrEndpoint    = errors.New("udc: invalid endpoint")
	ErrDescriptor  = errors.New("udc: invalid transfer descriptor")
	ErrDMA         = errors.New("udc: guest memory access failed")
	ErrNotConsumed = errors.New("udc: transfer not accepted by host")
)

var le = binary.LittleEndian

// New creates a controller in its reset state.
func New(cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	c := &Controller{
		cfg:  cfg,
		log:  cfg.Logger.With("udc", cfg.Name),
		mem:  cfg.Memory,
		host: nopHost{},
	}

	c.reset()
	return c, nil
}

// Bind connects the controller to a host.
// Passing nil disconnects it.
func (c *Controller) Bind(h Host) {
	if h == nil {
		h = nopHost{}
	}

	c.host = h
}

// HandleMMIO reads or writes the register at off. Only aligned 32-bit
// accesses are supported.
func (c *Controller) HandleMMIO(off int, data []byte, isWrite bool) error {
	if len(data) != 4 || off%4 != 0 || off < 0 || off >= 0x1000 {
		return fmt.Errorf("%w: %d bytes at %#x", ErrAccess, len(data), off)
	}

	if isWrite {
		c.Write(off, le.Uint32(data))
		return nil
	}

	le.PutUint32(data, c.Read(off))
	return nil
}

// Read returns the value of the register at off.
func (c *Controller) Read(off int) uint32 {
	switch off {
	case RegDCCParams:
		return dccParams

	case RegUSBCmd:
		return c.r.cmd

	case RegUSBSts:
		return c.r.sts

	case RegUSBIntr:
		return c.r.intr

	case RegEndpointListAddr:
		return c.r.listAddr

	case RegPortSC1:
		return c.r.portsc

	case RegUSBMode:
		return c.r.mode

	case RegEndptSetupStat:
		return c.r.setupStat

	case RegEndptPrime, RegEndptFlush:
		return 0

	case RegEndptStat:
		return c.r.stat

	case RegEndptComplete:
		return c.r.complete
	}

	if n, ok := ctrlIndex(off); ok {
		return c.r.ctrl[n]
	}

	guest.LogError(c.log, "read of unimplemented register", "off", fmt.Sprintf("%#x", off))
	return 0
}

// Write applies a guest write of v to the register at off.
func (c *Controller) Write(off int, v uint32) {
	switch off {
	case RegDCCParams, RegEndptStat:
		guest.LogError(c.log, "write to read-only register",
			"off", fmt.Sprintf("%#x", off), "value", fmt.Sprintf("%#x", v))

	case RegUSBCmd:
		c.writeCommand(v)

	case RegUSBSts:
		c.writeStatus(v)

	case RegUSBIntr:
		c.r.intr = v
		c.updateIRQ()

	case RegEndpointListAddr:
		c.r.listAddr = v

	case RegPortSC1:
		c.r.portsc = merge(c.r.portsc, v, portRO, 0)

	case RegUSBMode:
		c.r.mode = v

	case RegEndptSetupStat:
		c.r.setupStat &^= v

	case RegEndptPrime:
		c.prime(v)

	case RegEndptFlush:
		c.flush(v)

	case RegEndptComplete:
		c.r.complete &^= v

	default:
		if n, ok := ctrlIndex(off); ok {
			c.writeEndpointCtrl(n, v)
			return
		}

		guest.LogError(c.log, "write to unimplemented register",
			"off", fmt.Sprintf("%#x", off), "value", fmt.Sprintf("%#x", v))
	}
}

// IRQLevel reports the current interrupt line level.
func (c *Controller) IRQLevel() bool {
	return c.irq
}

// State reports where the controller is in its lifecycle.
func (c *Controller) State() State {
	switch {
	case c.running && c.attached:
		return StateEnumerable
	case c.running:
		return StateRunning
	case c.r.mode&3 == modeDevice && c.r.listAddr != 0:
		return StateInitialized
	default:
		return StateReset
	}
}

// Reset returns every register to its reset value on the host's behalf.
// It is refused while a host is attached.
func (c *Controller) Reset() error {
	if c.attached {
		guest.LogError(c.log, "host reset ignored while attached")
		return ErrAttached
	}

	c.reset()
	c.updateIRQ()
	return nil
}

func (c *Controller) reset() {
	c.r = regs{
		cmd:    cmdReset,
		mode:   modeReset,
		portsc: c.cfg.Model.PortSCReset(),
	}

	c.r.ctrl[0] = ctrl0Reset

	c.running = false
	c.nextRxTD = [MaxEndpoints]uint32{}
	c.ep0Out = nil
	c.ep0In = false
	c.ep0Status = false
}

func (c *Controller) writeCommand(v uint32) {
	wasRunning := c.running

	c.r.cmd = v
	if v&CmdReset != 0 {
		c.reset()
	}

	c.running = c.r.cmd&CmdRun != 0

	switch {
	case c.running && !wasRunning:
		c.log.Debug("controller started", "attached", c.attached)
		if c.attached {
			c.r.portsc |= PortCCS
			c.r.sts |= StsPCD
		}

	case !c.running && wasRunning:
		c.log.Debug("controller stopped", "attached", c.attached)
		if c.attached {
			c.host.Disconnect()
		}
	}

	c.updateIRQ()
}

func (c *Controller) writeStatus(v uint32) {
	c.r.sts = merge(c.r.sts, v, stsRO, stsW1C)

	if c.running && c.attached && v&StsPCD != 0 {
		c.host.AttachComplete()
	}

	c.updateIRQ()
}

func (c *Controller) flush(v uint32) {
	c.r.stat &^= v
	for ep := 0; ep < MaxEndpoints; ep++ {
		if v&(1<<ep) != 0 {
			c.nextRxTD[ep] = 0
		}
	}
}

func (c *Controller) updateIRQ() {
	c.irq = c.running && c.r.sts&c.r.intr != 0
	if c.cfg.IRQ != nil {
		c.cfg.IRQ(c.irq)
	}
}

func (c *Controller) writeEndpointCtrl(n int, v uint32) {
	prev := c.r.ctrl[n]
	c.r.ctrl[n] = merge(prev, v, ctrlRO, 0)

	set := c.r.ctrl[n] &^ prev
	if !c.attached {
		return
	}

	if set&CtrlRXStall != 0 {
		c.host.EndpointStalled(uint8(n))
	}

	if set&CtrlTXStall != 0 {
		c.host.EndpointStalled(uint8(n) | 0x80)
	}
}

// ctrlIndex maps an ENDPTCTRLn offset to n.
func ctrlIndex(off int) (int, bool) {
	n := (off - RegEndptCtrl0) / 4
	if off < RegEndptCtrl0 || n >= numCtrl {
		return 0, false
	}

	return n, true
}

func (cfg Config) validate() error {
	if cfg.Memory == nil {
		return errors.New("memory is not set")
	}

	if cfg.Model != NPCM7xx && cfg.Model != NPCM8xx {
		return fmt.Errorf("unknown model %v", cfg.Model)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Name == "" {
		cfg.Name = "udc"
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

type nopHost struct{}

func (nopHost) AttachComplete()                    {}
func (nopHost) ControlTransferComplete([]byte) int { return 0 }
func (nopHost) DataInComplete(uint8, []byte) int   { return 0 }
func (nopHost) DataOutComplete(uint8)              {}
func (nopHost) Disconnect()                        {}
func (nopHost) EndpointStalled(uint8)              {}
