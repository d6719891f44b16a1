package usbredir

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/c35s/udcredir/guest"
)

// Device is the emulated controller a Host presents to its peer.
type Device interface {

	// Attach signals that a peer connected. It returns the control endpoint.
	Attach() uint8

	// Detach signals that the peer went away.
	Detach()

	// Reset resets the device on the peer's request.
	Reset() error

	// ControlTransfer delivers a setup packet and, for host-to-device
	// requests, its data stage.
	ControlTransfer(ep, requestType, request uint8, value, index, length uint16, data []byte) error

	// DataOut delivers a bulk OUT packet and returns how many of its
	// bytes the device accepted.
	DataOut(ep uint8, data []byte) (int, error)

	SetConfiguration(cfg uint8) error
	SetInterface(iface, alt uint8) error
}

// Backend is the byte stream to the peer.
type Backend interface {

	// Write writes as much of p as the backend accepts without blocking.
	Write(p []byte) (int, error)

	// AddWatch arranges for f to be called once the backend can
	// accept more bytes.
	AddWatch(f func())
}

// HostConfig describes a new Host.
type HostConfig struct {

	// Version is sent in hello. If Version is empty, "udcredir" is used.
	Version string

	// Logger, if set, receives the host's and parser's logs.
	// If Logger is nil, slog.Default() is used.
	Logger *slog.Logger
}

// Host is the usb-host side of a usbredir session. It translates between
// the peer's packets and a Device, correlating each of the peer's
// requests with the device's eventual response.
//
// A Host is not safe for concurrent use. Receive, the watch callbacks
// and the Device's completion callbacks must run on one goroutine.
type Host struct {
	cfg HostConfig
	log *slog.Logger
	dev Device

	be       Backend
	p        *Parser
	gen      int
	watching bool

	attached  bool
	connected bool
	ep0       ep0State
	nextID    uint64

	config        *configDesc
	maxPacket0    uint16
	configuration uint8
	alt           map[uint8]uint8

	control   *request
	setConfig *request
	setAlt    *request
	in        map[uint8][]request
	out       map[uint8][]request
}

// request is an outstanding request from the peer.
type request struct {
	id     uint64
	ep     uint8
	length int
	stream uint32
	status Status
	ctrl   ControlPacket
	iface  uint8
	value  uint8
}

// ep0State tracks the single transfer that may be in flight on the
// device's control endpoint.
type ep0State int

const (
	ep0Idle      ep0State = iota
	ep0Config             // GET_DESCRIPTOR(CONFIGURATION)
	ep0Device             // GET_DESCRIPTOR(DEVICE)
	ep0SetConfig          // SET_CONFIGURATION
	ep0SetAlt             // SET_INTERFACE
	ep0Control            // the peer's control packet
	ep0Cancelled          // the peer cancelled; swallow the response
)

const reqGetDescriptor = 6

// HostCaps are the capabilities a Host advertises.
var HostCaps = Caps(0).With(
	CapConnectDeviceVersion,
	CapDeviceDisconnectAck,
	CapEPInfoMaxPacketSize,
	Cap64BitIDs,
	Cap32BitBulkLength,
)

var (
	ErrClosed = errors.New("usbredir: session closed")
	ErrBusy   = errors.New("usbredir: session already open")
)

// NewHost creates a host with no session.
func NewHost(cfg HostConfig) *Host {
	cfg = cfg.withDefaults()
	h := &Host{
		cfg: cfg,
		log: cfg.Logger,
		dev: nopDevice{},
	}

	h.resetDevice()
	return h
}

// Bind sets the device presented to peers.
func (h *Host) Bind(dev Device) {
	h.dev = dev
}

// Open starts a session over be and sends hello.
func (h *Host) Open(be Backend) error {
	if h.p != nil {
		return ErrBusy
	}

	h.gen++
	h.be = be
	h.p = NewParser(HostCaps, h.log)
	h.p.Queue(Packet{Body: Hello{Version: h.cfg.Version, Caps: HostCaps}})
	h.flush()

	return nil
}

// Close ends the session, detaching the device if the peer had said hello.
func (h *Host) Close() {
	if h.p == nil {
		return
	}

	if h.attached {
		h.dev.Detach()
	}

	h.gen++
	h.be = nil
	h.p = nil
	h.watching = false
	h.attached = false
	h.resetDevice()
	h.log.Info("usbredir: session closed")
}

// Attached reports whether the peer has said hello.
func (h *Host) Attached() bool {
	return h.attached
}

// Connected reports whether the device has been announced to the peer.
func (h *Host) Connected() bool {
	return h.connected
}

// Receive handles bytes read from the backend.
func (h *Host) Receive(b []byte) {
	if h.p == nil {
		return
	}

	h.p.Feed(b)
	for h.p != nil {
		pkt, ok, err := h.p.Next()
		if err != nil {
			h.log.Error("usbredir: unrecoverable stream", "err", err)
			h.Close()
			return
		}

		if !ok {
			return
		}

		h.dispatch(pkt)
	}
}

func (h *Host) dispatch(pkt Packet) {
	switch b := pkt.Body.(type) {
	case Hello:
		h.attached = true
		if ep := h.dev.Attach(); ep != 0 {
			h.log.Warn("usbredir: unexpected control endpoint", "ep", ep)
		}

	case Reset:
		if err := h.dev.Reset(); err != nil {
			h.log.Warn("usbredir: reset refused", "err", err)
		}

	case SetConfiguration:
		h.handleSetConfiguration(pkt.ID, b)

	case GetConfiguration:
		h.send(Packet{ID: pkt.ID, Body: ConfigurationStatus{Configuration: h.configuration}})

	case SetAltSetting:
		h.handleSetAltSetting(pkt.ID, b)

	case GetAltSetting:
		h.send(Packet{ID: pkt.ID, Body: AltSettingStatus{Interface: b.Interface, Alt: h.alt[b.Interface]}})

	case CancelDataPacket:
		h.cancel(pkt.ID)

	case ControlPacket:
		h.handleControlPacket(pkt.ID, b, pkt.Data)

	case BulkPacket:
		h.handleBulkPacket(pkt.ID, b, pkt.Data)

	case DeviceDisconnectAck:
		h.log.Debug("usbredir: device disconnect acknowledged")

	default:
		h.log.Warn("usbredir: unsupported packet", "type", pkt.Type(), "id", pkt.ID)
	}
}

func (h *Host) handleSetConfiguration(id uint64, b SetConfiguration) {
	if h.ep0 != ep0Idle {
		h.log.Warn("usbredir: set_configuration refused, control endpoint busy", "id", id)
		h.send(Packet{ID: id, Body: ConfigurationStatus{Status: StatusInval, Configuration: h.configuration}})
		return
	}

	h.setConfig = &request{id: id, value: b.Configuration}
	h.ep0 = ep0SetConfig

	if err := h.dev.SetConfiguration(b.Configuration); err != nil {
		h.log.Warn("usbredir: set_configuration failed", "cfg", b.Configuration, "err", err)
		h.ep0 = ep0Idle
		h.finishStatus(StatusIOError)
	}
}

func (h *Host) handleSetAltSetting(id uint64, b SetAltSetting) {
	if h.ep0 != ep0Idle {
		h.log.Warn("usbredir: set_alt_setting refused, control endpoint busy", "id", id)
		h.send(Packet{ID: id, Body: AltSettingStatus{Status: StatusInval, Interface: b.Interface, Alt: h.alt[b.Interface]}})
		return
	}

	h.setAlt = &request{id: id, iface: b.Interface, value: b.Alt}
	h.ep0 = ep0SetAlt

	if err := h.dev.SetInterface(b.Interface, b.Alt); err != nil {
		h.log.Warn("usbredir: set_alt_setting failed", "iface", b.Interface, "alt", b.Alt, "err", err)
		h.ep0 = ep0Idle
		h.finishStatus(StatusIOError)
	}
}

func (h *Host) handleControlPacket(id uint64, cp ControlPacket, data []byte) {
	reply := func(st Status) {
		resp := cp
		resp.Status = st
		resp.Length = 0
		h.send(Packet{ID: id, Body: resp})
	}

	if cp.Endpoint&0x7f != 0 {
		h.log.Debug("usbredir: control transfer on data endpoint", "ep", cp.Endpoint, "id", id)
		reply(StatusSuccess)
		return
	}

	if h.ep0 != ep0Idle {
		h.log.Warn("usbredir: control transfer refused, control endpoint busy", "id", id)
		reply(StatusInval)
		return
	}

	if cp.RequestType&0x80 == 0 && int(cp.Length) != len(data) {
		h.log.Warn("usbredir: control transfer length mismatch", "id", id, "length", cp.Length, "data", len(data))
		reply(StatusInval)
		return
	}

	h.control = &request{id: id, ctrl: cp}
	h.ep0 = ep0Control

	err := h.dev.ControlTransfer(0, cp.RequestType, cp.Request, cp.Value, cp.Index, cp.Length, data)
	if err != nil {
		h.log.Warn("usbredir: control transfer failed", "id", id, "err", err)
		h.control = nil
		h.ep0 = ep0Idle
		reply(StatusIOError)
	}
}

func (h *Host) handleBulkPacket(id uint64, bp BulkPacket, data []byte) {
	req := request{id: id, ep: bp.Endpoint, length: int(bp.Length), stream: bp.StreamID}

	if bp.Endpoint&0x80 != 0 {
		if len(data) != 0 {
			h.log.Warn("usbredir: bulk IN request with data", "id", id, "ep", bp.Endpoint)
		}

		h.in[bp.Endpoint] = append(h.in[bp.Endpoint], req)
		return
	}

	if int(bp.Length) != len(data) {
		h.log.Warn("usbredir: bulk OUT length mismatch", "id", id, "length", bp.Length, "data", len(data))
		h.sendBulk(req, StatusInval, nil)
		return
	}

	h.out[bp.Endpoint] = append(h.out[bp.Endpoint], req)

	n, err := h.dev.DataOut(bp.Endpoint, data)
	q := h.out[bp.Endpoint]

	if err != nil {
		h.log.Warn("usbredir: bulk OUT failed", "id", id, "ep", bp.Endpoint, "err", err)
		h.out[bp.Endpoint] = q[:len(q)-1]

		req.length = 0
		h.sendBulk(req, StatusIOError, nil)
		return
	}

	// the guest's buffer was too short; the rest is lost
	if n < len(data) {
		h.log.Warn("usbredir: bulk OUT truncated", "id", id, "ep", bp.Endpoint, "length", len(data), "accepted", n)
		q[len(q)-1].length = n
		q[len(q)-1].status = StatusBabble
	}
}

// cancel cancels the request with the given id along with every other
// request outstanding on the same endpoint, in the order received.
func (h *Host) cancel(id uint64) {
	if h.control != nil && h.control.id == id {
		resp := h.control.ctrl
		resp.Status = StatusCancelled
		resp.Length = 0

		h.send(Packet{ID: id, Body: resp})
		h.control = nil
		h.ep0 = ep0Cancelled
		return
	}

	for _, queues := range []map[uint8][]request{h.in, h.out} {
		for ep, q := range queues {
			if !slices.ContainsFunc(q, func(r request) bool { return r.id == id }) {
				continue
			}

			delete(queues, ep)
			for _, r := range q {
				r.length = 0
				h.sendBulk(r, StatusCancelled, nil)
			}

			return
		}
	}

	h.log.Debug("usbredir: cancel of unknown request", "id", id)
}

// AttachComplete starts enumeration once the guest acknowledged the connection.
func (h *Host) AttachComplete() {
	if h.p == nil || !h.attached {
		return
	}

	if h.connected || h.ep0 != ep0Idle {
		h.log.Debug("usbredir: attach acknowledged again", "connected", h.connected)
		return
	}

	h.requestConfig()
}

// ControlTransferComplete handles the guest's response on endpoint 0.
func (h *Host) ControlTransferComplete(data []byte) int {
	if h.p == nil || !h.attached {
		return 0
	}

	switch h.ep0 {
	case ep0Control:
		req := h.control
		h.control = nil
		h.ep0 = ep0Idle

		resp := req.ctrl
		resp.Status = StatusSuccess

		if resp.RequestType&0x80 == 0 {
			h.send(Packet{ID: req.id, Body: resp})
			return len(data)
		}

		n := len(data)
		if n > int(resp.Length) {
			resp.Status = StatusBabble
			data = data[:resp.Length]
		}

		resp.Length = uint16(len(data))
		h.send(Packet{ID: req.id, Body: resp, Data: data})
		return n

	case ep0Config:
		return h.configReceived(data)

	case ep0Device:
		return h.deviceReceived(data)

	case ep0SetConfig:
		h.configuration = h.setConfig.value
		clear(h.alt)
		h.requestConfig()
		return len(data)

	case ep0SetAlt:
		h.alt[h.setAlt.iface] = h.setAlt.value
		h.requestConfig()
		return len(data)

	case ep0Cancelled:
		h.ep0 = ep0Idle
		return len(data)

	default:
		guest.LogError(h.log, "unsolicited control response", "len", len(data))
		return 0
	}
}

// DataInComplete sends data from an IN endpoint to the peer, answering
// the oldest outstanding request on the endpoint if there is one.
func (h *Host) DataInComplete(ep uint8, data []byte) int {
	if h.p == nil || !h.attached {
		return 0
	}

	var (
		addr = ep | 0x80
		n    = len(data)
		st   = StatusSuccess
		req  request
	)

	if q := h.in[addr]; len(q) > 0 {
		req = q[0]
		h.in[addr] = q[1:]

		if n > req.length {
			st = StatusBabble
			data = data[:req.length]
		}
	} else {
		req = request{id: h.newID(), ep: addr}
	}

	req.length = len(data)
	h.sendBulk(req, st, data)
	return n
}

// DataOutComplete acknowledges the oldest bulk OUT packet on ep.
func (h *Host) DataOutComplete(ep uint8) {
	if h.p == nil {
		return
	}

	q := h.out[ep]
	if len(q) == 0 {
		return
	}

	h.out[ep] = q[1:]
	h.sendBulk(q[0], q[0].status, nil)
}

// EndpointStalled fails what is outstanding on a halted endpoint.
func (h *Host) EndpointStalled(ep uint8) {
	if h.p == nil {
		return
	}

	if ep&0x7f == 0 {
		switch h.ep0 {
		case ep0Control:
			resp := h.control.ctrl
			resp.Status = StatusStall
			resp.Length = 0
			h.send(Packet{ID: h.control.id, Body: resp})
			h.control = nil

		case ep0SetConfig, ep0SetAlt:
			h.finishStatus(StatusStall)

		case ep0Config, ep0Device:
			h.log.Error("usbredir: enumeration stalled", "stage", h.ep0)
		}

		h.ep0 = ep0Idle
		return
	}

	queues := h.out
	if ep&0x80 != 0 {
		queues = h.in
	}

	q := queues[ep]
	delete(queues, ep)

	for _, r := range q {
		r.length = 0
		h.sendBulk(r, StatusStall, nil)
	}
}

// Disconnect tells the peer the device went away.
func (h *Host) Disconnect() {
	if h.p == nil {
		return
	}

	if h.connected {
		h.send(Packet{Body: DeviceDisconnect{}})
	}

	h.resetDevice()
}

func (h *Host) requestConfig() {
	h.ep0 = ep0Config

	err := h.dev.ControlTransfer(0, 0x80, reqGetDescriptor, dtConfig<<8, 0, maxConfigDescSize, nil)
	if err != nil {
		h.log.Error("usbredir: configuration descriptor request failed", "err", err)
		h.ep0 = ep0Idle
		h.finishStatus(StatusIOError)
	}
}

func (h *Host) configReceived(data []byte) int {
	if len(data) > maxConfigDescSize {
		guest.LogError(h.log, "over-long configuration descriptor", "len", len(data))
		h.ep0 = ep0Idle
		h.finishStatus(StatusIOError)
		return 0
	}

	cd, err := parseConfigDesc(data)
	if err != nil {
		guest.LogError(h.log, "bad configuration descriptor", "err", err)
		h.ep0 = ep0Idle
		h.finishStatus(StatusIOError)
		return 0
	}

	h.config = &cd
	h.sendInfo()

	if h.connected {
		h.ep0 = ep0Idle
		h.finishStatus(StatusSuccess)
		return len(data)
	}

	h.ep0 = ep0Device

	err = h.dev.ControlTransfer(0, 0x80, reqGetDescriptor, dtDevice<<8, 0, deviceDescSize, nil)
	if err != nil {
		h.log.Error("usbredir: device descriptor request failed", "err", err)
		h.ep0 = ep0Idle
		h.finishStatus(StatusIOError)
	}

	return len(data)
}

func (h *Host) deviceReceived(data []byte) int {
	d, err := parseDeviceDesc(data)
	if err != nil {
		guest.LogError(h.log, "bad device descriptor", "err", err)
		h.ep0 = ep0Idle
		h.finishStatus(StatusIOError)
		return 0
	}

	h.maxPacket0 = uint16(d.MaxPacket0)
	h.ep0 = ep0Idle

	dc := DeviceConnect{
		Speed:            SpeedHigh,
		Class:            d.Class,
		SubClass:         d.SubClass,
		Protocol:         d.Protocol,
		VendorID:         d.VendorID,
		ProductID:        d.ProductID,
		DeviceVersionBCD: d.BCDDevice,
	}

	// class defined per interface
	if dc.Class == 0 && h.config != nil {
		if ifcs := h.config.active(h.alt); len(ifcs) == 1 {
			dc.Class, dc.SubClass, dc.Protocol = ifcs[0].Class, ifcs[0].SubClass, ifcs[0].Protocol
		}
	}

	if h.send(Packet{Body: dc}) == nil {
		h.connected = true
		h.log.Info("usbredir: device connected",
			"vendor", fmt.Sprintf("%04x", dc.VendorID), "product", fmt.Sprintf("%04x", dc.ProductID))
	}

	h.finishStatus(StatusSuccess)
	return len(data)
}

// sendInfo describes the active interfaces and endpoints to the peer.
func (h *Host) sendInfo() {
	var (
		ifcs = h.config.active(h.alt)
		mps0 = h.maxPacket0
	)

	if mps0 == 0 {
		mps0 = 64
	}

	h.send(Packet{Body: epInfo(ifcs, mps0)})
	h.send(Packet{Body: interfaceInfo(ifcs)})
}

// finishStatus answers a pending set_configuration or set_alt_setting.
func (h *Host) finishStatus(st Status) {
	if r := h.setConfig; r != nil {
		h.setConfig = nil
		h.send(Packet{ID: r.id, Body: ConfigurationStatus{Status: st, Configuration: h.configuration}})
	}

	if r := h.setAlt; r != nil {
		h.setAlt = nil
		h.send(Packet{ID: r.id, Body: AltSettingStatus{Status: st, Interface: r.iface, Alt: h.alt[r.iface]}})
	}
}

func (h *Host) sendBulk(r request, st Status, data []byte) {
	h.send(Packet{
		ID: r.id,
		Body: BulkPacket{
			Endpoint: r.ep,
			Status:   st,
			Length:   uint32(r.length),
			StreamID: r.stream,
		},
		Data: data,
	})
}

func (h *Host) send(pkt Packet) error {
	if h.p == nil {
		return ErrClosed
	}

	h.p.Queue(pkt)
	h.flush()
	return nil
}

// flush writes pending bytes until the backend pushes back, then
// waits for it to become writable.
func (h *Host) flush() {
	if h.p == nil || h.watching {
		return
	}

	for b := h.p.Pending(); len(b) > 0; b = h.p.Pending() {
		n, err := h.be.Write(b)
		h.p.Advance(n)

		if err != nil {
			h.log.Error("usbredir: write failed", "err", err, "dropped", len(b)-n)
			h.p.Advance(len(b) - n)
			return
		}

		if n < len(b) {
			h.watching = true

			gen := h.gen
			h.be.AddWatch(func() {
				if h.gen != gen {
					return
				}

				h.watching = false
				h.flush()
			})

			return
		}
	}
}

func (h *Host) newID() uint64 {
	h.nextID++
	return h.nextID
}

// resetDevice forgets everything learned about the device.
func (h *Host) resetDevice() {
	h.connected = false
	h.ep0 = ep0Idle
	h.config = nil
	h.maxPacket0 = 0
	h.configuration = 0
	h.alt = make(map[uint8]uint8)
	h.control = nil
	h.setConfig = nil
	h.setAlt = nil
	h.in = make(map[uint8][]request)
	h.out = make(map[uint8][]request)
}

func (cfg HostConfig) withDefaults() HostConfig {
	if cfg.Version == "" {
		cfg.Version = "udcredir"
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

type nopDevice struct{}

func (nopDevice) Attach() uint8                             { return 0 }
func (nopDevice) Detach()                                   {}
func (nopDevice) Reset() error                              { return nil }
func (nopDevice) DataOut(_ uint8, data []byte) (int, error) { return len(data), nil }
func (nopDevice) SetConfiguration(uint8) error              { return nil }
func (nopDevice) SetInterface(uint8, uint8) error           { return nil }

func (nopDevice) ControlTransfer(uint8, uint8, uint8, uint16, uint16, uint16, []byte) error {
	return nil
}
