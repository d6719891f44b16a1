// Package usbredir implements the usb-host side of the usbredir protocol,
// exposing an emulated device controller to a remote usbredir peer.
package usbredir

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Type is a usbredir packet type.
type Type uint32

const (
	TypeHello               Type = 0
	TypeDeviceConnect       Type = 1
	TypeDeviceDisconnect    Type = 2
	TypeReset               Type = 3
	TypeInterfaceInfo       Type = 4
	TypeEPInfo              Type = 5
	TypeSetConfiguration    Type = 6
	TypeGetConfiguration    Type = 7
	TypeConfigurationStatus Type = 8
	TypeSetAltSetting       Type = 9
	TypeGetAltSetting       Type = 10
	TypeAltSettingStatus    Type = 11
	TypeCancelDataPacket    Type = 21
	TypeFilterReject        Type = 22
	TypeFilterFilter        Type = 23
	TypeDeviceDisconnectAck Type = 24
	TypeControlPacket       Type = 100
	TypeBulkPacket          Type = 101
	TypeIsoPacket           Type = 102
	TypeInterruptPacket     Type = 103
	TypeBufferedBulkPacket  Type = 104
)

var typeNames = map[Type]string{
	TypeHello:               "hello",
	TypeDeviceConnect:       "device_connect",
	TypeDeviceDisconnect:    "device_disconnect",
	TypeReset:               "reset",
	TypeInterfaceInfo:       "interface_info",
	TypeEPInfo:              "ep_info",
	TypeSetConfiguration:    "set_configuration",
	TypeGetConfiguration:    "get_configuration",
	TypeConfigurationStatus: "configuration_status",
	TypeSetAltSetting:       "set_alt_setting",
	TypeGetAltSetting:       "get_alt_setting",
	TypeAltSettingStatus:    "alt_setting_status",
	TypeCancelDataPacket:    "cancel_data_packet",
	TypeFilterReject:        "filter_reject",
	TypeFilterFilter:        "filter_filter",
	TypeDeviceDisconnectAck: "device_disconnect_ack",
	TypeControlPacket:       "control_packet",
	TypeBulkPacket:          "bulk_packet",
	TypeIsoPacket:           "iso_packet",
	TypeInterruptPacket:     "interrupt_packet",
	TypeBufferedBulkPacket:  "buffered_bulk_packet",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}

	return fmt.Sprintf("Type(%d)", uint32(t))
}

// Cap is a capability bit advertised in hello.
type Cap uint

const (
	CapBulkStreams Cap = iota
	CapConnectDeviceVersion
	CapFilter
	CapDeviceDisconnectAck
	CapEPInfoMaxPacketSize
	Cap64BitIDs
	Cap32BitBulkLength
	CapBulkReceiving
)

var capNames = [...]string{
	CapBulkStreams:          "bulk_streams",
	CapConnectDeviceVersion: "connect_device_version",
	CapFilter:               "filter",
	CapDeviceDisconnectAck:  "device_disconnect_ack",
	CapEPInfoMaxPacketSize:  "ep_info_max_packet_size",
	Cap64BitIDs:             "64bits_ids",
	Cap32BitBulkLength:      "32bits_bulk_length",
	CapBulkReceiving:        "bulk_receiving",
}

func (k Cap) String() string {
	if int(k) < len(capNames) {
		return capNames[k]
	}

	return fmt.Sprintf("Cap(%d)", uint(k))
}

// AllCaps returns every known capability in bit order.
func AllCaps() []Cap {
	kk := make([]Cap, len(capNames))
	for i := range kk {
		kk[i] = Cap(i)
	}

	return kk
}

// Caps is a set of capabilities.
type Caps uint32

func (c Caps) Has(k Cap) bool {
	return c&(1<<k) != 0
}

func (c Caps) With(kk ...Cap) Caps {
	for _, k := range kk {
		c |= 1 << k
	}

	return c
}

// Status is a transfer or request status.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusCancelled
	StatusInval
	StatusIOError
	StatusStall
	StatusTimeout
	StatusBabble
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCancelled:
		return "cancelled"
	case StatusInval:
		return "inval"
	case StatusIOError:
		return "ioerror"
	case StatusStall:
		return "stall"
	case StatusTimeout:
		return "timeout"
	case StatusBabble:
		return "babble"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Speed is a device speed.
type Speed uint8

const (
	SpeedLow     Speed = 0
	SpeedFull    Speed = 1
	SpeedHigh    Speed = 2
	SpeedSuper   Speed = 3
	SpeedUnknown Speed = 255
)

// EPType is an endpoint transfer type.
type EPType uint8

const (
	EPTypeControl   EPType = 0
	EPTypeIso       EPType = 1
	EPTypeBulk      EPType = 2
	EPTypeInterrupt EPType = 3
	EPTypeInvalid   EPType = 255
)

// NumEndpoints is the number of endpoint slots in ep_info: 16 OUT then 16 IN.
const NumEndpoints = 32

// EPIndex returns an endpoint address's slot in ep_info.
func EPIndex(ep uint8) int {
	return int(ep&0x80)>>3 | int(ep&0x0f)
}

const (
	headerSize32 = 12
	headerSize64 = 16
	versionSize  = 64

	// packets larger than this are treated as a framing error
	maxPacketSize = 64 << 20
)

var (
	ErrMalformed = errors.New("usbredir: malformed packet")
	ErrFraming   = errors.New("usbredir: framing error")
)

var le = binary.LittleEndian

// Packet is a decoded usbredir packet.
type Packet struct {
	ID   uint64
	Body Body
	Data []byte
}

// Type returns the packet's type.
func (p Packet) Type() Type {
	return p.Body.Type()
}

// Body is a packet type header. Its wire size can depend on the
// capabilities negotiated by both sides.
type Body interface {
	Type() Type
	size(neg Caps) int
	put(p []byte, neg Caps)
}

// header has the same fields as the usbredir packet header. For
// read-only access to a received header, use headerView.
type header struct {
	Type   Type
	Length uint32
	ID     uint64
}

func (h header) PutBinary(p []byte, long bool) {
	le.PutUint32(p[0:4], uint32(h.Type))
	le.PutUint32(p[4:8], h.Length)
	if long {
		le.PutUint64(p[8:16], h.ID)
	} else {
		le.PutUint32(p[8:12], uint32(h.ID))
	}
}

// headerView is a read-only view of a packet header.
type headerView []byte

func (v headerView) Type() Type {
	return Type(le.Uint32(v[0:4]))
}

func (v headerView) Length() uint32 {
	return le.Uint32(v[4:8])
}

func (v headerView) ID() uint64 {
	if len(v) >= headerSize64 {
		return le.Uint64(v[8:16])
	}

	return uint64(le.Uint32(v[8:12]))
}

// Hello opens a session. Caps travel as the packet's data.
type Hello struct {
	Version string
	Caps    Caps
}

type DeviceConnect struct {
	Speed            Speed
	Class            uint8
	SubClass         uint8
	Protocol         uint8
	VendorID         uint16
	ProductID        uint16
	DeviceVersionBCD uint16
}

type InterfaceInfo struct {
	Count    uint32
	Number   [32]uint8
	Class    [32]uint8
	SubClass [32]uint8
	Protocol [32]uint8
}

type EPInfo struct {
	Types         [NumEndpoints]EPType
	Interval      [NumEndpoints]uint8
	Interface     [NumEndpoints]uint8
	MaxPacketSize [NumEndpoints]uint16
}

type SetConfiguration struct {
	Configuration uint8
}

type ConfigurationStatus struct {
	Status        Status
	Configuration uint8
}

type SetAltSetting struct {
	Interface uint8
	Alt       uint8
}

type GetAltSetting struct {
	Interface uint8
}

type AltSettingStatus struct {
	Status    Status
	Interface uint8
	Alt       uint8
}

type ControlPacket struct {
	Endpoint    uint8
	Request     uint8
	RequestType uint8
	Status      Status
	Value       uint16
	Index       uint16
	Length      uint16
}

type BulkPacket struct {
	Endpoint uint8
	Status   Status
	Length   uint32
	StreamID uint32
}

// header-less packets

type (
	DeviceDisconnect    struct{}
	Reset               struct{}
	GetConfiguration    struct{}
	CancelDataPacket    struct{}
	DeviceDisconnectAck struct{}
)

// Opaque is a packet of a type this package does not interpret.
// Everything after the header is in the packet's data.
type Opaque struct {
	Kind Type
}

func (Hello) Type() Type               { return TypeHello }
func (DeviceConnect) Type() Type       { return TypeDeviceConnect }
func (InterfaceInfo) Type() Type       { return TypeInterfaceInfo }
func (EPInfo) Type() Type              { return TypeEPInfo }
func (SetConfiguration) Type() Type    { return TypeSetConfiguration }
func (ConfigurationStatus) Type() Type { return TypeConfigurationStatus }
func (SetAltSetting) Type() Type       { return TypeSetAltSetting }
func (GetAltSetting) Type() Type       { return TypeGetAltSetting }
func (AltSettingStatus) Type() Type    { return TypeAltSettingStatus }
func (ControlPacket) Type() Type       { return TypeControlPacket }
func (BulkPacket) Type() Type          { return TypeBulkPacket }
func (DeviceDisconnect) Type() Type    { return TypeDeviceDisconnect }
func (Reset) Type() Type               { return TypeReset }
func (GetConfiguration) Type() Type    { return TypeGetConfiguration }
func (CancelDataPacket) Type() Type    { return TypeCancelDataPacket }
func (DeviceDisconnectAck) Type() Type { return TypeDeviceDisconnectAck }
func (o Opaque) Type() Type            { return o.Kind }

func (Hello) size(Caps) int { return versionSize }

func (h Hello) put(p []byte, _ Caps) {
	clear(p[:versionSize])
	copy(p[:versionSize-1], h.Version)
}

func (DeviceConnect) size(neg Caps) int {
	if neg.Has(CapConnectDeviceVersion) {
		return 10
	}

	return 8
}

func (d DeviceConnect) put(p []byte, neg Caps) {
	p[0] = uint8(d.Speed)
	p[1] = d.Class
	p[2] = d.SubClass
	p[3] = d.Protocol
	le.PutUint16(p[4:6], d.VendorID)
	le.PutUint16(p[6:8], d.ProductID)
	if neg.Has(CapConnectDeviceVersion) {
		le.PutUint16(p[8:10], d.DeviceVersionBCD)
	}
}

func (InterfaceInfo) size(Caps) int { return 4 + 4*32 }

func (ii InterfaceInfo) put(p []byte, _ Caps) {
	le.PutUint32(p[0:4], ii.Count)
	copy(p[4:36], ii.Number[:])
	copy(p[36:68], ii.Class[:])
	copy(p[68:100], ii.SubClass[:])
	copy(p[100:132], ii.Protocol[:])
}

func (EPInfo) size(neg Caps) int {
	if neg.Has(CapEPInfoMaxPacketSize) {
		return 3*NumEndpoints + 2*NumEndpoints
	}

	return 3 * NumEndpoints
}

func (ei EPInfo) put(p []byte, neg Caps) {
	for i := 0; i < NumEndpoints; i++ {
		p[i] = uint8(ei.Types[i])
		p[NumEndpoints+i] = ei.Interval[i]
		p[2*NumEndpoints+i] = ei.Interface[i]
		if neg.Has(CapEPInfoMaxPacketSize) {
			le.PutUint16(p[3*NumEndpoints+2*i:], ei.MaxPacketSize[i])
		}
	}
}

func (SetConfiguration) size(Caps) int { return 1 }

func (s SetConfiguration) put(p []byte, _ Caps) {
	p[0] = s.Configuration
}

func (ConfigurationStatus) size(Caps) int { return 2 }

func (s ConfigurationStatus) put(p []byte, _ Caps) {
	p[0] = uint8(s.Status)
	p[1] = s.Configuration
}

func (SetAltSetting) size(Caps) int { return 2 }

func (s SetAltSetting) put(p []byte, _ Caps) {
	p[0] = s.Interface
	p[1] = s.Alt
}

func (GetAltSetting) size(Caps) int { return 1 }

func (g GetAltSetting) put(p []byte, _ Caps) {
	p[0] = g.Interface
}

func (AltSettingStatus) size(Caps) int { return 3 }

func (s AltSettingStatus) put(p []byte, _ Caps) {
	p[0] = uint8(s.Status)
	p[1] = s.Interface
	p[2] = s.Alt
}

func (ControlPacket) size(Caps) int { return 10 }

func (c ControlPacket) put(p []byte, _ Caps) {
	p[0] = c.Endpoint
	p[1] = c.Request
	p[2] = c.RequestType
	p[3] = uint8(c.Status)
	le.PutUint16(p[4:6], c.Value)
	le.PutUint16(p[6:8], c.Index)
	le.PutUint16(p[8:10], c.Length)
}

func (BulkPacket) size(neg Caps) int {
	if neg.Has(Cap32BitBulkLength) {
		return 10
	}

	return 8
}

func (b BulkPacket) put(p []byte, neg Caps) {
	p[0] = b.Endpoint
	p[1] = uint8(b.Status)
	le.PutUint16(p[2:4], uint16(b.Length))
	le.PutUint32(p[4:8], b.StreamID)
	if neg.Has(Cap32BitBulkLength) {
		le.PutUint16(p[8:10], uint16(b.Length>>16))
	}
}

func (DeviceDisconnect) size(Caps) int    { return 0 }
func (Reset) size(Caps) int               { return 0 }
func (GetConfiguration) size(Caps) int    { return 0 }
func (CancelDataPacket) size(Caps) int    { return 0 }
func (DeviceDisconnectAck) size(Caps) int { return 0 }
func (Opaque) size(Caps) int              { return 0 }

func (DeviceDisconnect) put([]byte, Caps)    {}
func (Reset) put([]byte, Caps)               {}
func (GetConfiguration) put([]byte, Caps)    {}
func (CancelDataPacket) put([]byte, Caps)    {}
func (DeviceDisconnectAck) put([]byte, Caps) {}
func (Opaque) put([]byte, Caps)              {}

// hasData reports whether packets of type t may carry data after the type header.
func hasData(t Type) bool {
	switch t {
	case TypeHello, TypeControlPacket, TypeBulkPacket:
		return true
	default:
		return false
	}
}

// decodeBody parses the type header at the start of p and returns the
// remaining bytes as data.
func decodeBody(t Type, p []byte, neg Caps) (Body, []byte, error) {
	var b Body
	switch t {
	case TypeHello:
		b = Hello{}
	case TypeDeviceConnect:
		b = DeviceConnect{}
	case TypeDeviceDisconnect:
		b = DeviceDisconnect{}
	case TypeReset:
		b = Reset{}
	case TypeInterfaceInfo:
		b = InterfaceInfo{}
	case TypeEPInfo:
		b = EPInfo{}
	case TypeSetConfiguration:
		b = SetConfiguration{}
	case TypeGetConfiguration:
		b = GetConfiguration{}
	case TypeConfigurationStatus:
		b = ConfigurationStatus{}
	case TypeSetAltSetting:
		b = SetAltSetting{}
	case TypeGetAltSetting:
		b = GetAltSetting{}
	case TypeAltSettingStatus:
		b = AltSettingStatus{}
	case TypeCancelDataPacket:
		b = CancelDataPacket{}
	case TypeDeviceDisconnectAck:
		b = DeviceDisconnectAck{}
	case TypeControlPacket:
		b = ControlPacket{}
	case TypeBulkPacket:
		b = BulkPacket{}
	default:
		return Opaque{Kind: t}, p, nil
	}

	n := b.size(neg)
	if len(p) < n || (!hasData(t) && len(p) != n) {
		return nil, nil, fmt.Errorf("%w: %v length %d, type header %d", ErrMalformed, t, len(p), n)
	}

	v, data := p[:n], p[n:]

	switch b.(type) {
	case Hello:
		end := bytes.IndexByte(v, 0)
		if end < 0 {
			end = len(v)
		}

		h := Hello{Version: string(v[:end])}

		if len(data) >= 4 {
			h.Caps = Caps(le.Uint32(data[0:4]))
		}

		return h, nil, nil

	case DeviceConnect:
		d := DeviceConnect{
			Speed:     Speed(v[0]),
			Class:     v[1],
			SubClass:  v[2],
			Protocol:  v[3],
			VendorID:  le.Uint16(v[4:6]),
			ProductID: le.Uint16(v[6:8]),
		}

		if n == 10 {
			d.DeviceVersionBCD = le.Uint16(v[8:10])
		}

		return d, data, nil

	case InterfaceInfo:
		var ii InterfaceInfo
		ii.Count = le.Uint32(v[0:4])
		copy(ii.Number[:], v[4:36])
		copy(ii.Class[:], v[36:68])
		copy(ii.SubClass[:], v[68:100])
		copy(ii.Protocol[:], v[100:132])
		return ii, data, nil

	case EPInfo:
		var ei EPInfo
		for i := 0; i < NumEndpoints; i++ {
			ei.Types[i] = EPType(v[i])
			ei.Interval[i] = v[NumEndpoints+i]
			ei.Interface[i] = v[2*NumEndpoints+i]
			if n > 3*NumEndpoints {
				ei.MaxPacketSize[i] = le.Uint16(v[3*NumEndpoints+2*i:])
			}
		}

		return ei, data, nil

	case SetConfiguration:
		return SetConfiguration{Configuration: v[0]}, data, nil

	case ConfigurationStatus:
		return ConfigurationStatus{Status: Status(v[0]), Configuration: v[1]}, data, nil

	case SetAltSetting:
		return SetAltSetting{Interface: v[0], Alt: v[1]}, data, nil

	case GetAltSetting:
		return GetAltSetting{Interface: v[0]}, data, nil

	case AltSettingStatus:
		return AltSettingStatus{Status: Status(v[0]), Interface: v[1], Alt: v[2]}, data, nil

	case ControlPacket:
		return ControlPacket{
			Endpoint:    v[0],
			Request:     v[1],
			RequestType: v[2],
			Status:      Status(v[3]),
			Value:       le.Uint16(v[4:6]),
			Index:       le.Uint16(v[6:8]),
			Length:      le.Uint16(v[8:10]),
		}, data, nil

	case BulkPacket:
		bp := BulkPacket{
			Endpoint: v[0],
			Status:   Status(v[1]),
			Length:   uint32(le.Uint16(v[2:4])),
			StreamID: le.Uint32(v[4:8]),
		}

		if n == 10 {
			bp.Length |= uint32(le.Uint16(v[8:10])) << 16
		}

		return bp, data, nil

	default:
		return b, data, nil
	}
}
