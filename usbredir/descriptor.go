package usbredir

import "fmt"

// standard descriptor types
const (
	dtDevice    = 0x01
	dtConfig    = 0x02
	dtInterface = 0x04
	dtEndpoint  = 0x05
)

const (
	deviceDescSize = 18
	configDescSize = 9

	// the largest configuration descriptor the host requests
	maxConfigDescSize = 512
)

// deviceDesc is the subset of a standard device descriptor that
// device_connect carries.
type deviceDesc struct {
	Class      uint8
	SubClass   uint8
	Protocol   uint8
	MaxPacket0 uint8
	VendorID   uint16
	ProductID  uint16
	BCDDevice  uint16
}

func parseDeviceDesc(p []byte) (deviceDesc, error) {
	if len(p) < deviceDescSize || p[1] != dtDevice {
		return deviceDesc{}, fmt.Errorf("%w: device descriptor of %d bytes", ErrMalformed, len(p))
	}

	return deviceDesc{
		Class:      p[4],
		SubClass:   p[5],
		Protocol:   p[6],
		MaxPacket0: p[7],
		VendorID:   le.Uint16(p[8:10]),
		ProductID:  le.Uint16(p[10:12]),
		BCDDevice:  le.Uint16(p[12:14]),
	}, nil
}

type interfaceDesc struct {
	Number   uint8
	Alt      uint8
	Class    uint8
	SubClass uint8
	Protocol uint8
	EPs      []endpointDesc
}

type endpointDesc struct {
	Addr          uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

// configDesc is a parsed configuration descriptor with every
// alternate setting of every interface, in descriptor order.
type configDesc struct {
	Value      uint8
	Interfaces []interfaceDesc
}

func parseConfigDesc(p []byte) (configDesc, error) {
	if len(p) < configDescSize || p[1] != dtConfig {
		return configDesc{}, fmt.Errorf("%w: configuration descriptor of %d bytes", ErrMalformed, len(p))
	}

	if total := int(le.Uint16(p[2:4])); total < len(p) {
		p = p[:total]
	}

	c := configDesc{Value: p[5]}

	for pos := int(p[0]); pos+2 <= len(p); {
		length, typ := int(p[pos]), p[pos+1]
		if length < 2 || pos+length > len(p) {
			return configDesc{}, fmt.Errorf("%w: descriptor of %d bytes at offset %d", ErrMalformed, length, pos)
		}

		d := p[pos : pos+length]

		switch typ {
		case dtInterface:
			if length < 9 {
				return configDesc{}, fmt.Errorf("%w: interface descriptor of %d bytes", ErrMalformed, length)
			}

			c.Interfaces = append(c.Interfaces, interfaceDesc{
				Number:   d[2],
				Alt:      d[3],
				Class:    d[5],
				SubClass: d[6],
				Protocol: d[7],
			})

		case dtEndpoint:
			if length < 7 {
				return configDesc{}, fmt.Errorf("%w: endpoint descriptor of %d bytes", ErrMalformed, length)
			}

			if len(c.Interfaces) == 0 {
				break
			}

			last := &c.Interfaces[len(c.Interfaces)-1]
			last.EPs = append(last.EPs, endpointDesc{
				Addr:          d[2],
				Attributes:    d[3],
				MaxPacketSize: le.Uint16(d[4:6]),
				Interval:      d[6],
			})
		}

		pos += length
	}

	return c, nil
}

// active returns one alternate setting per interface: the one selected
// in alt, or the first listed if the selection is not present.
func (c configDesc) active(alt map[uint8]uint8) []interfaceDesc {
	var (
		picked []interfaceDesc
		index  = make(map[uint8]int)
	)

	for _, ifc := range c.Interfaces {
		i, seen := index[ifc.Number]
		switch {
		case !seen:
			index[ifc.Number] = len(picked)
			picked = append(picked, ifc)

		case ifc.Alt == alt[ifc.Number] && picked[i].Alt != alt[ifc.Number]:
			picked[i] = ifc
		}
	}

	return picked
}

// interfaceInfo describes the active interfaces.
func interfaceInfo(ifcs []interfaceDesc) InterfaceInfo {
	var ii InterfaceInfo
	for i, ifc := range ifcs {
		if i == len(ii.Number) {
			break
		}

		ii.Count++
		ii.Number[i] = ifc.Number
		ii.Class[i] = ifc.Class
		ii.SubClass[i] = ifc.SubClass
		ii.Protocol[i] = ifc.Protocol
	}

	return ii
}

// epInfo describes the endpoints of the active interfaces. Endpoint 0 is
// always a control endpoint with the given max packet size.
func epInfo(ifcs []interfaceDesc, maxPacket0 uint16) EPInfo {
	var ei EPInfo
	for i := range ei.Types {
		ei.Types[i] = EPTypeInvalid
	}

	for _, i := range []int{EPIndex(0x00), EPIndex(0x80)} {
		ei.Types[i] = EPTypeControl
		ei.MaxPacketSize[i] = maxPacket0
	}

	for _, ifc := range ifcs {
		for _, ep := range ifc.EPs {
			i := EPIndex(ep.Addr)
			ei.Types[i] = EPType(ep.Attributes & 0x3)
			ei.Interval[i] = ep.Interval
			ei.Interface[i] = ifc.Number
			ei.MaxPacketSize[i] = ep.MaxPacketSize
		}
	}

	return ei
}
