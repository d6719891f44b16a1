// Package mmio routes guest physical MMIO accesses to device register apertures.
package mmio

import "fmt"

// Region is a device register aperture. Offsets are relative to the
// start of the aperture. On reads, the device fills data.
type Region interface {
	HandleMMIO(off int, data []byte, isWrite bool) error
}

// DeviceInfo describes an installed device.
type DeviceInfo struct {
	Name string
	IRQ  int
	Addr uint64
	Size uint64
}

type Bus struct {
	nextIRQ  int
	nextAddr uint64
	devices  []*device
}

type device struct {
	info   DeviceInfo
	region Region
}

// ApertureSize is the size of the MMIO window assigned to each device.
const ApertureSize = 0x1000

// NewBus creates an empty bus. Devices are assigned consecutive 4K
// apertures starting at base and consecutive IRQs starting at irq.
func NewBus(base uint64, irq int) *Bus {
	return &Bus{
		nextIRQ:  irq,
		nextAddr: base,
	}
}

// Add installs a device. The newRegion callback is passed the device's
// assigned IRQ and address so it can wire its interrupt line.
func (b *Bus) Add(name string, newRegion func(info DeviceInfo) (Region, error)) (DeviceInfo, error) {
	info := DeviceInfo{
		Name: name,
		IRQ:  b.nextIRQ,
		Addr: b.nextAddr,
		Size: ApertureSize,
	}

	r, err := newRegion(info)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("mmio: add %s: %w", name, err)
	}

	b.devices = append(b.devices, &device{info: info, region: r})
	b.nextIRQ++
	b.nextAddr += ApertureSize

	return info, nil
}

// HandleMMIO routes an MMIO event to the appropriate device.
// It returns (found=false, err=nil) if no device is found.
func (b *Bus) HandleMMIO(addr uint64, data []byte, isWrite bool) (found bool, err error) {
	var dev *device
	for _, d := range b.devices {
		if addr >= d.info.Addr && addr < d.info.Addr+d.info.Size {
			dev = d
			break
		}
	}

	if dev == nil {
		return false, nil
	}

	off := int(addr - dev.info.Addr)
	return true, dev.region.HandleMMIO(off, data, isWrite)
}

// Devices returns a slice describing the installed devices.
func (b *Bus) Devices() []DeviceInfo {
	dd := make([]DeviceInfo, len(b.devices))
	for i, d := range b.devices {
		dd[i] = d.info
	}

	return dd
}
