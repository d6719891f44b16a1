package udc

import (
	"fmt"

	"github.com/c35s/udcredir/guest"
)

// Queue heads are 64 bytes apart in the endpoint list, OUT before IN.
// Transfer descriptors are the 28-byte hardware dTD.

const (
	qhSize    = 64
	qhInfo    = 0  // endpoint capabilities
	qhCurrent = 4  // current dTD pointer
	qhNext    = 8  // overlay next dTD pointer
	qhToken   = 12 // overlay total bytes, IOC and status
	qhSetup   = 40 // setup packet, two words

	tdSize       = 28
	tdTerminate  = 1 << 0
	tdTotalBytes = 0x7fff0000
	tdIOC        = 1 << 15
	tdStatus     = 0xff
	tdActive     = 1 << 7

	pageSize   = 0x1000
	numBuffers = 5
)

const (
	dirOut = 0
	dirIn  = 1
)

// td is a decoded transfer descriptor.
type td struct {
	addr uint32
	next uint32
	info uint32
	buf  [numBuffers]uint32
}

func readTD(m guest.Memory, addr uint32) (td, error) {
	var b [tdSize]byte
	if err := m.ReadPhys(uint64(addr), b[:]); err != nil {
		return td{}, fmt.Errorf("%w: read dTD %#x: %w", ErrDMA, addr, err)
	}

	d := td{
		addr: addr,
		next: le.Uint32(b[0:4]),
		info: le.Uint32(b[4:8]),
	}

	for i := range d.buf {
		d.buf[i] = le.Uint32(b[8+4*i:])
	}

	return d, nil
}

func (d td) totalBytes() int {
	return int(d.info&tdTotalBytes) >> 16
}

// writeInfo stores a new info word in guest memory.
func (d *td) writeInfo(m guest.Memory, info uint32) error {
	d.info = info
	if err := guest.WriteUint32(m, uint64(d.addr)+4, info); err != nil {
		return fmt.Errorf("%w: write dTD %#x: %w", ErrDMA, d.addr, err)
	}

	return nil
}

// capacity returns the number of bytes the descriptor's buffer pages can hold.
func (d td) capacity() int {
	return numBuffers*pageSize - int(d.buf[0]&(pageSize-1))
}

// segment is a contiguous run of guest memory.
type segment struct {
	addr uint64
	size int
}

// segments splits the first n bytes of the descriptor's buffer into
// guest memory runs. Buffer 0 may start anywhere in its page; buffers
// 1 through 4 are page bases.
func (d td) segments(n int) ([]segment, error) {
	if n > d.capacity() {
		return nil, fmt.Errorf("%w: %d bytes > buffer capacity %d", ErrDescriptor, n, d.capacity())
	}

	var ss []segment
	for i := 0; n > 0; i++ {
		var (
			base = uint64(d.buf[i] &^ (pageSize - 1))
			off  = 0
		)

		if i == 0 {
			off = int(d.buf[0] & (pageSize - 1))
		}

		sz := min(n, pageSize-off)
		ss = append(ss, segment{base + uint64(off), sz})
		n -= sz
	}

	return ss, nil
}

// gather reads n bytes from the descriptor's buffer.
func (d td) gather(m guest.Memory, n int) ([]byte, error) {
	ss, err := d.segments(n)
	if err != nil {
		return nil, err
	}

	p := make([]byte, 0, n)
	for _, s := range ss {
		b := make([]byte, s.size)
		if err := m.ReadPhys(s.addr, b); err != nil {
			return nil, fmt.Errorf("%w: read buffer %#x: %w", ErrDMA, s.addr, err)
		}

		p = append(p, b...)
	}

	return p, nil
}

// scatter writes p to the descriptor's buffer.
func (d td) scatter(m guest.Memory, p []byte) error {
	ss, err := d.segments(len(p))
	if err != nil {
		return err
	}

	for _, s := range ss {
		if err := m.WritePhys(s.addr, p[:s.size]); err != nil {
			return fmt.Errorf("%w: write buffer %#x: %w", ErrDMA, s.addr, err)
		}

		p = p[s.size:]
	}

	return nil
}

// qhAddr returns the guest address of an endpoint's queue head.
func (c *Controller) qhAddr(ep, dir int) uint64 {
	return uint64(c.r.listAddr) + uint64(ep*2+dir)*qhSize
}

// headTD returns the first dTD linked from a queue head's overlay.
// It returns ok=false if the overlay's next pointer is terminated.
func (c *Controller) headTD(ep, dir int) (d td, ok bool, err error) {
	next, err := guest.ReadUint32(c.mem, c.qhAddr(ep, dir)+qhNext)
	if err != nil {
		return td{}, false, fmt.Errorf("%w: read dQH: %w", ErrDMA, err)
	}

	if next&tdTerminate != 0 {
		return td{}, false, nil
	}

	d, err = readTD(c.mem, next&^0x1f)
	return d, err == nil, err
}
