package udc

import (
	"errors"
	"fmt"
	"slices"

	"github.com/c35s/udcredir/guest"
)

// standard requests injected on behalf of the host
const (
	reqSetConfiguration = 9
	reqSetInterface     = 11
)

// Attach signals a host connection. If the controller is running, the
// guest sees a port change. It returns the control endpoint number.
func (c *Controller) Attach() uint8 {
	c.attached = true
	c.log.Info("host attached", "running", c.running)

	if c.running {
		c.r.portsc |= PortCCS
		c.r.sts |= StsPCD
	}

	c.updateIRQ()
	return 0
}

// Detach signals that the host went away.
func (c *Controller) Detach() {
	c.attached = false
	c.log.Info("host detached", "running", c.running)

	c.nextRxTD = [MaxEndpoints]uint32{}
	c.ep0Out = nil
	c.ep0In = false
	c.ep0Status = false

	if c.running {
		c.r.portsc = c.cfg.Model.PortSCReset()
		c.r.sts |= StsPCD
	}

	c.updateIRQ()
}

// ControlTransfer delivers a setup packet to the guest through the
// endpoint 0 OUT queue head. For host-to-device requests, data is held
// until the guest primes endpoint 0 OUT for the data stage.
func (c *Controller) ControlTransfer(ep, requestType, request uint8, value, index, length uint16, data []byte) error {
	if ep != 0 {
		return fmt.Errorf("%w: control transfer on endpoint %d", ErrEndpoint, ep)
	}

	if !c.running {
		return ErrNotRunning
	}

	qh := c.qhAddr(0, dirOut)

	var setup [8]byte
	le.PutUint32(setup[0:], uint32(requestType)|uint32(request)<<8|uint32(value)<<16)
	le.PutUint32(setup[4:], uint32(index)|uint32(length)<<16)

	if err := c.mem.WritePhys(qh+qhSetup, setup[:]); err != nil {
		return fmt.Errorf("%w: write setup: %w", ErrDMA, err)
	}

	c.ep0Out = nil
	if requestType&0x80 == 0 && len(data) > 0 {
		c.ep0Out = slices.Clone(data)
	}

	c.ep0In = requestType&0x80 != 0
	c.ep0Status = false
	c.nextRxTD[0] = 0
	c.setups++

	// a setup packet clears the control endpoint's halt
	c.r.ctrl[0] &^= CtrlRXStall | CtrlTXStall

	c.r.setupStat |= 1
	c.r.sts |= StsUI
	c.updateIRQ()

	c.log.Debug("setup injected",
		"type", fmt.Sprintf("%#02x", requestType), "req", request,
		"value", fmt.Sprintf("%#04x", value), "index", index, "len", length)

	return nil
}

// SetConfiguration asks the guest to select a configuration.
func (c *Controller) SetConfiguration(cfg uint8) error {
	return c.ControlTransfer(0, 0x00, reqSetConfiguration, uint16(cfg), 0, 0, nil)
}

// SetInterface asks the guest to select an alternate setting.
func (c *Controller) SetInterface(iface, alt uint8) error {
	return c.ControlTransfer(0, 0x01, reqSetInterface, uint16(alt), uint16(iface), 0, nil)
}

// DataOut writes data received from the host into the next transfer
// descriptor of OUT endpoint ep. It returns the number of bytes the
// descriptor accepted, which is less than len(data) when the guest
// queued a shorter transfer.
func (c *Controller) DataOut(ep uint8, data []byte) (int, error) {
	if ep == 0 || ep >= MaxEndpoints {
		return 0, fmt.Errorf("%w: data out on endpoint %d", ErrEndpoint, ep)
	}

	if !c.running {
		return 0, ErrNotRunning
	}

	return c.receive(int(ep), data)
}

func (c *Controller) prime(v uint32) {
	if !c.running || !c.attached {
		guest.LogError(c.log, "endpoint prime ignored",
			"mask", fmt.Sprintf("%#x", v), "running", c.running, "attached", c.attached)
		return
	}

	rx, tx := v&rxBits, v&txBits
	if extra := v &^ (rxBits | txBits); extra != 0 {
		guest.LogError(c.log, "prime of unsupported endpoints", "mask", fmt.Sprintf("%#x", extra))
	}

	c.r.stat |= rx
	c.r.complete |= tx

	for ep := 0; ep < MaxEndpoints; ep++ {
		if rx&(1<<ep) != 0 {
			c.armOut(ep)
		}

		if tx&(1<<(16+ep)) != 0 {
			if err := c.transmit(ep); err != nil {
				c.r.complete &^= 1 << (16 + ep)
				c.log.Warn("IN transfer aborted", "ep", ep, "err", err)
			}
		}
	}

	c.r.sts |= StsUI
	c.updateIRQ()
}

// armOut handles a prime of OUT endpoint ep.
func (c *Controller) armOut(ep int) {
	if ep == 0 {
		switch {
		case c.ep0Out != nil:
			data := c.ep0Out
			c.ep0Out = nil
			if _, err := c.receive(0, data); err != nil {
				c.log.Warn("control data stage dropped", "err", err)
			}

		case c.ep0Status:
			c.ep0Status = false
			if _, err := c.receive(0, nil); err != nil {
				c.log.Warn("control status stage dropped", "err", err)
			}
		}
	}

	c.host.DataOutComplete(uint8(ep))
}

// transmit sends the head transfer descriptor of IN endpoint ep to the host.
func (c *Controller) transmit(ep int) error {
	d, ok, err := c.headTD(ep, dirIn)
	if err != nil {
		return err
	}

	if !ok {
		guest.LogError(c.log, "IN prime with empty queue", "ep", ep)
		return fmt.Errorf("%w: empty queue", ErrDescriptor)
	}

	n := d.totalBytes()
	data, err := d.gather(c.mem, n)
	if err != nil {
		if errors.Is(err, ErrDescriptor) {
			guest.LogError(c.log, "IN transfer exceeds buffer", "ep", ep, "len", n)
		}

		return err
	}

	// the host may inject the next setup before returning
	seq := c.setups

	var sent int
	if ep == 0 {
		sent = c.host.ControlTransferComplete(data)
	} else {
		sent = c.host.DataInComplete(uint8(ep), data)
	}

	if sent != n {
		return fmt.Errorf("%w: %d of %d bytes", ErrNotConsumed, sent, n)
	}

	if err := guest.WriteUint32(c.mem, c.qhAddr(ep, dirIn)+qhCurrent, d.addr); err != nil {
		return fmt.Errorf("%w: %w", ErrDMA, err)
	}

	if err := d.writeInfo(c.mem, d.info&^(tdTotalBytes|tdStatus)); err != nil {
		return err
	}

	if ep == 0 && c.ep0In && c.setups == seq {
		c.ep0Status = true
	}

	return nil
}

// receive fills the next transfer descriptor of OUT endpoint ep and
// signals its completion. A chain is followed across primes until it
// ends or the endpoint is flushed.
func (c *Controller) receive(ep int, data []byte) (int, error) {
	var (
		d   td
		err error
	)

	if next := c.nextRxTD[ep]; next != 0 {
		d, err = readTD(c.mem, next)
	} else {
		var ok bool
		d, ok, err = c.headTD(ep, dirOut)
		if err == nil && !ok {
			guest.LogError(c.log, "OUT data with empty queue", "ep", ep, "len", len(data))
			err = fmt.Errorf("%w: empty queue", ErrDescriptor)
		}
	}

	if err != nil {
		return 0, err
	}

	l := d.totalBytes()
	if len(data) > l {
		guest.LogError(c.log, "OUT data exceeds transfer length", "ep", ep, "len", len(data), "max", l)
		data = data[:l]
	}

	if err := d.scatter(c.mem, data); err != nil {
		return 0, err
	}

	qh := c.qhAddr(ep, dirOut)
	if err := guest.WriteUint32(c.mem, qh+qhCurrent, d.addr); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDMA, err)
	}

	if err := d.writeInfo(c.mem, uint32(l-len(data))<<16|d.info&tdIOC); err != nil {
		return 0, err
	}

	if err := guest.WriteUint32(c.mem, qh+qhNext, d.next); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDMA, err)
	}

	if d.next&tdTerminate == 0 {
		c.nextRxTD[ep] = d.next &^ 0x1f
	} else {
		c.nextRxTD[ep] = 0
	}

	c.r.stat &^= 1 << ep
	c.r.complete |= 1 << ep
	c.r.sts |= StsUI
	c.updateIRQ()

	return len(data), nil
}
