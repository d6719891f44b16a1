package usbredir_test

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/c35s/udcredir/usbredir"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var configDesc = []byte{
	9, 2, 32, 0, 1, 1, 0, 0x80, 50,
	9, 4, 1, 1, 2, 1, 2, 3, 0,
	7, 5, 0x01, 0x02, 0x00, 0x02, 0,
	7, 5, 0x81, 0x02, 0x00, 0x02, 0,
}

var deviceDesc = []byte{
	18, 1, 0x00, 0x02, 0x02, 6, 26, 64,
	0x23, 0x01, 0x46, 0x05, 0x01, 0xc0, 1, 2, 3, 1,
}

const (
	getConfigDesc = "control 0x80 6 0x0200 0 512"
	getDeviceDesc = "control 0x80 6 0x0100 0 18"
)

type fakeDevice struct {
	calls []string
	err   error

	// accept limits the bytes DataOut takes, when positive
	accept int
}

func (d *fakeDevice) Attach() uint8 {
	d.calls = append(d.calls, "attach")
	return 0
}

func (d *fakeDevice) Detach() {
	d.calls = append(d.calls, "detach")
}

func (d *fakeDevice) Reset() error {
	d.calls = append(d.calls, "reset")
	return d.err
}

func (d *fakeDevice) ControlTransfer(ep, requestType, request uint8, value, index, length uint16, data []byte) error {
	call := fmt.Sprintf("control %#02x %d %#04x %d %d", requestType, request, value, index, length)
	if len(data) > 0 {
		call += fmt.Sprintf(" %q", data)
	}

	d.calls = append(d.calls, call)
	return d.err
}

func (d *fakeDevice) DataOut(ep uint8, data []byte) (int, error) {
	d.calls = append(d.calls, fmt.Sprintf("out %d %q", ep, data))
	if d.err != nil {
		return 0, d.err
	}

	if d.accept > 0 && d.accept < len(data) {
		return d.accept, nil
	}

	return len(data), nil
}

func (d *fakeDevice) SetConfiguration(cfg uint8) error {
	d.calls = append(d.calls, fmt.Sprintf("set configuration %d", cfg))
	return d.err
}

func (d *fakeDevice) SetInterface(iface, alt uint8) error {
	d.calls = append(d.calls, fmt.Sprintf("set interface %d %d", iface, alt))
	return d.err
}

// fakeBackend accepts at most limit bytes per write when limit is set.
type fakeBackend struct {
	buf     []byte
	limit   int
	watches []func()
}

func (b *fakeBackend) Write(p []byte) (int, error) {
	n := len(p)
	if b.limit > 0 && n > b.limit {
		n = b.limit
	}

	b.buf = append(b.buf, p[:n]...)
	return n, nil
}

func (b *fakeBackend) AddWatch(f func()) {
	b.watches = append(b.watches, f)
}

// hrig is a host talking to a scripted peer.
type hrig struct {
	t    *testing.T
	h    *usbredir.Host
	dev  *fakeDevice
	be   *fakeBackend
	peer *usbredir.Parser
}

func newHostRig(t *testing.T) *hrig {
	r := &hrig{
		t:    t,
		dev:  &fakeDevice{},
		be:   &fakeBackend{},
		peer: usbredir.NewParser(usbredir.HostCaps, nil),
	}

	r.h = usbredir.NewHost(usbredir.HostConfig{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	r.h.Bind(r.dev)
	if err := r.h.Open(r.be); err != nil {
		t.Fatal(err)
	}

	r.peer.Queue(usbredir.Packet{Body: usbredir.Hello{Version: "peer", Caps: usbredir.HostCaps}})
	r.flush()

	want := []usbredir.Packet{{Body: usbredir.Hello{Version: "udcredir", Caps: usbredir.HostCaps}}}
	if diff := cmp.Diff(want, r.recv()); diff != "" {
		t.Fatal(diff)
	}

	return r
}

// send sends pkt from the peer.
func (r *hrig) send(pkt usbredir.Packet) {
	r.peer.Queue(pkt)
	r.flush()
}

func (r *hrig) flush() {
	b := r.peer.Pending()
	r.h.Receive(b)
	r.peer.Advance(len(b))
}

// recv returns what the host sent since the last call.
func (r *hrig) recv() []usbredir.Packet {
	r.t.Helper()

	r.peer.Feed(r.be.buf)
	r.be.buf = nil

	var pkts []usbredir.Packet
	for {
		pkt, ok, err := r.peer.Next()
		if err != nil {
			r.t.Fatal(err)
		}

		if !ok {
			return pkts
		}

		pkts = append(pkts, pkt)
	}
}

func (r *hrig) expect(want ...usbredir.Packet) {
	r.t.Helper()
	if diff := cmp.Diff(want, r.recv(), cmpopts.EquateEmpty()); diff != "" {
		r.t.Error(diff)
	}
}

func (r *hrig) expectCalls(want ...string) {
	r.t.Helper()
	if diff := cmp.Diff(want, r.dev.calls, cmpopts.EquateEmpty()); diff != "" {
		r.t.Error(diff)
	}

	r.dev.calls = nil
}

// enumerate plays the guest's side of enumeration.
func (r *hrig) enumerate() {
	r.t.Helper()

	r.h.AttachComplete()
	if n := r.h.ControlTransferComplete(configDesc); n != len(configDesc) {
		r.t.Fatalf("config accepted %d", n)
	}

	if n := r.h.ControlTransferComplete(deviceDesc); n != len(deviceDesc) {
		r.t.Fatalf("device accepted %d", n)
	}

	if !r.h.Connected() {
		r.t.Fatal("not connected")
	}

	r.recv()
	r.dev.calls = nil
}

func TestHostEnumerate(t *testing.T) {
	r := newHostRig(t)
	r.expectCalls("attach")

	if !r.h.Attached() || r.h.Connected() {
		t.Fatalf("attached %v, connected %v", r.h.Attached(), r.h.Connected())
	}

	r.h.AttachComplete()
	r.expectCalls(getConfigDesc)
	r.expect()

	r.h.ControlTransferComplete(configDesc)
	r.expectCalls(getDeviceDesc)

	pkts := r.recv()
	if len(pkts) != 2 {
		t.Fatalf("got %d packets", len(pkts))
	}

	ei, ok := pkts[0].Body.(usbredir.EPInfo)
	if !ok {
		t.Fatalf("got %v, want ep_info", pkts[0].Type())
	}

	for _, ep := range []uint8{0x00, 0x80} {
		if i := usbredir.EPIndex(ep); ei.Types[i] != usbredir.EPTypeControl || ei.MaxPacketSize[i] != 64 {
			t.Errorf("ep %#02x: type %d mps %d", ep, ei.Types[i], ei.MaxPacketSize[i])
		}
	}

	for _, ep := range []uint8{0x01, 0x81} {
		if i := usbredir.EPIndex(ep); ei.Types[i] != usbredir.EPTypeBulk || ei.MaxPacketSize[i] != 512 || ei.Interface[i] != 1 {
			t.Errorf("ep %#02x: type %d mps %d interface %d", ep, ei.Types[i], ei.MaxPacketSize[i], ei.Interface[i])
		}
	}

	if i := usbredir.EPIndex(0x82); ei.Types[i] != usbredir.EPTypeInvalid {
		t.Errorf("ep 0x82: type %d", ei.Types[i])
	}

	wantInfo := usbredir.InterfaceInfo{
		Count:    1,
		Number:   [32]uint8{1},
		Class:    [32]uint8{1},
		SubClass: [32]uint8{2},
		Protocol: [32]uint8{3},
	}

	if diff := cmp.Diff(wantInfo, pkts[1].Body); diff != "" {
		t.Error(diff)
	}

	r.h.ControlTransferComplete(deviceDesc)
	r.expectCalls()
	r.expect(usbredir.Packet{Body: usbredir.DeviceConnect{
		Speed:            usbredir.SpeedHigh,
		Class:            2,
		SubClass:         6,
		Protocol:         26,
		VendorID:         0x0123,
		ProductID:        0x0546,
		DeviceVersionBCD: 0xc001,
	}})

	t.Run("ack again", func(t *testing.T) {
		r.h.AttachComplete()
		r.expectCalls()
	})
}

func TestHostEnumerateErrors(t *testing.T) {
	t.Run("over-long config", func(t *testing.T) {
		r := newHostRig(t)
		r.h.AttachComplete()

		if n := r.h.ControlTransferComplete(make([]byte, 513)); n != 0 {
			t.Errorf("accepted %d", n)
		}

		r.expect()
		if r.h.Connected() {
			t.Error("connected")
		}
	})

	t.Run("bad device descriptor", func(t *testing.T) {
		r := newHostRig(t)
		r.h.AttachComplete()
		r.h.ControlTransferComplete(configDesc)
		r.recv()

		if n := r.h.ControlTransferComplete(deviceDesc[:8]); n != 0 {
			t.Errorf("accepted %d", n)
		}

		r.expect()
	})

	t.Run("unsolicited", func(t *testing.T) {
		r := newHostRig(t)
		if n := r.h.ControlTransferComplete([]byte{1}); n != 0 {
			t.Errorf("accepted %d", n)
		}
	})

	t.Run("class from interface", func(t *testing.T) {
		r := newHostRig(t)
		r.h.AttachComplete()
		r.h.ControlTransferComplete(configDesc)
		r.recv()

		dd := append([]byte{}, deviceDesc...)
		dd[4], dd[5], dd[6] = 0, 0, 0
		r.h.ControlTransferComplete(dd)

		pkts := r.recv()
		if len(pkts) != 1 {
			t.Fatalf("got %d packets", len(pkts))
		}

		dc := pkts[0].Body.(usbredir.DeviceConnect)
		if dc.Class != 1 || dc.SubClass != 2 || dc.Protocol != 3 {
			t.Errorf("class %d/%d/%d", dc.Class, dc.SubClass, dc.Protocol)
		}
	})
}

func TestHostControl(t *testing.T) {
	getString := usbredir.ControlPacket{Endpoint: 0x80, Request: 6, RequestType: 0x80, Value: 0x0300, Length: 255}

	t.Run("in", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()

		r.send(usbredir.Packet{ID: 7, Body: getString})
		r.expectCalls("control 0x80 6 0x0300 0 255")

		r.send(usbredir.Packet{ID: 8, Body: getString})
		busy := getString
		busy.Status = usbredir.StatusInval
		busy.Length = 0
		r.expect(usbredir.Packet{ID: 8, Body: busy})

		data := []byte{4, 3, 9, 4}
		if n := r.h.ControlTransferComplete(data); n != 4 {
			t.Errorf("accepted %d", n)
		}

		done := getString
		done.Length = 4
		r.expect(usbredir.Packet{ID: 7, Body: done, Data: data})
	})

	t.Run("out", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()

		cp := usbredir.ControlPacket{RequestType: 0x21, Request: 0x20, Length: 7}
		r.send(usbredir.Packet{ID: 9, Body: cp, Data: []byte("8n1\x00\xc2\x01\x00")})
		r.expectCalls(`control 0x21 32 0x0000 0 7 "8n1\x00\xc2\x01\x00"`)

		r.h.ControlTransferComplete(nil)
		r.expect(usbredir.Packet{ID: 9, Body: cp})
	})

	t.Run("babble", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()

		cp := getString
		cp.Length = 2
		r.send(usbredir.Packet{ID: 10, Body: cp})

		if n := r.h.ControlTransferComplete([]byte{4, 3, 9, 4}); n != 4 {
			t.Errorf("accepted %d", n)
		}

		cp.Status = usbredir.StatusBabble
		r.expect(usbredir.Packet{ID: 10, Body: cp, Data: []byte{4, 3}})
	})

	t.Run("data endpoint", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()

		cp := usbredir.ControlPacket{Endpoint: 0x81, RequestType: 0x80, Length: 8}
		r.send(usbredir.Packet{ID: 11, Body: cp})
		r.expectCalls()

		cp.Length = 0
		r.expect(usbredir.Packet{ID: 11, Body: cp})
	})

	t.Run("device error", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()
		r.dev.err = errors.New("not running")

		r.send(usbredir.Packet{ID: 12, Body: getString})

		failed := getString
		failed.Status = usbredir.StatusIOError
		failed.Length = 0
		r.expect(usbredir.Packet{ID: 12, Body: failed})
	})

	t.Run("stall", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()

		r.send(usbredir.Packet{ID: 13, Body: getString})
		r.h.EndpointStalled(0x80)

		stalled := getString
		stalled.Status = usbredir.StatusStall
		stalled.Length = 0
		r.expect(usbredir.Packet{ID: 13, Body: stalled})

		r.send(usbredir.Packet{ID: 14, Body: getString})
		r.expectCalls("control 0x80 6 0x0300 0 255", "control 0x80 6 0x0300 0 255")
	})

	t.Run("cancel", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()

		r.send(usbredir.Packet{ID: 15, Body: getString})
		r.send(usbredir.Packet{ID: 15, Body: usbredir.CancelDataPacket{}})

		cancelled := getString
		cancelled.Status = usbredir.StatusCancelled
		cancelled.Length = 0
		r.expect(usbredir.Packet{ID: 15, Body: cancelled})

		// the guest's late response is swallowed
		r.h.ControlTransferComplete([]byte{4, 3})
		r.expect()

		r.send(usbredir.Packet{ID: 16, Body: getString})
		r.expectCalls("control 0x80 6 0x0300 0 255", "control 0x80 6 0x0300 0 255")
	})
}

func TestHostBulk(t *testing.T) {
	bulkIn := func(id uint64) usbredir.Packet {
		return usbredir.Packet{ID: id, Body: usbredir.BulkPacket{Endpoint: 0x81, Length: 64}}
	}

	t.Run("in", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()

		r.send(bulkIn(20))
		r.send(bulkIn(21))
		r.expect()

		for _, s := range []string{"hello", "world", "extra"} {
			if n := r.h.DataInComplete(1, []byte(s)); n != len(s) {
				t.Errorf("accepted %d", n)
			}
		}

		r.expect(
			usbredir.Packet{ID: 20, Body: usbredir.BulkPacket{Endpoint: 0x81, Length: 5}, Data: []byte("hello")},
			usbredir.Packet{ID: 21, Body: usbredir.BulkPacket{Endpoint: 0x81, Length: 5}, Data: []byte("world")},
			usbredir.Packet{ID: 1, Body: usbredir.BulkPacket{Endpoint: 0x81, Length: 5}, Data: []byte("extra")},
		)
	})

	t.Run("in babble", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()

		r.send(usbredir.Packet{ID: 22, Body: usbredir.BulkPacket{Endpoint: 0x81, Length: 2}})
		if n := r.h.DataInComplete(1, []byte("abcd")); n != 4 {
			t.Errorf("accepted %d", n)
		}

		r.expect(usbredir.Packet{
			ID:   22,
			Body: usbredir.BulkPacket{Endpoint: 0x81, Status: usbredir.StatusBabble, Length: 2},
			Data: []byte("ab"),
		})
	})

	t.Run("out", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()

		r.send(usbredir.Packet{ID: 30, Body: usbredir.BulkPacket{Endpoint: 0x01, Length: 3}, Data: []byte("abc")})
		r.send(usbredir.Packet{ID: 31, Body: usbredir.BulkPacket{Endpoint: 0x01, Length: 2}, Data: []byte("de")})
		r.expectCalls(`out 1 "abc"`, `out 1 "de"`)
		r.expect()

		r.h.DataOutComplete(1)
		r.expect(usbredir.Packet{ID: 30, Body: usbredir.BulkPacket{Endpoint: 0x01, Length: 3}})

		r.h.DataOutComplete(1)
		r.h.DataOutComplete(1)
		r.expect(usbredir.Packet{ID: 31, Body: usbredir.BulkPacket{Endpoint: 0x01, Length: 2}})
	})

	t.Run("out truncated", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()
		r.dev.accept = 2

		r.send(usbredir.Packet{ID: 33, Body: usbredir.BulkPacket{Endpoint: 0x01, Length: 4}, Data: []byte("abcd")})
		r.send(usbredir.Packet{ID: 34, Body: usbredir.BulkPacket{Endpoint: 0x01, Length: 1}, Data: []byte("e")})
		r.expectCalls(`out 1 "abcd"`, `out 1 "e"`)
		r.expect()

		r.h.DataOutComplete(1)
		r.h.DataOutComplete(1)
		r.expect(
			usbredir.Packet{ID: 33, Body: usbredir.BulkPacket{Endpoint: 0x01, Status: usbredir.StatusBabble, Length: 2}},
			usbredir.Packet{ID: 34, Body: usbredir.BulkPacket{Endpoint: 0x01, Length: 1}},
		)
	})

	t.Run("out error", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()
		r.dev.err = errors.New("bad endpoint")

		r.send(usbredir.Packet{ID: 32, Body: usbredir.BulkPacket{Endpoint: 0x07, Length: 1}, Data: []byte("x")})
		r.expect(usbredir.Packet{ID: 32, Body: usbredir.BulkPacket{Endpoint: 0x07, Status: usbredir.StatusIOError}})

		r.h.DataOutComplete(7)
		r.expect()
	})

	t.Run("cancel", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()

		var want []usbredir.Packet
		for id := uint64(100); id < 110; id++ {
			r.send(bulkIn(id))
			want = append(want, usbredir.Packet{
				ID:   id,
				Body: usbredir.BulkPacket{Endpoint: 0x81, Status: usbredir.StatusCancelled},
			})
		}

		r.send(usbredir.Packet{ID: 105, Body: usbredir.CancelDataPacket{}})
		r.expect(want...)

		r.h.DataInComplete(1, []byte("late"))
		r.expect(usbredir.Packet{ID: 1, Body: usbredir.BulkPacket{Endpoint: 0x81, Length: 4}, Data: []byte("late")})
	})

	t.Run("stall", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()

		r.send(bulkIn(40))
		r.send(usbredir.Packet{ID: 41, Body: usbredir.BulkPacket{Endpoint: 0x01, Length: 1}, Data: []byte("x")})

		r.h.EndpointStalled(0x81)
		r.expect(usbredir.Packet{ID: 40, Body: usbredir.BulkPacket{Endpoint: 0x81, Status: usbredir.StatusStall}})

		r.h.DataOutComplete(1)
		r.expect(usbredir.Packet{ID: 41, Body: usbredir.BulkPacket{Endpoint: 0x01, Length: 1}})
	})
}

func TestHostConfiguration(t *testing.T) {
	t.Run("set", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()

		r.send(usbredir.Packet{ID: 50, Body: usbredir.SetConfiguration{Configuration: 1}})
		r.expectCalls("set configuration 1")
		r.expect()

		r.h.ControlTransferComplete(nil)
		r.expectCalls(getConfigDesc)

		r.h.ControlTransferComplete(configDesc)
		r.expectCalls()

		pkts := r.recv()
		if len(pkts) != 3 {
			t.Fatalf("got %d packets", len(pkts))
		}

		types := []usbredir.Type{pkts[0].Type(), pkts[1].Type(), pkts[2].Type()}
		want := []usbredir.Type{usbredir.TypeEPInfo, usbredir.TypeInterfaceInfo, usbredir.TypeConfigurationStatus}
		if diff := cmp.Diff(want, types); diff != "" {
			t.Error(diff)
		}

		if diff := cmp.Diff(usbredir.Packet{ID: 50, Body: usbredir.ConfigurationStatus{Configuration: 1}}, pkts[2]); diff != "" {
			t.Error(diff)
		}

		r.send(usbredir.Packet{ID: 51, Body: usbredir.GetConfiguration{}})
		r.expect(usbredir.Packet{ID: 51, Body: usbredir.ConfigurationStatus{Configuration: 1}})
	})

	t.Run("alt setting", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()

		r.send(usbredir.Packet{ID: 60, Body: usbredir.SetAltSetting{Interface: 1, Alt: 1}})
		r.expectCalls("set interface 1 1")

		r.h.ControlTransferComplete(nil)
		r.h.ControlTransferComplete(configDesc)

		pkts := r.recv()
		if len(pkts) != 3 {
			t.Fatalf("got %d packets", len(pkts))
		}

		if diff := cmp.Diff(usbredir.Packet{ID: 60, Body: usbredir.AltSettingStatus{Interface: 1, Alt: 1}}, pkts[2]); diff != "" {
			t.Error(diff)
		}

		r.send(usbredir.Packet{ID: 61, Body: usbredir.GetAltSetting{Interface: 1}})
		r.expect(usbredir.Packet{ID: 61, Body: usbredir.AltSettingStatus{Interface: 1, Alt: 1}})
	})

	t.Run("before enumeration", func(t *testing.T) {
		r := newHostRig(t)
		r.dev.calls = nil

		r.send(usbredir.Packet{ID: 65, Body: usbredir.SetConfiguration{Configuration: 1}})
		r.expectCalls("set configuration 1")

		r.h.ControlTransferComplete(nil)
		r.h.ControlTransferComplete(configDesc)
		r.h.ControlTransferComplete(deviceDesc)
		r.expectCalls(getConfigDesc, getDeviceDesc)

		var types []usbredir.Type
		pkts := r.recv()
		for _, pkt := range pkts {
			types = append(types, pkt.Type())
		}

		want := []usbredir.Type{
			usbredir.TypeEPInfo,
			usbredir.TypeInterfaceInfo,
			usbredir.TypeDeviceConnect,
			usbredir.TypeConfigurationStatus,
		}

		if diff := cmp.Diff(want, types); diff != "" {
			t.Fatal(diff)
		}

		if diff := cmp.Diff(usbredir.Packet{ID: 65, Body: usbredir.ConfigurationStatus{Configuration: 1}}, pkts[3]); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("busy", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()

		r.send(usbredir.Packet{ID: 70, Body: usbredir.SetConfiguration{Configuration: 1}})
		r.send(usbredir.Packet{ID: 71, Body: usbredir.SetConfiguration{Configuration: 2}})
		r.expect(usbredir.Packet{ID: 71, Body: usbredir.ConfigurationStatus{Status: usbredir.StatusInval}})
	})

	t.Run("stall", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()

		r.send(usbredir.Packet{ID: 72, Body: usbredir.SetConfiguration{Configuration: 9}})
		r.h.EndpointStalled(0x00)
		r.expect(usbredir.Packet{ID: 72, Body: usbredir.ConfigurationStatus{Status: usbredir.StatusStall}})
	})
}

func TestHostSession(t *testing.T) {
	t.Run("reset", func(t *testing.T) {
		r := newHostRig(t)
		r.send(usbredir.Packet{Body: usbredir.Reset{}})
		r.expectCalls("attach", "reset")
	})

	t.Run("disconnect", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()

		r.send(bulkInPacket(80))
		r.h.Disconnect()
		r.expect(usbredir.Packet{Body: usbredir.DeviceDisconnect{}})

		if r.h.Connected() {
			t.Error("connected")
		}

		// outstanding requests were forgotten
		r.h.DataInComplete(1, []byte("x"))
		pkts := r.recv()
		if len(pkts) != 1 || pkts[0].ID == 80 {
			t.Errorf("got %v", pkts)
		}
	})

	t.Run("disconnect ack", func(t *testing.T) {
		if !usbredir.HostCaps.Has(usbredir.CapDeviceDisconnectAck) {
			t.Fatal("device_disconnect_ack not advertised")
		}

		r := newHostRig(t)
		r.enumerate()

		r.h.Disconnect()
		r.expect(usbredir.Packet{Body: usbredir.DeviceDisconnect{}})

		r.send(usbredir.Packet{ID: 81, Body: usbredir.DeviceDisconnectAck{}})
		r.expect()

		if !r.h.Attached() {
			t.Error("session dropped")
		}
	})

	t.Run("short writes", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()
		r.be.limit = 4

		r.send(bulkInPacket(81))
		r.h.DataInComplete(1, []byte("hello"))

		if len(r.be.buf) != 4 || len(r.be.watches) != 1 {
			t.Fatalf("wrote %d, watches %d", len(r.be.buf), len(r.be.watches))
		}

		// nothing more is written until the backend drains
		r.h.DataInComplete(1, []byte("world"))
		if len(r.be.buf) != 4 || len(r.be.watches) != 1 {
			t.Fatalf("wrote %d, watches %d", len(r.be.buf), len(r.be.watches))
		}

		r.be.limit = 0
		r.be.watches[0]()

		pkts := r.recv()
		if len(pkts) != 2 || pkts[0].ID != 81 || string(pkts[1].Data) != "world" {
			t.Errorf("got %v", pkts)
		}
	})

	t.Run("close", func(t *testing.T) {
		r := newHostRig(t)
		r.enumerate()

		r.h.Close()
		r.expectCalls("detach")

		if r.h.Attached() || r.h.Connected() {
			t.Error("still attached")
		}

		if n := r.h.DataInComplete(1, []byte("x")); n != 0 {
			t.Errorf("accepted %d", n)
		}

		if n := r.h.ControlTransferComplete([]byte("x")); n != 0 {
			t.Errorf("accepted %d", n)
		}

		if err := r.h.Open(&fakeBackend{}); err != nil {
			t.Error(err)
		}
	})

	t.Run("busy", func(t *testing.T) {
		r := newHostRig(t)
		if err := r.h.Open(&fakeBackend{}); !errors.Is(err, usbredir.ErrBusy) {
			t.Errorf("err %v", err)
		}
	})

	t.Run("framing error", func(t *testing.T) {
		r := newHostRig(t)

		raw := make([]byte, 16)
		le.PutUint32(raw[0:], uint32(usbredir.TypeBulkPacket))
		le.PutUint32(raw[4:], 0xffffffff)
		r.h.Receive(raw)

		r.expectCalls("attach", "detach")
	})
}

func bulkInPacket(id uint64) usbredir.Packet {
	return usbredir.Packet{ID: id, Body: usbredir.BulkPacket{Endpoint: 0x81, Length: 64}}
}
