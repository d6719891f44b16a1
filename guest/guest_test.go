package guest_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/c35s/udcredir/guest"
	"github.com/cavaliergopher/cpio"
	"github.com/google/go-cmp/cmp"
)

func TestSlice(t *testing.T) {
	mem := make(guest.Slice, 64)

	t.Run("round trip", func(t *testing.T) {
		if err := mem.WritePhys(8, []byte{1, 2, 3, 4}); err != nil {
			t.Fatal(err)
		}

		got := make([]byte, 6)
		if err := mem.ReadPhys(7, got); err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff([]byte{0, 1, 2, 3, 4, 0}, got); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("word", func(t *testing.T) {
		if err := guest.WriteUint32(mem, 16, 0x80008000); err != nil {
			t.Fatal(err)
		}

		v, err := guest.ReadUint32(mem, 16)
		if err != nil {
			t.Fatal(err)
		}

		if v != 0x80008000 {
			t.Errorf("word %#x != %#x", v, 0x80008000)
		}
	})

	t.Run("oob", func(t *testing.T) {
		for _, addr := range []uint64{61, 64, 1 << 63} {
			if err := mem.ReadPhys(addr, make([]byte, 4)); !errors.Is(err, guest.ErrOutOfRange) {
				t.Errorf("addr %#x: err %v", addr, err)
			}
		}
	})
}

func TestMemAt(t *testing.T) {
	backing := make([]byte, 32)
	mem := guest.MemAt(func(addr uint64, size int) ([]byte, error) {
		return guest.Slice(backing).View(addr, size)
	})

	if err := mem.WritePhys(4, []byte{0xaa, 0xbb}); err != nil {
		t.Fatal(err)
	}

	if backing[4] != 0xaa || backing[5] != 0xbb {
		t.Errorf("backing % x", backing[:8])
	}
}

func TestLoadImage(t *testing.T) {
	var buf bytes.Buffer
	w := cpio.NewWriter(&buf)

	entries := []struct {
		name string
		body []byte
	}{
		{"mem", nil},
		{"mem/00800000", []byte{0x00, 0x00, 0x81, 0x00}},
		{"mem/0x20", []byte("hi")},
		{"README", []byte("not an address")},
	}

	for _, e := range entries {
		hdr := &cpio.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body))}
		if err := w.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}

		if _, err := w.Write(e.body); err != nil {
			t.Fatal(err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	mem := make(guest.Slice, 0x900000)
	n, err := guest.LoadImage(mem, &buf)
	if err != nil {
		t.Fatal(err)
	}

	if n != 6 {
		t.Errorf("loaded %d != 6", n)
	}

	if v, _ := guest.ReadUint32(mem, 0x800000); v != 0x810000 {
		t.Errorf("word %#x != %#x", v, 0x810000)
	}

	if diff := cmp.Diff([]byte("hi"), []byte(mem[0x20:0x22])); diff != "" {
		t.Error(diff)
	}
}
