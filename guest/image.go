package guest

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/cavaliergopher/cpio"
)

// LoadImage copies a memory image into m. The image is a cpio archive
// whose entry names are hexadecimal physical addresses; each entry's
// contents are written starting at its address. Entries with other
// names (directories, notes) are skipped. It returns the number of
// bytes written.
func LoadImage(m Memory, r io.Reader) (n int, err error) {
	cr := cpio.NewReader(r)
	for {
		hdr, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}

		if err != nil {
			return n, fmt.Errorf("guest: read image: %w", err)
		}

		addr, ok := parseAddr(hdr.Name)
		if !ok || hdr.Size == 0 {
			continue
		}

		body, err := io.ReadAll(cr)
		if err != nil {
			return n, fmt.Errorf("guest: read image entry %s: %w", hdr.Name, err)
		}

		if err := m.WritePhys(addr, body); err != nil {
			return n, fmt.Errorf("guest: load image entry %s: %w", hdr.Name, err)
		}

		n += len(body)
	}
}

func parseAddr(name string) (uint64, bool) {
	s := strings.TrimPrefix(path.Base(name), "0x")
	if s == "" || s == "." {
		return 0, false
	}

	addr, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}

	return addr, true
}
