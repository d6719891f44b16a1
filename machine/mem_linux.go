//go:build linux

package machine

import "github.com/c35s/udcredir/guest"

func allocMemory(size int) (guest.Memory, func() error, error) {
	m, err := guest.Anonymous(size)
	if err != nil {
		return nil, nil, err
	}

	return m, m.Close, nil
}
