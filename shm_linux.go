package main

import "github.com/c35s/udcredir/guest"

func mapShared(path string, size int) (sharedMemory, error) {
	return guest.MapFile(path, size)
}
