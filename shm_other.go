//go:build !linux

package main

import "errors"

func mapShared(string, int) (sharedMemory, error) {
	return nil, errors.New("shared guest memory requires linux")
}
