package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/c35s/udcredir/machine"
	"github.com/c35s/udcredir/udc"
)

func main() {
	cfg := machine.Config{
		UDCs: []machine.UDCConfig{
			{Model: udc.NPCM7xx, Listen: "tcp:127.0.0.1:4000"},
			{Model: udc.NPCM7xx, Listen: "pty"},
		},
	}

	m, err := machine.New(cfg)
	if err != nil {
		panic(err)
	}

	defer m.Close()

	for _, d := range m.Devices() {
		fmt.Printf("%s at %#x, irq %d\n", d.Name, d.Addr, d.IRQ)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := m.Run(ctx); err != nil {
		panic(err)
	}
}
