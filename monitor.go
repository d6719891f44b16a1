package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/buildkite/shellwords"
	"github.com/c35s/udcredir/machine"
	"golang.org/x/term"
)

// maxDump is the most guest memory x prints at once.
const maxDump = 4096

var (
	errUsage   = errors.New("usage")
	errCommand = errors.New("unknown command")
)

// monitor executes commands against a running machine.
type monitor struct {
	m   *machine.Machine
	out io.Writer
}

type command struct {
	usage string
	help  string
	exec  func(mon *monitor, ctx context.Context, args []string) error
}

var commands = map[string]command{
	"r":          {"ADDR", "read a 32-bit register", (*monitor).read},
	"w":          {"ADDR VALUE", "write a 32-bit register", (*monitor).write},
	"x":          {"ADDR [LEN]", "dump guest memory", (*monitor).dump},
	"poke":       {"ADDR HEX", "write bytes to guest memory", (*monitor).poke},
	"load":       {"PATH", "load a cpio memory image from file or URL", (*monitor).load},
	"irq":        {"", "show interrupt lines", (*monitor).irq},
	"status":     {"", "show controllers and sessions", (*monitor).status},
	"disconnect": {"N", "end the usbredir session of UDC N", (*monitor).disconnect},
}

// run reads commands from t until quit, EOF or ctx is done.
func (mon *monitor) run(ctx context.Context, t *term.Terminal) error {
	for ctx.Err() == nil {
		line, err := t.ReadLine()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return err
		}

		args, err := shellwords.Split(line)
		if err != nil {
			fmt.Fprintf(t, "error: %v\n", err)
			continue
		}

		if len(args) == 0 {
			continue
		}

		if args[0] == "quit" || args[0] == "q" {
			return nil
		}

		if err := mon.exec(ctx, args); err != nil {
			fmt.Fprintf(t, "error: %v\n", err)
		}
	}

	return nil
}

func (mon *monitor) exec(ctx context.Context, args []string) error {
	if args[0] == "help" {
		mon.help()
		return nil
	}

	c, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: %s", errCommand, args[0])
	}

	if err := c.exec(mon, ctx, args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			return fmt.Errorf("%w: %s %s", errUsage, args[0], c.usage)
		}

		return err
	}

	return nil
}

func (mon *monitor) help() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}

	sort.Strings(names)
	for _, name := range names {
		c := commands[name]
		fmt.Fprintf(mon.out, "%-22s %s\n", strings.TrimSpace(name+" "+c.usage), c.help)
	}

	fmt.Fprintf(mon.out, "%-22s %s\n", "quit", "leave the monitor and stop the machine")
}

func (mon *monitor) read(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}

	addr, err := parseUint(args[0], 64)
	if err != nil {
		return err
	}

	v, err := mon.m.Read32(ctx, addr)
	if err != nil {
		return err
	}

	fmt.Fprintf(mon.out, "%#08x: %#08x\n", addr, v)
	return nil
}

func (mon *monitor) write(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}

	addr, err := parseUint(args[0], 64)
	if err != nil {
		return err
	}

	v, err := parseUint(args[1], 32)
	if err != nil {
		return err
	}

	return mon.m.Write32(ctx, addr, uint32(v))
}

func (mon *monitor) dump(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}

	addr, err := parseUint(args[0], 64)
	if err != nil {
		return err
	}

	n := uint64(64)
	if len(args) == 2 {
		if n, err = parseUint(args[1], 32); err != nil {
			return err
		}
	}

	if n > maxDump {
		return fmt.Errorf("length %d > %d", n, maxDump)
	}

	p := make([]byte, n)
	if err := mon.m.ReadMemory(ctx, addr, p); err != nil {
		return err
	}

	_, err = io.WriteString(mon.out, hex.Dump(p))
	return err
}

func (mon *monitor) poke(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}

	addr, err := parseUint(args[0], 64)
	if err != nil {
		return err
	}

	p, err := hex.DecodeString(args[1])
	if err != nil {
		return err
	}

	return mon.m.WriteMemory(ctx, addr, p)
}

func (mon *monitor) load(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}

	n, err := loadImage(ctx, mon.m, args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(mon.out, "loaded %d bytes\n", n)
	return nil
}

func (mon *monitor) irq(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return errUsage
	}

	for _, d := range mon.m.Devices() {
		fmt.Fprintf(mon.out, "%d %s %s\n", d.IRQ, d.Name, level(mon.m.IRQ(d.IRQ)))
	}

	return nil
}

func (mon *monitor) status(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return errUsage
	}

	ss, err := mon.m.Status(ctx)
	if err != nil {
		return err
	}

	for i, s := range ss {
		session := "no session"
		switch {
		case s.Connected:
			session = "connected"
		case s.Attached:
			session = "attached"
		case s.Session:
			session = "waiting for hello"
		}

		transport := s.Transport
		if transport == "" {
			transport = "-"
		}

		fmt.Fprintf(mon.out, "%d %s %#x irq %d (%s) %s %s %s\n",
			i, s.Info.Name, s.Info.Addr, s.Info.IRQ, level(s.IRQ), s.State, transport, session)
	}

	return nil
}

func (mon *monitor) disconnect(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}

	i, err := strconv.Atoi(args[0])
	if err != nil {
		return err
	}

	return mon.m.Disconnect(ctx, i)
}

func parseUint(s string, bits int) (uint64, error) {
	return strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, bits)
}

func level(high bool) string {
	if high {
		return "high"
	}

	return "low"
}
