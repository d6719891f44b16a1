package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c35s/udcredir/guest"
	"github.com/c35s/udcredir/machine"
	"github.com/c35s/udcredir/udc"
	"golang.org/x/term"
)

// sharedMemory is guest memory backed by a file another process maps.
type sharedMemory interface {
	guest.Memory
	io.Closer
}

// listenFlag collects one chardev address per -listen, in UDC order.
type listenFlag []string

func (l *listenFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listenFlag) Set(s string) error {
	for _, a := range strings.Split(s, ",") {
		*l = append(*l, strings.TrimSpace(a))
	}

	return nil
}

func main() {
	var listen listenFlag
	flag.Var(&listen, "listen", "usbredir transport for the next UDC: tcp:HOST:PORT, unix:PATH, vsock:PORT or pty")

	var (
		memSize = flag.Int("mem", 64, "set the guest memory size in MiB")
		shmPath = flag.String("shm", "", "map guest memory from a shared file")
		image   = flag.String("image", "", "load a cpio memory image from file or URL")
		model   = flag.String("model", "npcm7xx", "set the controller model (npcm7xx or npcm8xx)")
		nUDCs   = flag.Int("udcs", 0, "set the number of UDCs (default: one per -listen, at least one)")
		console = flag.Bool("monitor", false, "run the interactive monitor on stdin")
		verbose = flag.Bool("v", false, "log debug messages")
	)

	flag.Parse()

	if err := run(listen, *memSize, *shmPath, *image, *model, *nUDCs, *console, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "udcredir: %v\n", err)
		os.Exit(1)
	}
}

func run(listen []string, memSize int, shmPath, image, model string, nUDCs int, console, verbose bool) error {
	mdl, err := udc.ParseModel(model)
	if err != nil {
		return err
	}

	var (
		logOut io.Writer = os.Stderr
		t      *term.Terminal
	)

	if console {
		fd := int(os.Stdin.Fd())
		if term.IsTerminal(fd) {
			old, err := term.MakeRaw(fd)
			if err != nil {
				return err
			}

			defer term.Restore(fd, old)
		}

		t = term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{os.Stdin, os.Stdout}, "udc> ")

		logOut = t
	}

	log := newLogger(logOut, verbose)

	cfg := machine.Config{
		MemSize: memSize << 20,
		Logger:  log,
	}

	if shmPath != "" {
		mem, err := mapShared(shmPath, cfg.MemSize)
		if err != nil {
			return err
		}

		defer mem.Close()
		cfg.Memory = mem
	}

	n := max(nUDCs, len(listen), 1)
	for i := 0; i < n; i++ {
		uc := machine.UDCConfig{Model: mdl}
		if i < len(listen) {
			uc.Listen = listen[i]
		}

		cfg.UDCs = append(cfg.UDCs, uc)
	}

	m, err := machine.New(cfg)
	if err != nil {
		return err
	}

	defer m.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	doneC := make(chan error, 1)
	go func() {
		doneC <- m.Run(ctx)
		cancel()
	}()

	for _, d := range m.Devices() {
		log.Debug("device", "name", d.Name, "addr", fmt.Sprintf("%#x", d.Addr), "irq", d.IRQ)
	}

	if image != "" {
		n, err := loadImage(ctx, m, image)
		if err != nil {
			cancel()
			<-doneC
			return err
		}

		log.Info("image loaded", "path", image, "bytes", n)
	}

	if t == nil {
		return <-doneC
	}

	mon := &monitor{m: m, out: t}
	err = mon.run(ctx, t)
	cancel()

	if runErr := <-doneC; runErr != nil {
		return runErr
	}

	return err
}

func loadImage(ctx context.Context, m *machine.Machine, path string) (int, error) {
	b, err := readURL(path)
	if err != nil {
		return 0, err
	}

	n, err := m.LoadImage(ctx, bytes.NewReader(b))
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", path, err)
	}

	return n, nil
}

// newLogger logs text to w, naming guest programming errors GUEST.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if l, ok := a.Value.Any().(slog.Level); ok && l == guest.LevelError {
					a.Value = slog.StringValue("GUEST")
				}
			}

			return a
		},
	}))
}

var errScheme = errors.New("unsupported URL scheme")

func readURL(s string) (body []byte, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("read URL %s: %w", s, err)
		}
	}()

	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		return os.ReadFile(u.Path)

	case "http", "https":
		res, err := http.Get(u.String())
		if err != nil {
			return nil, err
		}

		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("response status %d != %d", res.StatusCode, 200)
		}

		return io.ReadAll(res.Body)

	default:
		return nil, fmt.Errorf("%w: %s", errScheme, u.Scheme)
	}
}
