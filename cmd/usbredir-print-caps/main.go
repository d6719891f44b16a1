// usbredir-print-caps connects to a usbredir peer and prints its version
// and capabilities.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/c35s/udcredir/chardev"
	"github.com/c35s/udcredir/usbredir"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "give up if the peer does not say hello")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] tcp:HOST:PORT|unix:PATH|vsock:CID:PORT\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	c, err := chardev.Dial(flag.Arg(0))
	if err != nil {
		panic(err)
	}

	defer c.Close()

	if err := c.SetDeadline(time.Now().Add(*timeout)); err != nil {
		panic(err)
	}

	var all usbredir.Caps
	all = all.With(usbredir.AllCaps()...)

	p := usbredir.NewParser(all, nil)
	p.Queue(usbredir.Packet{Body: usbredir.Hello{Version: "usbredir-print-caps", Caps: all}})
	if _, err := c.Write(p.Pending()); err != nil {
		panic(err)
	}

	p.Advance(len(p.Pending()))

	buf := make([]byte, 4096)
	for {
		if _, _, ok := p.Peer(); ok {
			break
		}

		n, err := c.Read(buf)
		if err != nil {
			panic(err)
		}

		p.Feed(buf[:n])
		for {
			_, ok, err := p.Next()
			if err != nil {
				panic(err)
			}

			if !ok {
				break
			}
		}
	}

	version, caps, _ := p.Peer()
	fmt.Printf("usbredir peer version: %s\n", version)

	fmt.Println("\n# capabilities")
	for _, k := range usbredir.AllCaps() {
		fmt.Printf("%v: %v\n", k, caps.Has(k))
	}

	if unknown := caps &^ all; unknown != 0 {
		fmt.Printf("unknown: %#x\n", uint32(unknown))
	}
}
