package usbredir

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
)

// Parser frames usbredir packets. It does no I/O: received bytes are
// passed to Feed and decoded by Next, and encoded packets accumulate
// until the caller writes Pending and calls Advance.
//
// Both sides open with a hello. Until the peer's hello arrives, packet
// headers carry 32-bit ids and type headers use their oldest layout.
type Parser struct {
	log  *slog.Logger
	ours Caps

	peer        Caps
	peerVersion string
	helloed     bool

	in  []byte
	out []byte
}

// NewParser creates a parser advertising caps. A nil logger discards logs.
func NewParser(caps Caps, log *slog.Logger) *Parser {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Parser{
		log:  log,
		ours: caps,
	}
}

// Negotiated returns the capabilities both sides advertised.
func (p *Parser) Negotiated() Caps {
	if !p.helloed {
		return 0
	}

	return p.ours & p.peer
}

// Peer reports the peer's hello, if one has been received.
func (p *Parser) Peer() (version string, caps Caps, ok bool) {
	return p.peerVersion, p.peer, p.helloed
}

// Feed appends received bytes. Call Next until it returns ok=false.
func (p *Parser) Feed(b []byte) {
	p.in = append(p.in, b...)
}

// Next decodes the next complete packet. It returns ok=false once the
// buffered bytes hold no complete packet. Malformed packets are logged
// and skipped; an error means the stream can no longer be framed.
func (p *Parser) Next() (pkt Packet, ok bool, err error) {
	for {
		hl := p.headerSize()
		if len(p.in) < hl {
			return Packet{}, false, nil
		}

		hv := headerView(p.in[:hl])
		if hv.Length() > maxPacketSize {
			return Packet{}, false, fmt.Errorf("%w: %v length %d", ErrFraming, hv.Type(), hv.Length())
		}

		end := hl + int(hv.Length())
		if len(p.in) < end {
			return Packet{}, false, nil
		}

		var (
			t   = hv.Type()
			id  = hv.ID()
			raw = p.in[hl:end]
		)

		p.in = p.in[end:]
		if len(p.in) == 0 {
			p.in = nil
		}

		body, data, err := decodeBody(t, raw, p.Negotiated())
		if err != nil {
			p.log.Error("usbredir: dropping packet", "type", t, "id", id, "err", err)
			continue
		}

		if t == TypeHello {
			h := body.(Hello)
			if p.helloed {
				p.log.Warn("usbredir: duplicate hello", "version", h.Version)
				continue
			}

			p.peer = h.Caps
			p.peerVersion = h.Version
			p.helloed = true
			p.log.Info("usbredir: peer hello", "version", h.Version, "caps", fmt.Sprintf("%#x", uint32(h.Caps)))
		} else if !p.helloed {
			p.log.Error("usbredir: packet before hello", "type", t, "id", id)
			continue
		}

		p.log.Debug("usbredir: received", "type", t, "id", id, "len", len(data))

		pkt = Packet{ID: id, Body: body}
		if len(data) > 0 {
			pkt.Data = slices.Clone(data)
		}

		return pkt, true, nil
	}
}

// Queue encodes pkt for sending.
func (p *Parser) Queue(pkt Packet) {
	var (
		neg  = p.Negotiated()
		hl   = p.headerSize()
		size = pkt.Body.size(neg)
		data = pkt.Data
	)

	if h, ok := pkt.Body.(Hello); ok {
		data = le.AppendUint32(nil, uint32(h.Caps))
	}

	b := make([]byte, hl+size+len(data))

	hdr := header{
		Type:   pkt.Body.Type(),
		Length: uint32(size + len(data)),
		ID:     pkt.ID,
	}

	hdr.PutBinary(b, hl == headerSize64)
	pkt.Body.put(b[hl:hl+size], neg)
	copy(b[hl+size:], data)

	p.out = append(p.out, b...)
	p.log.Debug("usbredir: queued", "type", hdr.Type, "id", pkt.ID, "len", len(data))
}

// Pending returns the encoded bytes not yet written.
func (p *Parser) Pending() []byte {
	return p.out
}

// Advance discards the first n pending bytes after they were written.
func (p *Parser) Advance(n int) {
	p.out = p.out[n:]
	if len(p.out) == 0 {
		p.out = nil
	}
}

func (p *Parser) headerSize() int {
	if p.Negotiated().Has(Cap64BitIDs) {
		return headerSize64
	}

	return headerSize32
}
