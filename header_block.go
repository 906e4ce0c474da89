package quicmux

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/qpack"
	"github.com/quic-go/quic-go/quicvarint"
)

// maxHeaderBlockSize bounds an encoded header section.
const maxHeaderBlockSize = 64 << 10

// HeaderField is a single header.
type HeaderField struct {
	Name  string
	Value string
}

// HeaderBlock is an ordered set of headers without duplicate names.
type HeaderBlock struct {
	fields []HeaderField
}

// NewHeaderBlock creates a header block from name/value pairs, in order.
func NewHeaderBlock(pairs ...string) *HeaderBlock {
	h := &HeaderBlock{}
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Set(pairs[i], pairs[i+1])
	}
	return h
}

// Set adds a header. Setting an existing name replaces its value in place.
func (h *HeaderBlock) Set(name, value string) {
	for i := range h.fields {
		if h.fields[i].Name == name {
			h.fields[i].Value = value
			return
		}
	}
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// Get returns the value of a header.
func (h *HeaderBlock) Get(name string) (string, bool) {
	for _, f := range h.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Len returns the number of headers.
func (h *HeaderBlock) Len() int { return len(h.fields) }

// Fields returns the headers in insertion order.
func (h *HeaderBlock) Fields() []HeaderField {
	return append([]HeaderField(nil), h.fields...)
}

// appendHeaderSection encodes the header section that starts every stream:
// the length of the QPACK block as a varint, followed by the block. An empty
// block is sent as a zero length.
func appendHeaderSection(b []byte, h *HeaderBlock) ([]byte, error) {
	if h == nil || h.Len() == 0 {
		return quicvarint.Append(b, 0), nil
	}
	var buf bytes.Buffer
	enc := qpack.NewEncoder(&buf)
	for _, f := range h.fields {
		if err := enc.WriteField(qpack.HeaderField{Name: f.Name, Value: f.Value}); err != nil {
			return nil, fmt.Errorf("encoding header %q: %w", f.Name, err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	if buf.Len() > maxHeaderBlockSize {
		return nil, fmt.Errorf("header block too large: %d bytes", buf.Len())
	}
	b = quicvarint.Append(b, uint64(buf.Len()))
	return append(b, buf.Bytes()...), nil
}

var errHeaderBlockTooLarge = errors.New("header block too large")

// headerSectionParser collects the header section from the start of a
// stream's byte stream.
type headerSectionParser struct {
	buf      []byte
	blockLen int
	haveLen  bool
	done     bool
	headers  *HeaderBlock
}

// Write feeds stream data. Once the section is complete, Done is true and any
// bytes following it are returned as body.
func (p *headerSectionParser) Write(data []byte) (body []byte, err error) {
	p.buf = append(p.buf, data...)
	if !p.haveLen {
		r := bytes.NewReader(p.buf)
		l, err := quicvarint.Read(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, nil
			}
			return nil, err
		}
		if l > maxHeaderBlockSize {
			return nil, errHeaderBlockTooLarge
		}
		p.blockLen = int(l)
		p.haveLen = true
		p.buf = p.buf[len(p.buf)-r.Len():]
	}
	if len(p.buf) < p.blockLen {
		return nil, nil
	}
	block := p.buf[:p.blockLen]
	body = p.buf[p.blockLen:]
	p.headers = &HeaderBlock{}
	if len(block) > 0 {
		fields, err := qpack.NewDecoder(nil).DecodeFull(block)
		if err != nil {
			return nil, fmt.Errorf("decoding header block: %w", err)
		}
		for _, f := range fields {
			p.headers.Set(f.Name, f.Value)
		}
	}
	p.done = true
	p.buf = nil
	return body, nil
}

func (p *headerSectionParser) Done() bool { return p.done }
