package httpproto

import (
	"strconv"
	"strings"

	"github.com/relaykit/relay/internal/bufpool"
	"github.com/relaykit/relay/rerrors"
)

// State is the parser's position in the request grammar. The zero
// value is ExpectRequestLine so a freshly-constructed Parser is
// immediately usable.
type State int

const (
	ExpectRequestLine State = iota
	ExpectHeaders
	ExpectBody
	ExpectChunkSize
	ExpectChunkBody
	ExpectChunkFooter
	ExpectLastChunk
	GotAll
)

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "HEAD": true,
}

// Parser incrementally assembles a Request from bytes delivered across
// however many reads it takes. It owns partial state between calls and
// only commits progress once a self-contained unit — the request
// line, one header, one chunk — is complete in the buffer.
type Parser struct {
	state State
	req   *Request

	chunkRemaining int64 // bytes left in the chunk currently being read
}

// NewParser returns a Parser ready to read a request line.
func NewParser() *Parser {
	p := &Parser{}
	p.Reset()
	return p
}

// Reset prepares the parser for the next request on the same
// connection (keep-alive resets to initial state).
func (p *Parser) Reset() {
	p.state = ExpectRequestLine
	p.req = NewRequest()
	p.chunkRemaining = 0
}

// State reports the parser's current position, mostly for tests.
func (p *Parser) State() State { return p.state }

// Request exposes the in-progress (or completed) request being built.
func (p *Parser) Request() *Request { return p.req }

// Parse advances the parser as far as buf's readable bytes allow,
// consuming complete lines/chunks as it goes and leaving any trailing
// partial unit untouched for the next call. Returns gotAll=true once a
// full request (headers + body, if any) has been assembled; err is
// non-nil only for malformed input, never for a merely incomplete
// buffer.
func (p *Parser) Parse(buf *bufpool.Buffer) (gotAll bool, err error) {
	for {
		switch p.state {
		case ExpectRequestLine:
			line, ok := findLine(buf)
			if !ok {
				return false, nil
			}
			if err := p.parseRequestLine(line); err != nil {
				return false, err
			}
			p.state = ExpectHeaders

		case ExpectHeaders:
			line, ok := findLine(buf)
			if !ok {
				return false, nil
			}
			if line == "" {
				if err := p.afterHeaders(); err != nil {
					return false, err
				}
				continue
			}
			if err := p.parseHeaderLine(line); err != nil {
				return false, err
			}

		case ExpectBody:
			n := bodyRemaining(p.req)
			if buf.Readable() < n {
				return false, nil
			}
			p.req.Body = append(p.req.Body, []byte(buf.RetrieveAsString(n))...)
			p.state = GotAll
			return true, nil

		case ExpectChunkSize:
			line, ok := findLine(buf)
			if !ok {
				return false, nil
			}
			size, err := parseChunkSizeLine(line)
			if err != nil {
				return false, err
			}
			if size == 0 {
				p.state = ExpectLastChunk
				continue
			}
			p.chunkRemaining = size
			p.state = ExpectChunkBody

		case ExpectChunkBody:
			need := int(p.chunkRemaining) + 2 // data + trailing CRLF
			if buf.Readable() < need {
				return false, nil
			}
			data := buf.RetrieveAsString(int(p.chunkRemaining))
			p.req.Body = append(p.req.Body, data...)
			trailer := buf.RetrieveAsString(2)
			if trailer != "\r\n" {
				return false, rerrors.Wrap(rerrors.KindProtocolMalformed, "chunk not terminated by CRLF")
			}
			p.state = ExpectChunkSize

		case ExpectLastChunk:
			// Trailer section: CRLF-terminated header lines, ended by
			// an empty line. Trailers aren't surfaced to the Request;
			// just drain to GotAll.
			line, ok := findLine(buf)
			if !ok {
				return false, nil
			}
			if line == "" {
				p.state = GotAll
				return true, nil
			}
			// else: another trailer header line, ignore and keep reading.

		case GotAll:
			return true, nil
		}
	}
}

// findLine extracts one CRLF-terminated line from buf's readable
// region without requiring the whole request to be present yet.
// Returns ok=false if no CRLF has arrived.
func findLine(buf *bufpool.Buffer) (string, bool) {
	data := buf.Peek()
	idx := indexCRLF(data)
	if idx < 0 {
		return "", false
	}
	line := string(data[:idx])
	buf.Retrieve(idx + 2)
	return line, true
}

func indexCRLF(data []byte) int {
	for i := 0; i+1 < len(data); i++ {
		if data[i] == '\r' && data[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func (p *Parser) parseRequestLine(line string) error {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return rerrors.Wrap(rerrors.KindProtocolMalformed, "malformed request line")
	}
	method, target, version := parts[0], parts[1], parts[2]
	if !allowedMethods[method] {
		return rerrors.Wrap(rerrors.KindProtocolMalformed, "unsupported method "+method)
	}
	if version != "HTTP/1.0" && version != "HTTP/1.1" {
		return rerrors.Wrap(rerrors.KindProtocolMalformed, "unsupported version "+version)
	}
	path, query, _ := strings.Cut(target, "?")
	p.req.Method = method
	p.req.Path = path
	p.req.RawQuery = query
	p.req.Version = version
	return nil
}

func (p *Parser) parseHeaderLine(line string) error {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return rerrors.Wrap(rerrors.KindProtocolMalformed, "malformed header line")
	}
	p.req.Headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	return nil
}

// afterHeaders decides whether a body follows and which parsing mode
// it takes.
func (p *Parser) afterHeaders() error {
	if strings.EqualFold(p.req.Headers.Get("Transfer-Encoding"), "chunked") {
		p.state = ExpectChunkSize
		return nil
	}
	if (p.req.Method == "POST" || p.req.Method == "PUT") && p.req.Headers.Get("Content-Length") != "" {
		if _, err := strconv.Atoi(p.req.Headers.Get("Content-Length")); err != nil {
			return rerrors.Wrap(rerrors.KindProtocolMalformed, "invalid Content-Length")
		}
		p.state = ExpectBody
		return nil
	}
	p.state = GotAll
	return nil
}

func bodyRemaining(r *Request) int {
	n, _ := strconv.Atoi(r.Headers.Get("Content-Length"))
	return n - len(r.Body)
}

// parseChunkSizeLine parses "<hex>[;ext]" into the chunk's byte count,
// rejecting non-hex tokens.
func parseChunkSizeLine(line string) (int64, error) {
	hexPart, _, _ := strings.Cut(line, ";")
	hexPart = strings.TrimSpace(hexPart)
	if hexPart == "" {
		return 0, rerrors.Wrap(rerrors.KindProtocolMalformed, "empty chunk size")
	}
	size, err := strconv.ParseInt(hexPart, 16, 64)
	if err != nil {
		return 0, rerrors.Wrap(rerrors.KindProtocolMalformed, "malformed chunk size")
	}
	return size, nil
}
