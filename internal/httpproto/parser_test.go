package httpproto

import (
	"testing"

	"github.com/relaykit/relay/internal/bufpool"
)

func TestParserGetKeepAlive(t *testing.T) {
	buf := bufpool.NewBuffer(256, nil)
	buf.Append([]byte("GET /users/42?x=1 HTTP/1.1\r\nHost: x\r\n\r\n"))

	p := NewParser()
	gotAll, err := p.Parse(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gotAll {
		t.Fatalf("expected complete parse")
	}
	req := p.Request()
	if req.Method != "GET" || req.Path != "/users/42" || req.RawQuery != "x=1" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Headers.Get("Host") != "x" {
		t.Fatalf("missing Host header")
	}
	if !req.KeepAlive() {
		t.Fatalf("expected keep-alive on HTTP/1.1")
	}
}

func TestParserFragmentedAcrossAnySplit(t *testing.T) {
	raw := "POST /echo HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"
	for split := 0; split <= len(raw); split++ {
		buf := bufpool.NewBuffer(256, nil)
		p := NewParser()

		buf.Append([]byte(raw[:split]))
		gotAll, err := p.Parse(buf)
		if err != nil {
			t.Fatalf("split %d: unexpected error: %v", split, err)
		}
		if gotAll && split != len(raw) {
			t.Fatalf("split %d: parser claimed completion early", split)
		}

		buf.Append([]byte(raw[split:]))
		gotAll, err = p.Parse(buf)
		if err != nil {
			t.Fatalf("split %d: unexpected error on remainder: %v", split, err)
		}
		if !gotAll {
			t.Fatalf("split %d: parser never completed", split)
		}
		if string(p.Request().Body) != "hello" {
			t.Fatalf("split %d: body=%q", split, p.Request().Body)
		}
	}
}

func TestParserChunkedBody(t *testing.T) {
	buf := bufpool.NewBuffer(256, nil)
	buf.Append([]byte("POST /echo HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"))

	p := NewParser()
	gotAll, err := p.Parse(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gotAll {
		t.Fatalf("expected complete parse")
	}
	if string(p.Request().Body) != "hello world" {
		t.Fatalf("body=%q", p.Request().Body)
	}
}

func TestParserRejectsMalformedMethod(t *testing.T) {
	buf := bufpool.NewBuffer(256, nil)
	buf.Append([]byte("PATCH / HTTP/1.1\r\n\r\n"))

	p := NewParser()
	_, err := p.Parse(buf)
	if err == nil {
		t.Fatalf("expected error for unsupported method")
	}
}

func TestParserRejectsNonHexChunkSize(t *testing.T) {
	buf := bufpool.NewBuffer(256, nil)
	buf.Append([]byte("POST /echo HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n"))

	p := NewParser()
	_, err := p.Parse(buf)
	if err == nil {
		t.Fatalf("expected error for non-hex chunk size")
	}
}

func TestParserResetReturnsToRequestLine(t *testing.T) {
	p := NewParser()
	p.state = GotAll
	p.Reset()
	if p.State() != ExpectRequestLine {
		t.Fatalf("expected ExpectRequestLine after Reset, got %v", p.State())
	}
}

func TestSerializeKeepAliveResponse(t *testing.T) {
	buf := bufpool.NewBuffer(256, nil)
	resp := NewResponse()
	resp.Body = []byte(`{"id":"42"}`)
	resp.Headers.Set("Content-Type", "application/json")

	Serialize(buf, resp, false)
	out := buf.RetrieveAllAsString()

	want := "HTTP/1.1 200 OK\r\nContent-Length: 11\r\nConnection: Keep-Alive\r\nContent-Type: application/json\r\n\r\n{\"id\":\"42\"}"
	if out != want {
		t.Fatalf("got %q want %q", out, want)
	}
}
