package httpproto

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/relaykit/relay/internal/bufpool"
)

// Serialize writes resp to buf as a complete HTTP/1.1 response:
// status line, Content-Length or Transfer-Encoding: chunked,
// Connection, user headers verbatim, a blank line, then the body
// (chunk-framed if resp.Chunked).
func Serialize(buf *bufpool.Buffer, resp *Response, closeConn bool) {
	status := resp.StatusCode
	if status == 0 {
		status = 200
	}
	buf.Append([]byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n", status, StatusText(status))))

	if resp.Chunked {
		buf.Append([]byte("Transfer-Encoding: chunked\r\n"))
	} else if resp.Headers.Get("Content-Length") == "" {
		buf.Append([]byte("Content-Length: " + strconv.Itoa(len(resp.Body)) + "\r\n"))
	}

	if resp.Headers.Get("Connection") == "" {
		if closeConn {
			buf.Append([]byte("Connection: close\r\n"))
		} else {
			buf.Append([]byte("Connection: Keep-Alive\r\n"))
		}
	}

	for name, values := range resp.Headers {
		// Content-Length and Connection were written above only when the
		// handler left them unset, so a handler-set value is emitted here.
		if (strings.EqualFold(name, "Content-Length") && resp.Chunked) || strings.EqualFold(name, "Transfer-Encoding") {
			continue
		}
		for _, v := range values {
			buf.Append([]byte(name + ": " + v + "\r\n"))
		}
	}
	buf.Append([]byte("\r\n"))

	if resp.Chunked {
		WriteChunk(buf, resp.Body)
		WriteLastChunk(buf)
		return
	}
	buf.Append(resp.Body)
}

// WriteChunk appends one chunked-transfer-encoding frame: the hex
// length, CRLF, the data, CRLF. A zero-length data slice
// writes nothing — callers that want the terminal chunk must call
// WriteLastChunk explicitly so an accidental empty Write doesn't end
// the stream early.
func WriteChunk(buf *bufpool.Buffer, data []byte) {
	if len(data) == 0 {
		return
	}
	buf.Append([]byte(strconv.FormatInt(int64(len(data)), 16) + "\r\n"))
	buf.Append(data)
	buf.Append([]byte("\r\n"))
}

// WriteLastChunk appends the terminal "0\r\n\r\n" marker closing a
// chunked body.
func WriteLastChunk(buf *bufpool.Buffer) {
	buf.Append([]byte("0\r\n\r\n"))
}

// SerializeError writes a minimal status-line-only response with no
// body, used for the 400 Bad Request the Dispatcher emits on malformed
// input.
func SerializeError(buf *bufpool.Buffer, status int) {
	buf.Append([]byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n\r\n", status, StatusText(status))))
}
