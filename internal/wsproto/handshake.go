package wsproto

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"

	"github.com/gobwas/httphead"

	"github.com/relaykit/relay/internal/httpproto"
	"github.com/relaykit/relay/rerrors"
)

// GUID is the fixed magic string RFC 6455 appends to the client's
// Sec-WebSocket-Key before hashing.
const GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// IsUpgradeRequest reports whether req carries the headers that
// identify a WebSocket upgrade attempt, checked before consulting the
// router's WS route table.
func IsUpgradeRequest(req *httpproto.Request) bool {
	return headerHasToken(req.Headers.Get("Connection"), "upgrade") &&
		strings.EqualFold(req.Headers.Get("Upgrade"), "websocket")
}

// Accept computes Sec-WebSocket-Accept from the client's key:
// base64(sha1(key ++ GUID)).
func Accept(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(GUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Handshake validates an upgrade request and returns the computed
// Sec-WebSocket-Accept value: GUID concatenation, sha1, base64, plus
// the Connection/Upgrade token checks, all against relay's
// already-parsed Request rather than re-reading from an io.Reader.
func Handshake(req *httpproto.Request) (acceptValue string, err error) {
	if !headerHasToken(req.Headers.Get("Connection"), "upgrade") ||
		!strings.EqualFold(req.Headers.Get("Upgrade"), "websocket") {
		return "", rerrors.Wrap(rerrors.KindProtocolMalformed, "invalid websocket upgrade headers")
	}
	if req.Headers.Get("Sec-WebSocket-Version") != "13" {
		return "", rerrors.Wrap(rerrors.KindProtocolMalformed, "unsupported websocket version")
	}
	key := req.Headers.Get("Sec-WebSocket-Key")
	if key == "" {
		return "", rerrors.Wrap(rerrors.KindProtocolMalformed, "missing Sec-WebSocket-Key")
	}
	return Accept(key), nil
}

// headerHasToken scans a comma-separated header value (e.g. "keep-
// alive, Upgrade") for token, case-insensitively, using httphead's
// token scanner instead of a hand-rolled strings.Split.
func headerHasToken(value, token string) bool {
	found := false
	httphead.ScanTokens([]byte(value), func(tok []byte) bool {
		if strings.EqualFold(string(tok), token) {
			found = true
			return false
		}
		return true
	})
	return found
}
