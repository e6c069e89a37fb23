package websocket

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net/url"
	"strings"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/constants"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/message"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/websocket/pmd"
)

// acceptGUID is the fixed RFC 6455 §1.3 magic string.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// NewKey generates a random, base64-encoded Sec-WebSocket-Key.
func NewKey() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", errors.NewUnknownError("generate websocket key", err)
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}

// acceptValue computes the expected Sec-WebSocket-Accept for key.
func acceptValue(key string) string {
	h := sha1.New()
	h.Write([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// HandshakeRequest builds the upgrade request for uri.
func HandshakeRequest(uri *url.URL, extraHeaders *message.Headers) (*message.Request, string, error) {
	key, err := NewKey()
	if err != nil {
		return nil, "", err
	}

	h := message.NewHeaders()
	if extraHeaders != nil {
		extraHeaders.Each(h.Add)
	}
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	h.Set("Sec-WebSocket-Key", key)
	h.Set("Sec-WebSocket-Version", "13")
	h.Set("Sec-WebSocket-Extensions", pmd.OfferHeader())

	httpURL := *uri
	switch httpURL.Scheme {
	case "ws":
		httpURL.Scheme = "http"
	case "wss":
		httpURL.Scheme = "https"
	}

	req := message.NewRequest("GET", &httpURL, h, nil)
	return req, key, nil
}

// HandshakeResult is the outcome of validating a server's upgrade response.
type HandshakeResult struct {
	Extension *pmd.Extension // nil if permessage-deflate was not negotiated
}

// ValidateHandshake checks a 101 response's Sec-WebSocket-Accept against
// the key this client sent, and negotiates permessage-deflate if offered
// back by the server.
func ValidateHandshake(resp *message.Response, key string) (*HandshakeResult, error) {
	if resp.StatusCode != 101 {
		return nil, errors.NewProtocolError("expected HTTP 101 Switching Protocols", nil)
	}
	if !strings.EqualFold(resp.Headers.Get("Upgrade"), "websocket") {
		return nil, errors.NewProtocolError("missing or invalid Upgrade header", nil)
	}
	if !strings.Contains(strings.ToLower(resp.Headers.Get("Connection")), "upgrade") {
		return nil, errors.NewProtocolError("missing or invalid Connection header", nil)
	}
	want := acceptValue(key)
	if resp.Headers.Get("Sec-WebSocket-Accept") != want {
		return nil, errors.NewProtocolError("Sec-WebSocket-Accept does not match request key", nil)
	}

	result := &HandshakeResult{}
	if params, ok := pmd.ParseResponse(resp.Headers.Get("Sec-WebSocket-Extensions")); ok {
		ext, err := pmd.New(params)
		if err != nil {
			return nil, errors.NewExtensionNegotiationError("failed to initialize permessage-deflate: " + err.Error())
		}
		result.Extension = ext
	}
	return result, nil
}

// ReadNon101Body reads up to WSErrorBodyCap bytes of a non-101 response
// body and returns them, so a failed handshake can report the server's
// error body. Bytes past the cap are left unread.
func ReadNon101Body(r *bufio.Reader) ([]byte, error) {
	limited := io.LimitReader(r, constants.WSErrorBodyCap)
	body, err := io.ReadAll(limited)
	if err != nil {
		return body, errors.NewNetworkError("read", "", 0, err)
	}
	return body, nil
}
