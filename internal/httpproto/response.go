package httpproto

import (
	"bytes"
	"compress/gzip"
)

// statusTable is a flat lookup instead of a map since codes are a fixed,
// dense-ish range; grounded on the teacher's builder.go statusTable.
var statusTable = [506][]byte{
	100: []byte("100 Continue"),
	101: []byte("101 Switching Protocols"),

	200: []byte("200 OK"),
	201: []byte("201 Created"),
	202: []byte("202 Accepted"),
	204: []byte("204 No Content"),

	301: []byte("301 Moved Permanently"),
	302: []byte("302 Found"),
	304: []byte("304 Not Modified"),

	400: []byte("400 Bad Request"),
	401: []byte("401 Unauthorized"),
	403: []byte("403 Forbidden"),
	404: []byte("404 Not Found"),
	405: []byte("405 Method Not Allowed"),
	408: []byte("408 Request Timeout"),
	413: []byte("413 Payload Too Large"),

	500: []byte("500 Internal Server Error"),
	501: []byte("501 Not Implemented"),
	502: []byte("502 Bad Gateway"),
	503: []byte("503 Service Unavailable"),
	504: []byte("504 Gateway Timeout"),
}

var (
	proto = []byte("HTTP/1.1 ")
	crlf  = []byte("\r\n")
	colon = []byte(": ")
)

// IntToByte renders n as ASCII decimal digits. Grounded on builder.go's
// IntToByte, used for Content-Length headers written without fmt.
func IntToByte(n int) []byte {
	if n == 0 {
		return []byte("0")
	}

	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte(n%10) + '0'
		n /= 10
	}
	return tmp[i:]
}

// CompressionOptions controls the reply-side gzip behavior driven by the
// EnableCompression/MinCompressSize config keys (SPEC_FULL.md §6). No
// third-party compression library appears anywhere in the retrieved pack,
// so this uses compress/gzip directly (DESIGN.md records the justification).
type CompressionOptions struct {
	Enabled         bool
	MinCompressSize int
}

// PrepareReply applies DefaultContentType and, when eligible, gzip-encodes
// the body in place, before BuildResponse serializes it.
func PrepareReply(reply *Reply, acceptEncoding []byte, defaultContentType string, co CompressionOptions) {
	if defaultContentType != "" && reply.headerByKey("Content-Type") == nil {
		reply.Headers = append(reply.Headers, Header{Key: []byte("Content-Type"), Val: []byte(defaultContentType)})
	}

	if co.Enabled && len(reply.Body) >= co.MinCompressSize && bytes.Contains(acceptEncoding, []byte("gzip")) {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(reply.Body); err == nil && gw.Close() == nil {
			reply.Body = buf.Bytes()
			reply.Headers = append(reply.Headers, Header{Key: []byte("Content-Encoding"), Val: []byte("gzip")})
		}
	}
}

func (r *Reply) headerByKey(key string) []byte {
	for _, h := range r.Headers {
		if bytesEqualFold(h.Key, key) {
			return h.Val
		}
	}
	return nil
}

// BuildResponse serializes reply into dst, returning the number of bytes
// written. dst must be large enough; the Worker sizes it with ResponseSize
// before calling. Grounded on builder.go's BuildResp.
func BuildResponse(dst []byte, reply *Reply) int {
	code := reply.Code
	if code < 100 || code >= len(statusTable) {
		code = 500
	}

	st := statusTable[code]
	if st == nil {
		st = []byte("500 Internal Server Error")
	}

	n := copy(dst, proto)
	n += copy(dst[n:], st)
	n += copy(dst[n:], crlf)

	wroteContentLength := false
	for _, h := range reply.Headers {
		if bytesEqualFold(h.Key, "Content-Length") {
			wroteContentLength = true
		}
		n += copy(dst[n:], h.Key)
		n += copy(dst[n:], colon)
		n += copy(dst[n:], h.Val)
		n += copy(dst[n:], crlf)
	}
	if !wroteContentLength {
		n += copy(dst[n:], []byte("Content-Length"))
		n += copy(dst[n:], colon)
		n += copy(dst[n:], IntToByte(len(reply.Body)))
		n += copy(dst[n:], crlf)
	}
	if !reply.KeepAlive {
		n += copy(dst[n:], []byte("Connection: close\r\n"))
	}

	n += copy(dst[n:], crlf)
	if len(reply.Body) > 0 {
		n += copy(dst[n:], reply.Body)
	}

	return n
}

// ResponseSize returns a safe upper bound for BuildResponse's dst so callers
// can size a buffer without a second pass.
func ResponseSize(reply *Reply) int {
	n := len(proto) + 32 + len(crlf)
	for _, h := range reply.Headers {
		n += len(h.Key) + len(colon) + len(h.Val) + len(crlf)
	}
	n += len("Content-Length: \r\n") + 20
	n += len("Connection: close\r\n")
	n += len(crlf) + len(reply.Body)
	return n
}
