// Package httpproto is the HTTP collaborator the Worker calls: ReadRequest
// turns bytes off a stream.Stream into a *Request, and BuildResponse turns a
// *Reply back into bytes. Framing is Content-Length only; chunked transfer
// encoding is out of scope (SPEC_FULL.md §1 Non-goals).
//
// Grounded on the teacher's server/protocol package (parser.go's zero-copy
// header scan, builder.go's status-table response builder), generalized to
// the exact two operations SPEC_FULL.md §10.4 calls out, with a Host field
// added to Request so the dispatcher can do virtual-host matching.
package httpproto

import (
	"bytes"
	"errors"

	"github.com/kfcemployee/tntcore/internal/job"
	"github.com/kfcemployee/tntcore/internal/stream"
)

// ErrInvalid is returned when the bytes read so far are malformed and can
// never be completed into a valid request (SPEC_FULL.md §7 ParseError).
var ErrInvalid = errors.New("httpproto: invalid request")

// ErrIncomplete means the bytes read so far are a valid prefix of a request;
// the caller should read more and retry.
var ErrIncomplete = errors.New("httpproto: incomplete request")

// ErrRequestTooLarge means the in-flight request has grown past the Job's
// fixed-size buffer without completing.
var ErrRequestTooLarge = errors.New("httpproto: request too large")

var availableMethods = [][]byte{
	[]byte("GET"),
	[]byte("HEAD"),
	[]byte("POST"),
	[]byte("PUT"),
	[]byte("PATCH"),
	[]byte("DELETE"),
}

// Header is one raw header line; Key and Val are views into the Job's
// buffer, not copies.
type Header struct {
	Key, Val []byte
}

// Request is one parsed HTTP request. Every slice field is a view into the
// owning Job's buffer and is only valid until the next ReadRequest call on
// that Job.
type Request struct {
	Method   []byte
	Path     []byte
	RawQuery []byte
	Protocol []byte
	Host     []byte

	Headers []Header
	Body    []byte

	// Params is filled in by the dispatcher when a route carries named
	// path segments.
	Params []Param
}

// Param is a named path segment captured by the dispatcher's route match.
type Param struct {
	Key, Val []byte
}

// Param looks up a named path segment captured by the dispatcher.
func (r *Request) Param(key string) []byte {
	for _, p := range r.Params {
		if bytesEqualFold(p.Key, key) {
			return p.Val
		}
	}
	return nil
}

// Header looks up the first header matching key, case-insensitively.
func (r *Request) Header(key string) []byte {
	for _, h := range r.Headers {
		if len(h.Key) == len(key) && bytesEqualFold(h.Key, key) {
			return h.Val
		}
	}
	return nil
}

func bytesEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	return bytes.EqualFold(b, []byte(s))
}

// WantsKeepAlive applies HTTP/1.0 vs HTTP/1.1 default keep-alive semantics,
// overridden by an explicit Connection header.
func (r *Request) WantsKeepAlive() bool {
	conn := r.Header("Connection")
	if conn != nil {
		return bytes.EqualFold(conn, []byte("keep-alive"))
	}
	return bytes.Equal(r.Protocol, []byte("HTTP/1.1"))
}

// Reply is the response a Handler (via the Worker's dispatch step) hands
// back for BuildResponse to serialize.
type Reply struct {
	Code      int
	Headers   []Header
	Body      []byte
	KeepAlive bool
}

// ReadRequest reads from s into j.Buf, growing it in place, until a full
// request has been parsed into req or an unrecoverable error occurs. On
// success, any pipelined bytes following the parsed request remain at the
// front of j.Buf for the next call (SPEC_FULL.md §4.5 step 2).
func ReadRequest(s stream.Stream, j *job.Job, hbuf []Header, req *Request) error {
	for {
		n, err := Parse(j.Buf, hbuf, req)
		if err == nil {
			rem := copy(j.Buf, j.Buf[n:])
			j.Buf = j.Buf[:rem]
			return nil
		}
		if !errors.Is(err, ErrIncomplete) {
			return err
		}

		if len(j.Buf) == cap(j.Buf) {
			return ErrRequestTooLarge
		}

		readInto := j.Buf[len(j.Buf):cap(j.Buf)]
		n2, rerr := s.Read(readInto)
		if rerr != nil {
			return rerr
		}
		if n2 == 0 {
			return ErrInvalid
		}
		j.Buf = j.Buf[:len(j.Buf)+n2]
	}
}

// Parse scans raw for one complete HTTP request, writing into req and
// returning the number of bytes consumed. hbuf backs req.Headers so no
// per-request header allocation is needed. Returns ErrIncomplete if raw is
// a valid-so-far prefix, ErrInvalid if it can never become a valid request.
func Parse(raw []byte, hbuf []Header, req *Request) (int, error) {
	*req = Request{}
	crs := 0
	req.Headers = hbuf[:0]

	findsep := func(start int, sep byte) int {
		idx := bytes.IndexByte(raw[start:], sep)
		if idx == -1 {
			return -1
		}
		return start + idx
	}

	sep := findsep(crs, ' ')
	if sep == -1 {
		return 0, ErrIncomplete
	}
	req.Method = raw[crs:sep]

	valid := false
	for _, m := range availableMethods {
		if bytes.Equal(m, req.Method) {
			valid = true
			break
		}
	}
	if !valid {
		return 0, ErrInvalid
	}
	crs = sep + 1

	sep = findsep(crs, ' ')
	if sep == -1 {
		return 0, ErrIncomplete
	}
	rawPath := raw[crs:sep]
	if q := bytes.IndexByte(rawPath, '?'); q != -1 {
		req.Path = rawPath[:q]
		req.RawQuery = rawPath[q+1:]
	} else {
		req.Path = rawPath
	}
	crs = sep + 1

	sep = findsep(crs, '\n')
	if sep == -1 {
		return 0, ErrIncomplete
	}
	if sep > crs && raw[sep-1] == '\r' {
		req.Protocol = raw[crs : sep-1]
		crs = sep + 1
	} else {
		return 0, ErrInvalid
	}

	var contentLen int
	clh := []byte("Content-Length")
	hostKey := []byte("Host")
	for {
		if crs+1 >= len(raw) {
			return 0, ErrIncomplete
		}

		if raw[crs] == '\r' && raw[crs+1] == '\n' {
			crs += 2
			break
		}

		lf := findsep(crs, '\n')
		if lf == -1 {
			return 0, ErrIncomplete
		}
		if raw[lf-1] != '\r' {
			return 0, ErrInvalid
		}

		le := lf - 1
		coloni := findsep(crs, ':')
		if coloni == -1 || coloni > le {
			return 0, ErrInvalid
		}

		vals := coloni + 1
		for vals < le && raw[vals] == ' ' {
			vals++
		}

		key := raw[crs:coloni]
		val := raw[vals:le]

		if len(req.Headers) < cap(hbuf) {
			req.Headers = append(req.Headers, Header{Key: key, Val: val})
		}

		if len(key) == 14 && bytes.EqualFold(clh, key) {
			for _, c := range val {
				if c >= '0' && c <= '9' {
					contentLen = contentLen*10 + int(c-'0')
				}
			}
		} else if len(key) == 4 && bytes.EqualFold(hostKey, key) {
			req.Host = val
		}

		crs = lf + 1
	}

	if contentLen > 0 {
		if crs+contentLen > len(raw) {
			return 0, ErrIncomplete
		}
		req.Body = raw[crs : crs+contentLen]
		crs += contentLen
	}

	return crs, nil
}
