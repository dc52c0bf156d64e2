package protocol

import (
	"bufio"
	"io"
)

// Request is one parsed request line, ready for manager.Dispatch.
type Request struct {
	Verb string
	Args []string
}

// ParseRequest tokenizes a raw request line (CRLF already stripped by the
// line scanner) into a Request.
func ParseRequest(line string) (Request, error) {
	verb, args, err := Tokenize(line)
	if err != nil {
		return Request{}, err
	}
	return Request{Verb: verb, Args: args}, nil
}

// NewLineScanner wraps r in a bufio.Scanner splitting on newlines; the
// trailing '\r' of a CRLF line is stripped by bufio.ScanLines itself, so no
// custom split function is needed (grounded on internal/network's
// bufio.NewScanner(conn) accept-loop reader, generalized from the
// handshake's fixed two-line read to an arbitrary request stream). The
// default token buffer is widened since a single request line may carry a
// large JSON payload.
func NewLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 8*1024*1024)
	return sc
}
