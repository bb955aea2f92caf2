// Package runner drives a batch of serial numbers through a test plan
// against a DUT endpoint, with bounded retries, per-step timeouts, limit
// checks, and one logged event per attempt.
package runner

import (
	"bytes"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mtap-io/mtap/pkg/protocol"
)

// Result is one DUT round-trip as seen by the client. The client never
// interprets semantics; it only surfaces what came back (or why nothing
// did).
type Result struct {
	OK        bool
	ErrorCode *string
	Message   string
	Data      map[string]any
	// Raw is the parsed wire object, kept for event replay. Empty on
	// transport failures.
	Raw map[string]any
}

// Client talks the line protocol to the DUT server. Every call opens a
// fresh TCP connection; there is no pooling.
type Client struct {
	host    string
	port    int
	timeout time.Duration
}

// NewClient creates a client with a default per-call timeout.
func NewClient(host string, port int, timeout time.Duration) *Client {
	return &Client{host: host, port: port, timeout: timeout}
}

// Call sends one command line and waits for one response line. The timeout
// (the client default when d is zero) covers connect, send, and receive
// together.
func (c *Client) Call(cmd string, args []string, d time.Duration) Result {
	line := strings.TrimSpace(cmd + " " + strings.Join(args, " "))
	return c.callLine(line, d)
}

func (c *Client) callLine(line string, d time.Duration) Result {
	if d <= 0 {
		d = c.timeout
	}
	deadline := time.Now().Add(d)

	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	conn, err := net.DialTimeout("tcp", addr, d)
	if err != nil {
		return failure(err)
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return failure(err)
	}

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for !bytes.ContainsRune(buf, '\n') {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			continue
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return errResult(protocol.ErrTimeout, "Client timeout")
			}
			// Peer closed without a complete line: indistinguishable from a
			// dropped response, so report it as a timeout.
			return errResult(protocol.ErrTimeout, "No complete response line from DUT")
		}
	}

	idx := bytes.IndexByte(buf, '\n')
	resp, err := protocol.Unmarshal(buf[:idx])
	if err != nil {
		return errResult(protocol.ErrBadResp, err.Error())
	}

	raw := map[string]any{
		"ok":         resp.OK,
		"error_code": nilOrString(resp.ErrorCode),
		"message":    resp.Message,
		"data":       resp.Data,
		"meta":       map[string]any{"cmd": resp.Meta.Cmd},
	}
	return Result{
		OK:        resp.OK,
		ErrorCode: resp.ErrorCode,
		Message:   resp.Message,
		Data:      resp.Data,
		Raw:       raw,
	}
}

func failure(err error) Result {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return errResult(protocol.ErrTimeout, "Client timeout")
	}
	return errResult(protocol.ErrClient, err.Error())
}

func errResult(code, message string) Result {
	return Result{
		OK:        false,
		ErrorCode: &code,
		Message:   message,
		Data:      map[string]any{},
		Raw:       map[string]any{},
	}
}

func nilOrString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
