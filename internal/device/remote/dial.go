package remote

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Retry defaults for agent connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// Dialer opens a raw connection to a device agent.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context) (net.Conn, error)

func (f DialFunc) Dial(ctx context.Context) (net.Conn, error) { return f(ctx) }

// VsockDialer connects to an agent listening on a vsock port of the given
// context ID.
type VsockDialer struct {
	CID  uint32
	Port uint32
}

func (d VsockDialer) Dial(ctx context.Context) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := vsock.Dial(d.CID, d.Port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock dial %d:%d: %w", d.CID, d.Port, err)
	}
	return conn, nil
}

// UDSDialer connects through a hypervisor's vsock Unix socket bridge.
// Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
type UDSDialer struct {
	Path string
	Port uint32
}

func (d UDSDialer) Dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", d.Path)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", d.Path, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", d.Port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	// Keep the buffered reader for all later reads so bytes read ahead of
	// the handshake line are not lost.
	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &bufferedConn{Conn: conn, r: reader}, nil
}

// bufferedConn reads through the reader used for the handshake.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// dialWithRetry calls d with exponential backoff.
func dialWithRetry(ctx context.Context, d Dialer) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial agent: %w", ctx.Err())
		default:
		}

		conn, err := d.Dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		dialRetries.Inc()
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial agent: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial agent after %d attempts: %w", dialMaxRetries, lastErr)
}
