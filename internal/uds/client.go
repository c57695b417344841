package uds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrDaemonUnavailable wraps dial failures: no daemon is listening on the socket.
var ErrDaemonUnavailable = errors.New("daemon unavailable")

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SendContext performs one request/response exchange. The connection deadline
// is the earlier of ctx's deadline and the client timeout.
func (c *Client) SendContext(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon at %s: %w: %w\n"+
			"Is the daemon running? Start it with: slawarden daemon",
			c.socketPath, ErrDaemonUnavailable, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	return &resp, nil
}

func (c *Client) Send(req *Request) (*Response, error) {
	return c.SendContext(context.Background(), req)
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// CallContext sends command and decodes a successful response into out,
// which may be nil. A failed response is returned as its *ErrorDetail.
func (c *Client) CallContext(ctx context.Context, command string, params, out any) error {
	req, err := NewRequest(command, params)
	if err != nil {
		return err
	}
	resp, err := c.SendContext(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success {
		if resp.Error == nil {
			return &ErrorDetail{Code: ErrCodeInternal, Message: command + " failed without detail"}
		}
		return resp.Error
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", command, err)
	}
	return nil
}

func (c *Client) Call(command string, params, out any) error {
	return c.CallContext(context.Background(), command, params, out)
}
