package recordrpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"huddle/protocol"

	"github.com/fxamacker/cbor/v2"
)

const dialTimeout = 3 * time.Second

// Client is a connection to a remote record host. A Client serializes its
// calls; concurrent callers queue on an internal mutex.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	encoder *cbor.Encoder
	decoder *cbor.Decoder
}

func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}

	return &Client{
		conn:    conn,
		encoder: cbor.NewEncoder(conn),
		decoder: cbor.NewDecoder(conn),
	}, nil
}

// Call sends one request and waits for its response. The context deadline, if
// any, bounds the whole round trip.
func (c *Client) Call(ctx context.Context, req *protocol.RecordRequest) (*protocol.RecordResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if err := c.encoder.Encode(req); err != nil {
		return nil, err
	}

	res := &protocol.RecordResponse{}
	if err := c.decoder.Decode(res); err != nil {
		return nil, err
	}

	if res.Err != "" {
		return nil, errors.New(res.Err)
	}

	return res, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
