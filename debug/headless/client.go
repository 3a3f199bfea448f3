package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// errClosed is returned for calls on a closed connection
var errClosed = errors.New("headless connection closed")

// jsonRPCRequest is a JSON-RPC 1.0 request as Delve's server reads it
type jsonRPCRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	Id     int           `json:"id"`
}

// jsonRPCResponse carries either a result or an error string
type jsonRPCResponse struct {
	Id     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  interface{}     `json:"error"`
}

// Client talks to a Delve headless server. Calls may overlap: a running
// Command is answered only when the target stops.
type Client struct {
	conn   net.Conn
	logger zerolog.Logger

	mu      sync.Mutex
	seq     int
	pending map[int]chan jsonRPCResponse

	writeMu sync.Mutex

	done chan struct{}
	once sync.Once
}

// NewClient wraps an established connection and starts reading from it
func NewClient(conn net.Conn, logger zerolog.Logger) *Client {
	c := &Client{
		conn:    conn,
		logger:  logger,
		seq:     1,
		pending: make(map[int]chan jsonRPCResponse),
		done:    make(chan struct{}),
	}
	go c.readResponses()
	return c
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection to the headless server
func (c *Client) Close() error {
	c.shutdown()
	return c.conn.Close()
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *Client) readResponses() {
	defer c.shutdown()

	dec := json.NewDecoder(c.conn)
	for {
		var resp jsonRPCResponse
		if err := dec.Decode(&resp); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Warn().Err(err).Msg("error reading response from Delve")
			}
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.Id]
		delete(c.pending, resp.Id)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug().Int("id", resp.Id).Msg("response without pending call")
			continue
		}
		ch <- resp
	}
}

// call invokes method with params and decodes the result into T
func call[T any](ctx context.Context, c *Client, method RPCMethod, params interface{}) (T, error) {
	var result T

	c.mu.Lock()
	seq := c.seq
	c.seq++
	ch := make(chan jsonRPCResponse, 1)
	c.pending[seq] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	select {
	case <-c.done:
		return result, errClosed
	default:
	}

	req := jsonRPCRequest{
		Method: string(method),
		Params: []interface{}{params},
		Id:     seq,
	}
	c.logger.Debug().Str("method", string(method)).Int("id", seq).Msg("sending request to Delve")

	c.writeMu.Lock()
	err := json.NewEncoder(c.conn).Encode(req)
	c.writeMu.Unlock()
	if err != nil {
		return result, errors.Wrapf(err, "failed to send %s", method)
	}

	var resp jsonRPCResponse
	select {
	case resp = <-ch:
	case <-c.done:
		return result, errClosed
	case <-ctx.Done():
		return result, ctx.Err()
	}

	if resp.Error != nil {
		if msg, ok := resp.Error.(string); ok {
			return result, errors.New(msg)
		}
		return result, errors.New(fmt.Sprint(resp.Error))
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return result, errors.Wrapf(err, "failed to unmarshal %s result", method)
	}
	return result, nil
}
