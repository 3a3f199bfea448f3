package dap

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"

	"github.com/google/go-dap"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// errClosed is returned for requests on a closed connection
var errClosed = errors.New("dap connection closed")

// Client speaks DAP to a Delve DAP server. Responses are matched to their
// requests by sequence number; events are handed out on Events().
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	logger zerolog.Logger

	// onOutput receives output events directly from the reader so that
	// chatty targets cannot fill the events channel.
	onOutput func(category, output string)

	mu      sync.Mutex
	seq     int
	pending map[int]chan dap.Message

	writeMu sync.Mutex

	events chan dap.Message
	done   chan struct{}
	once   sync.Once
}

// NewClient wraps an established connection and starts reading from it
func NewClient(conn net.Conn, logger zerolog.Logger, onOutput func(category, output string)) *Client {
	c := &Client{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		logger:   logger,
		onOutput: onOutput,
		seq:      1,
		pending:  make(map[int]chan dap.Message),
		events:   make(chan dap.Message, 100),
		done:     make(chan struct{}),
	}
	go c.readEvents()
	return c
}

// Events delivers every event except output. It is closed when the
// connection ends.
func (c *Client) Events() <-chan dap.Message {
	return c.events
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection to the DAP server
func (c *Client) Close() error {
	c.shutdown()
	return c.conn.Close()
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
	})
}

// readEvents reads messages until the connection ends
func (c *Client) readEvents() {
	defer close(c.events)
	defer c.shutdown()

	for {
		message, err := dap.ReadProtocolMessage(c.reader)
		if err != nil {
			var fieldErr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &fieldErr) {
				c.logger.Debug().Err(err).Msg("skipping undecodable DAP message")
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Warn().Err(err).Msg("error reading DAP message")
			}
			return
		}

		switch m := message.(type) {
		case dap.ResponseMessage:
			c.deliver(m)
		case *dap.OutputEvent:
			if c.onOutput != nil {
				c.onOutput(m.Body.Category, m.Body.Output)
			}
		case dap.EventMessage:
			c.logger.Debug().Str("event", m.GetEvent().Event).Msg("DAP event received")
			select {
			case c.events <- m:
			case <-c.done:
				return
			}
		default:
			c.logger.Debug().Msgf("DAP message received: %T", message)
		}
	}
}

func (c *Client) deliver(resp dap.ResponseMessage) {
	seq := resp.GetResponse().RequestSeq
	c.mu.Lock()
	ch, ok := c.pending[seq]
	delete(c.pending, seq)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Int("request_seq", seq).Msg("response without pending request")
		return
	}
	ch <- resp
}

// newRequest creates a new DAP request with a unique sequence number
func (c *Client) newRequest(command string) dap.Request {
	c.mu.Lock()
	seq := c.seq
	c.seq++
	c.mu.Unlock()
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  seq,
			Type: "request",
		},
		Command: command,
	}
}

// Send writes request and waits for its response. Unsuccessful responses
// are returned as errors.
func (c *Client) Send(ctx context.Context, request dap.RequestMessage) (dap.Message, error) {
	req := request.GetRequest()
	ch := make(chan dap.Message, 1)

	c.mu.Lock()
	c.pending[req.Seq] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.Seq)
		c.mu.Unlock()
	}()

	select {
	case <-c.done:
		return nil, errClosed
	default:
	}

	c.writeMu.Lock()
	err := dap.WriteProtocolMessage(c.conn, request)
	c.writeMu.Unlock()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send %s request", req.Command)
	}

	select {
	case msg := <-ch:
		if er, ok := msg.(*dap.ErrorResponse); ok {
			detail := er.Message
			if er.Body.Error != nil && er.Body.Error.Format != "" {
				detail = er.Body.Error.Format
			}
			return nil, errors.Errorf("%s failed: %s", req.Command, detail)
		}
		if resp, ok := msg.(dap.ResponseMessage); ok && !resp.GetResponse().Success {
			return nil, errors.Errorf("%s failed: %s", req.Command, resp.GetResponse().Message)
		}
		return msg, nil
	case <-c.done:
		return nil, errClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
