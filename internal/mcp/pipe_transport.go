package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// pipeTransport speaks newline-delimited JSON-RPC over a child process's
// stdout and stdin.
type pipeTransport struct {
	conn *pipeConnection
}

func newPipeTransport(r io.ReadCloser, w io.WriteCloser) *pipeTransport {
	return &pipeTransport{conn: newPipeConnection(r, w)}
}

func (t *pipeTransport) Connect(context.Context) (sdk.Connection, error) {
	return t.conn, nil
}

type pipeConnection struct {
	r io.ReadCloser
	w io.WriteCloser

	// incoming is closed after the first decode error, which is delivered
	// as the last value.
	incoming chan decoded
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

type decoded struct {
	msg jsonrpc.Message
	err error
}

func newPipeConnection(r io.ReadCloser, w io.WriteCloser) *pipeConnection {
	c := &pipeConnection{
		r:        r,
		w:        w,
		incoming: make(chan decoded, 1),
		done:     make(chan struct{}),
	}
	go c.decodeLoop()
	return c
}

func (c *pipeConnection) decodeLoop() {
	defer close(c.incoming)
	dec := json.NewDecoder(c.r)
	for {
		var raw json.RawMessage
		var d decoded
		if err := dec.Decode(&raw); err != nil {
			d.err = err
		} else {
			d.msg, d.err = jsonrpc.DecodeMessage(raw)
		}
		select {
		case c.incoming <- d:
		case <-c.done:
			return
		}
		if d.err != nil {
			return
		}
	}
}

func (c *pipeConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-c.incoming:
		if !ok {
			return nil, io.EOF
		}
		return d.msg, d.err
	}
}

func (c *pipeConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(append(data, '\n'))
	return err
}

func (c *pipeConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = errors.Join(c.r.Close(), c.w.Close())
	})
	return c.closeErr
}

func (c *pipeConnection) SessionID() string { return "" }
