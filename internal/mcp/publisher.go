package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/codeflex/program-call/internal/call"
	"github.com/codeflex/program-call/internal/logging"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolCaller is the part of ClientWrapper the publisher needs.
type ToolCaller interface {
	Server() string
	CallTool(ctx context.Context, name string, args any) (*sdk.CallToolResult, error)
}

// PublishRecorder counts deliveries. internal/metrics implements it.
type PublishRecorder interface {
	RecordSummaryPublished()
	RecordSummaryDropped()
	RecordPublishFailure()
}

type noopPublishRecorder struct{}

func (noopPublishRecorder) RecordSummaryPublished() {}
func (noopPublishRecorder) RecordSummaryDropped()   {}
func (noopPublishRecorder) RecordPublishFailure()   {}

// Publisher delivers call summaries to every connected MCP server from a
// bounded queue. Enqueue never blocks the call page.
type Publisher struct {
	tool    string
	clients []ToolCaller
	timeout time.Duration
	rec     PublishRecorder

	mu     sync.Mutex
	closed bool
	queue  chan call.Summary
	done   chan struct{}
}

// NewPublisher starts the delivery goroutine. size bounds the queue.
func NewPublisher(tool string, clients []ToolCaller, size int, rec PublishRecorder) *Publisher {
	if tool == "" {
		tool = TranscriptToolName
	}
	if size < 1 {
		size = 1
	}
	if rec == nil {
		rec = noopPublishRecorder{}
	}
	p := &Publisher{
		tool:    tool,
		clients: clients,
		timeout: 10 * time.Second,
		rec:     rec,
		queue:   make(chan call.Summary, size),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Enqueue hands s to the delivery goroutine. It reports false when the
// queue is full or the publisher is closed; the summary is then dropped.
func (p *Publisher) Enqueue(s call.Summary) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- s:
		return true
	default:
		p.rec.RecordSummaryDropped()
		return false
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for s := range p.queue {
		p.publish(s)
	}
}

func (p *Publisher) publish(s call.Summary) {
	args := ArgsFromSummary(s)
	for _, c := range p.clients {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		_, err := c.CallTool(ctx, p.tool, args)
		cancel()
		if err != nil {
			p.rec.RecordPublishFailure()
			logging.Warnw("mcp: summary delivery failed", "server", c.Server(), "session.id", s.SessionID, "err", err)
			continue
		}
		p.rec.RecordSummaryPublished()
		logging.Infow("mcp: summary delivered", "server", c.Server(), "session.id", s.SessionID, "entries", len(s.Transcript))
	}
}

// Close stops accepting summaries and waits for queued ones to be delivered
// or for ctx to expire.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
