package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/codeflex/program-call/internal/call"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// TranscriptToolName is the tool a finished call is delivered to.
const TranscriptToolName = "submit_call_transcript"

// TranscriptArgs is the input of the transcript tool.
type TranscriptArgs struct {
	SessionID  string                 `json:"session_id" jsonschema:"id of the page mount that ran the call"`
	Reason     string                 `json:"reason" jsonschema:"why the call ended: call-end or provider-error"`
	StartedAt  string                 `json:"started_at,omitempty" jsonschema:"RFC 3339 time the call became active"`
	EndedAt    string                 `json:"ended_at" jsonschema:"RFC 3339 time the call ended"`
	Transcript []call.TranscriptEntry `json:"transcript" jsonschema:"finalized utterances in order"`
	Error      string                 `json:"error,omitempty" jsonschema:"provider error that ended the call, if any"`
}

// ArgsFromSummary converts a controller summary to tool input.
func ArgsFromSummary(s call.Summary) TranscriptArgs {
	a := TranscriptArgs{
		SessionID:  s.SessionID,
		Reason:     string(s.Reason),
		EndedAt:    s.EndedAt.UTC().Format(time.RFC3339Nano),
		Transcript: s.Transcript,
		Error:      s.Error,
	}
	if a.Transcript == nil {
		a.Transcript = []call.TranscriptEntry{}
	}
	if !s.StartedAt.IsZero() {
		a.StartedAt = s.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	return a
}

// TranscriptHandler receives a delivered transcript and returns the text
// sent back to the caller.
type TranscriptHandler func(ctx context.Context, args TranscriptArgs) (string, error)

// AddTranscriptTool registers the transcript tool on server.
func AddTranscriptTool(server *sdk.Server, h TranscriptHandler) {
	tool := &sdk.Tool{
		Name:        TranscriptToolName,
		Description: "Receive the transcript of a finished program-generation call",
	}
	sdk.AddTool(server, tool, func(ctx context.Context, req *sdk.CallToolRequest, args TranscriptArgs) (*sdk.CallToolResult, any, error) {
		if args.SessionID == "" {
			return nil, nil, fmt.Errorf("session_id is required")
		}
		text, err := h(ctx, args)
		if err != nil {
			return nil, nil, err
		}
		return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}}, nil, nil
	})
}
