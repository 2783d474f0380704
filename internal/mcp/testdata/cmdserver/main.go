package main

import (
	"context"
	"fmt"
	"os"

	"github.com/codeflex/program-call/internal/mcp"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func main() {
	server := sdk.NewServer(&sdk.Implementation{Name: "test-command", Version: "1.0.0"}, nil)
	mcp.AddTranscriptTool(server, func(ctx context.Context, args mcp.TranscriptArgs) (string, error) {
		return fmt.Sprintf("%s:%d", args.SessionID, len(args.Transcript)), nil
	})
	if err := server.Run(context.Background(), &sdk.StdioTransport{}); err != nil {
		fmt.Fprintf(os.Stderr, "server exited: %v\n", err)
	}
}
