package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Decoder turns raw MCP tool arguments into an endpoint request.
type Decoder func(args json.RawMessage) (any, error)

// JSONArgs decodes the arguments into a fresh T. Empty arguments give
// the zero T.
func JSONArgs[T any]() Decoder {
	return func(args json.RawMessage) (any, error) {
		var v T
		if len(args) == 0 || string(args) == "null" {
			return v, nil
		}
		if err := json.Unmarshal(args, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// RegisterMCPTool mounts endpoint as an MCP tool. Decode and endpoint
// failures are reported as tool errors, never as protocol errors, so the
// client sees the message.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode Decoder) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = WithTransport(ctx, "mcp")
		var args json.RawMessage
		if req != nil && req.Params != nil {
			args = req.Params.Arguments
		}
		in, err := decode(args)
		if err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}
		out, err := endpoint(ctx, in)
		if err != nil {
			return toolError(err), nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			return toolError(fmt.Errorf("marshal: %w", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}
