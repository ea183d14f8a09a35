package sieve

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/domsieve/kit"
)

// Version is reported to MCP clients.
var Version = "0.1.0"

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	if properties == nil {
		properties = map[string]any{}
	}
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// RegisterMCP registers the control tools on srv.
func (w *Watcher) RegisterMCP(srv *mcp.Server) {
	eps := w.endpoints()
	pageID := map[string]any{"page_id": str("Configured page id")}

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "sieve_rules",
		Description: "Return the active rule set: keywords, case sensitivity and the disabled switch.",
		InputSchema: inputSchema(nil, nil),
	}, eps.rules, kit.JSONArgs[struct{}]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "sieve_add_keyword",
		Description: "Add a blocked keyword. Feed items containing it are hidden on every filter page.",
		InputSchema: inputSchema(map[string]any{"keyword": str("Literal substring to block")}, []string{"keyword"}),
	}, eps.addKeyword, kit.JSONArgs[KeywordRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "sieve_remove_keyword",
		Description: "Remove a blocked keyword. Items hidden only because of it reappear.",
		InputSchema: inputSchema(map[string]any{"keyword": str("Keyword to remove")}, []string{"keyword"}),
	}, eps.removeKeyword, kit.JSONArgs[KeywordRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "sieve_set_disabled",
		Description: "Pause or resume every page engine.",
		InputSchema: inputSchema(map[string]any{
			"disabled": map[string]any{"type": "boolean", "description": "true pauses scanning"},
		}, []string{"disabled"}),
	}, eps.setDisabled, kit.JSONArgs[DisabledRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "sieve_pages",
		Description: "List configured pages with their engine counters.",
		InputSchema: inputSchema(nil, nil),
	}, eps.pages, kit.JSONArgs[struct{}]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "sieve_page_stats",
		Description: "Engine, render and clip counters of one page.",
		InputSchema: inputSchema(pageID, []string{"page_id"}),
	}, eps.pageStats, kit.JSONArgs[PageRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "sieve_scan",
		Description: "Rescan a page now and return the scan report.",
		InputSchema: inputSchema(pageID, []string{"page_id"}),
	}, eps.scan, kit.JSONArgs[PageRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "sieve_notion_targets",
		Description: "Search the Notion databases and pages the integration can save into.",
		InputSchema: inputSchema(map[string]any{"query": str("Title filter, empty lists everything")}, nil),
	}, eps.targets, kit.JSONArgs[SearchRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "sieve_clips",
		Description: "List archived clips, newest first.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max results (default 50)"},
		}, nil),
	}, eps.clips, kit.JSONArgs[ClipListRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "sieve_clip_get",
		Description: "Return one archived clip with its markdown.",
		InputSchema: inputSchema(map[string]any{"id": str("Clip id")}, []string{"id"}),
	}, eps.clipGet, kit.JSONArgs[ClipGetRequest]())
}

// MCPServer returns a server carrying the control tools.
func (w *Watcher) MCPServer() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "domsieve", Version: Version}, nil)
	w.RegisterMCP(srv)
	return srv
}

func (w *Watcher) mcpHandler() http.Handler {
	srv := w.MCPServer()
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)
}
