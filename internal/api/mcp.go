package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/katra-memory/katra/internal/async"
	"github.com/katra-memory/katra/internal/memory"
)

// mcpAwait bounds how long a tool call waits for its promise.
const mcpAwait = 30 * time.Second

// NewMCPServer creates an MCP server with the katra tools and resources
// registered.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	deps.setDefaults()

	s := server.NewMCPServer(
		"katra",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("katra: persistent memory for companion intelligences. Remember experiences, then recall them by topic or through synthesized multi-backend search."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("katra_remember",
			mcp.WithDescription("Store a memory for a companion intelligence. It becomes searchable by vector and graph recall once indexed."),
			mcp.WithString("ci_id", mcp.Description("Companion intelligence id"), mcp.Required()),
			mcp.WithString("content", mcp.Description("What to remember"), mcp.Required()),
			mcp.WithString("type", mcp.Description("Memory type"),
				mcp.Enum("experience", "knowledge", "reflection", "pattern", "goal", "decision")),
			mcp.WithNumber("importance", mcp.Description("Importance in [0,1] (default 0.5)")),
			mcp.WithString("session_id", mcp.Description("Session the memory belongs to")),
		),
		mcpRemember(deps),
	)

	s.AddTool(
		mcp.NewTool("katra_recall",
			mcp.WithDescription("Return recent memories whose content mentions a topic, newest first."),
			mcp.WithString("ci_id", mcp.Description("Companion intelligence id"), mcp.Required()),
			mcp.WithString("topic", mcp.Description("Topic to look for; empty returns the most recent memories")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of memories to scan (default 20)")),
		),
		mcpRecall(deps),
	)

	s.AddTool(
		mcp.NewTool("katra_recall_synthesized",
			mcp.WithDescription("Search vector, graph, keyword and working memory at once and return merged, ranked results."),
			mcp.WithString("ci_id", mcp.Description("Companion intelligence id"), mcp.Required()),
			mcp.WithString("query", mcp.Description("What to recall"), mcp.Required()),
			mcp.WithString("preset", mcp.Description("Backend preset"),
				mcp.Enum("comprehensive", "semantic", "relationships", "fast")),
		),
		mcpRecallSynthesized(deps),
	)

	s.AddTool(
		mcp.NewTool("katra_recall_related",
			mcp.WithDescription("Return memories connected to a stored memory."),
			mcp.WithString("record_id", mcp.Description("Id of the stored memory"), mcp.Required()),
			mcp.WithString("preset", mcp.Description("Backend preset"),
				mcp.Enum("comprehensive", "semantic", "relationships", "fast")),
		),
		mcpRecallRelated(deps),
	)

	s.AddTool(
		mcp.NewTool("katra_what_do_i_know",
			mcp.WithDescription("Summarize what a companion intelligence knows about a concept across every memory backend."),
			mcp.WithString("ci_id", mcp.Description("Companion intelligence id"), mcp.Required()),
			mcp.WithString("concept", mcp.Description("Concept to look up"), mcp.Required()),
			mcp.WithString("preset", mcp.Description("Backend preset"),
				mcp.Enum("comprehensive", "semantic", "relationships", "fast")),
		),
		mcpWhatDoIKnow(deps),
	)

	s.AddTool(
		mcp.NewTool("katra_wm_decay",
			mcp.WithDescription("Fade the attention of every memory a companion intelligence holds in working memory."),
			mcp.WithString("ci_id", mcp.Description("Companion intelligence id"), mcp.Required()),
			mcp.WithNumber("rate", mcp.Description("Fraction of attention to remove, 0 to 1 (default 0.1)")),
		),
		mcpWorkingDecay(deps),
	)

	s.AddTool(
		mcp.NewTool("katra_pool_stats",
			mcp.WithDescription("Report worker pool statistics and pending background jobs."),
		),
		mcpPoolStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"katra://stats",
			"Engine Statistics",
			mcp.WithResourceDescription("Worker pool statistics and job queue counts as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpRemember(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ciID, err := req.RequireString("ci_id")
		if err != nil {
			return mcpError("ci_id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		rec := memory.Record{
			CIID:       ciID,
			SessionID:  req.GetString("session_id", ""),
			Content:    content,
			Importance: req.GetFloat("importance", defaultImportance),
		}
		if t := req.GetString("type", ""); t != "" {
			if rec.Type, err = memory.ParseType(t); err != nil {
				return mcpError(err.Error()), nil
			}
		}

		saved, err := remember(ctx, deps, rec)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to remember: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored memory %s", saved.ID)), nil
	}
}

func mcpRecall(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ciID, err := req.RequireString("ci_id")
		if err != nil {
			return mcpError("ci_id is required"), nil
		}
		limit := req.GetInt("limit", memory.DefaultQueryLimit)
		if limit > 100 {
			limit = 100
		}

		pr, err := deps.Pool.RecallAsync(ciID, req.GetString("topic", ""), limit, async.WithPriority(async.PriorityHigh))
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}
		if res := awaitTool(ctx, pr); res != nil {
			return res, nil
		}
		recs, err := pr.TakeRecall()
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}
		return mcpJSON(toRecords(recs))
	}
}

func mcpRecallSynthesized(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ciID, err := req.RequireString("ci_id")
		if err != nil {
			return mcpError("ci_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		opts, err := resolveOptions(deps, req.GetString("preset", ""), nil)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		pr, err := deps.Pool.RecallSynthesizedAsync(ciID, query, &opts, async.WithPriority(async.PriorityHigh))
		if err != nil {
			return mcpError(fmt.Sprintf("synthesized recall failed: %v", err)), nil
		}
		if res := awaitTool(ctx, pr); res != nil {
			return res, nil
		}
		rs, err := pr.TakeSynthesis()
		if err != nil {
			return mcpError(fmt.Sprintf("synthesized recall failed: %v", err)), nil
		}
		return mcpJSON(rs)
	}
}

func mcpRecallRelated(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("record_id")
		if err != nil {
			return mcpError("record_id is required"), nil
		}
		opts, err := resolveOptions(deps, req.GetString("preset", ""), nil)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		pr, err := submitRelated(deps, id, opts, async.PriorityHigh)
		if err != nil {
			return mcpError(fmt.Sprintf("related recall failed: %v", err)), nil
		}
		if res := awaitTool(ctx, pr); res != nil {
			return res, nil
		}
		v, err := pr.TakeCustom()
		if err != nil {
			return mcpError(fmt.Sprintf("related recall failed: %v", err)), nil
		}
		return mcpJSON(v)
	}
}

func mcpWhatDoIKnow(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ciID, err := req.RequireString("ci_id")
		if err != nil {
			return mcpError("ci_id is required"), nil
		}
		concept, err := req.RequireString("concept")
		if err != nil {
			return mcpError("concept is required"), nil
		}
		opts, err := resolveOptions(deps, req.GetString("preset", ""), nil)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		pr, err := submitKnowledge(deps, ciID, concept, opts, async.PriorityHigh)
		if err != nil {
			return mcpError(fmt.Sprintf("knowledge recall failed: %v", err)), nil
		}
		if res := awaitTool(ctx, pr); res != nil {
			return res, nil
		}
		v, err := pr.TakeCustom()
		if err != nil {
			return mcpError(fmt.Sprintf("knowledge recall failed: %v", err)), nil
		}
		return mcpJSON(v)
	}
}

func mcpWorkingDecay(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ciID, err := req.RequireString("ci_id")
		if err != nil {
			return mcpError("ci_id is required"), nil
		}
		if deps.Working == nil {
			return mcpError("working memory is disabled"), nil
		}
		rate := req.GetFloat("rate", 0.1)
		if rate < 0 || rate > 1 {
			return mcpError("rate must be between 0 and 1"), nil
		}
		deps.Working.Decay(ciID, rate)
		return mcpText(fmt.Sprintf("Decayed working memory of %s by %.2f", ciID, rate)), nil
	}
}

func mcpPoolStats(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := collectStats(deps)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(stats)
	}
}

func mcpResourceStats(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := collectStats(deps)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func collectStats(deps Deps) (StatsResponse, error) {
	jobs, err := deps.Store.JobCounts()
	if err != nil {
		return StatsResponse{}, fmt.Errorf("failed to count jobs: %w", err)
	}
	return StatsResponse{
		Pool:     toPoolStats(deps.Pool.Stats()),
		Promises: deps.Promises.Len(),
		Jobs:     jobs,
	}, nil
}

// awaitTool waits for pr and returns an error result when it did not
// fulfil. A promise still running after mcpAwait is released.
func awaitTool(ctx context.Context, pr *async.Promise) *mcp.CallToolResult {
	ctx, cancel := context.WithTimeout(ctx, mcpAwait)
	defer cancel()
	if err := pr.AwaitContext(ctx); err != nil {
		pr.Release()
		return mcpError(err.Error())
	}
	return nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
