package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/katra-memory/katra/internal/async"
	"github.com/katra-memory/katra/internal/synthesis"
)

// --- helpers ---

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func callTool(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	result, err := h(context.Background(), makeCallToolRequest(name, args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return result
}

// --- tests ---

func TestMCPTool_Remember(t *testing.T) {
	env := newTestEnv(t, async.Config{MinWorkers: 1, MaxWorkers: 1}, nil)

	result := callTool(t, mcpRemember(env.deps), "katra_remember", map[string]interface{}{
		"ci_id":      "ci1",
		"content":    "Learned to juggle",
		"type":       "knowledge",
		"importance": 0.7,
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	text := toolText(t, result)
	id := strings.TrimPrefix(text, "Stored memory ")
	if id == text || id == "" {
		t.Fatalf("expected memory id in response, got: %s", text)
	}

	rec, err := env.store.GetMemory(context.Background(), id)
	if err != nil {
		t.Fatalf("loading memory: %v", err)
	}
	if rec.Content != "Learned to juggle" || rec.Importance != 0.7 || rec.Type.String() != "knowledge" {
		t.Errorf("record = %+v", rec)
	}
}

func TestMCPTool_Remember_Invalid(t *testing.T) {
	env := newTestEnv(t, async.Config{MinWorkers: 1, MaxWorkers: 1}, nil)
	h := mcpRemember(env.deps)

	for name, args := range map[string]map[string]interface{}{
		"missing ci":      {"content": "x"},
		"missing content": {"ci_id": "ci1"},
		"bad type":        {"ci_id": "ci1", "content": "x", "type": "dream"},
		"bad importance":  {"ci_id": "ci1", "content": "x", "importance": 3.0},
	} {
		if result := callTool(t, h, "katra_remember", args); !result.IsError {
			t.Errorf("%s: expected error result", name)
		}
	}
}

func TestMCPTool_Recall(t *testing.T) {
	env := newTestEnv(t, async.Config{MinWorkers: 1, MaxWorkers: 1}, nil)
	env.remember(t, "ci1", "Walked the dog")
	env.remember(t, "ci1", "Dog chased a squirrel")
	env.remember(t, "ci1", "Read a book")

	result := callTool(t, mcpRecall(env.deps), "katra_recall", map[string]interface{}{
		"ci_id": "ci1",
		"topic": "dog",
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var recs []Record
	if err := json.Unmarshal([]byte(toolText(t, result)), &recs); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
}

func TestMCPTool_Recall_EmptyResult(t *testing.T) {
	env := newTestEnv(t, async.Config{MinWorkers: 1, MaxWorkers: 1}, nil)

	result := callTool(t, mcpRecall(env.deps), "katra_recall", map[string]interface{}{
		"ci_id": "ci1",
		"topic": "nonexistent topic",
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if text := toolText(t, result); text != "[]" {
		t.Fatalf("expected empty array, got: %s", text)
	}
}

func TestMCPTool_RecallSynthesized(t *testing.T) {
	env := newTestEnv(t, async.Config{MinWorkers: 1, MaxWorkers: 1}, nil)
	env.remember(t, "ci1", "The garden tomatoes ripened")

	result := callTool(t, mcpRecallSynthesized(env.deps), "katra_recall_synthesized", map[string]interface{}{
		"ci_id":  "ci1",
		"query":  "tomatoes",
		"preset": "fast",
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var rs synthesis.ResultSet
	if err := json.Unmarshal([]byte(toolText(t, result)), &rs); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(rs.Results) == 0 || rs.SQLMatches != 1 {
		t.Errorf("result set = %+v", rs)
	}

	result = callTool(t, mcpRecallSynthesized(env.deps), "katra_recall_synthesized", map[string]interface{}{
		"ci_id":  "ci1",
		"query":  "tomatoes",
		"preset": "everything",
	})
	if !result.IsError {
		t.Error("expected error for unknown preset")
	}
}

func TestMCPTool_RecallRelated(t *testing.T) {
	env := newTestEnv(t, async.Config{MinWorkers: 1, MaxWorkers: 1}, nil)
	id := env.remember(t, "ci1", "anchor")

	result := callTool(t, mcpRecallRelated(env.deps), "katra_recall_related", map[string]interface{}{"record_id": id})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	result = callTool(t, mcpRecallRelated(env.deps), "katra_recall_related", map[string]interface{}{"record_id": "missing"})
	if !result.IsError {
		t.Error("expected error for unknown record")
	}
}

func TestMCPTool_WhatDoIKnow(t *testing.T) {
	env := newTestEnv(t, async.Config{MinWorkers: 1, MaxWorkers: 1}, nil)
	env.deps.Index = fixedIndex(4)
	env.remember(t, "ci1", "sourdough needs a mature starter")

	result := callTool(t, mcpWhatDoIKnow(env.deps), "katra_what_do_i_know", map[string]interface{}{
		"ci_id":   "ci1",
		"concept": "sourdough",
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var k Knowledge
	if err := json.Unmarshal([]byte(toolText(t, result)), &k); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if k.Concept != "sourdough" || k.Indexed != 4 || k.Synthesis == nil || k.Synthesis.SQLMatches != 1 {
		t.Errorf("knowledge = %+v", k)
	}

	if result := callTool(t, mcpWhatDoIKnow(env.deps), "katra_what_do_i_know", map[string]interface{}{"ci_id": "ci1"}); !result.IsError {
		t.Error("expected error without concept")
	}
}

func TestMCPTool_WorkingDecay(t *testing.T) {
	env := newTestEnv(t, async.Config{MinWorkers: 1, MaxWorkers: 1}, nil)
	env.remember(t, "ci1", "Practised juggling")

	result := callTool(t, mcpWorkingDecay(env.deps), "katra_wm_decay", map[string]interface{}{
		"ci_id": "ci1",
		"rate":  0.5,
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	matches, err := env.working.Attention(context.Background(), "ci1", "juggling")
	if err != nil {
		t.Fatalf("attention: %v", err)
	}
	if len(matches) != 1 || matches[0].Attention != 0.5 {
		t.Errorf("matches = %+v, want one at attention 0.5", matches)
	}

	if result := callTool(t, mcpWorkingDecay(env.deps), "katra_wm_decay", map[string]interface{}{"ci_id": "ci1", "rate": 2.0}); !result.IsError {
		t.Error("expected error for rate above 1")
	}

	env.deps.Working = nil
	if result := callTool(t, mcpWorkingDecay(env.deps), "katra_wm_decay", map[string]interface{}{"ci_id": "ci1"}); !result.IsError {
		t.Error("expected error when working memory is disabled")
	}
}

func TestMCPTool_PoolStats(t *testing.T) {
	env := newTestEnv(t, async.Config{MinWorkers: 1, MaxWorkers: 3, QueueCapacity: 7}, nil)

	result := callTool(t, mcpPoolStats(env.deps), "katra_pool_stats", nil)
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var stats StatsResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &stats); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if stats.Pool.MaxWorkers != 3 || stats.Pool.QueueCapacity != 7 {
		t.Errorf("pool = %+v", stats.Pool)
	}
}

func TestMCPResource_Stats(t *testing.T) {
	env := newTestEnv(t, async.Config{MinWorkers: 1, MaxWorkers: 1}, nil)

	contents, err := mcpResourceStats(env.deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "katra://stats"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.URI != "katra://stats" || !strings.Contains(tc.Text, `"pool"`) {
		t.Errorf("contents = %+v", tc)
	}
}

func TestMCPServer_ListsTools(t *testing.T) {
	env := newTestEnv(t, async.Config{MinWorkers: 1, MaxWorkers: 1}, nil)
	s := NewMCPServer(env.deps, "test")
	ctx := context.Background()

	s.HandleMessage(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`))
	resp := s.HandleMessage(ctx, []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))

	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"katra_remember", "katra_recall", "katra_recall_synthesized", "katra_recall_related", "katra_what_do_i_know", "katra_wm_decay", "katra_pool_stats"} {
		if !strings.Contains(string(b), name) {
			t.Errorf("tools/list missing %s: %s", name, b)
		}
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	env := newTestEnv(t, async.Config{MinWorkers: 1, MaxWorkers: 4}, nil)

	rememberHandler := mcpRemember(env.deps)
	recallHandler := mcpRecall(env.deps)

	var wg sync.WaitGroup
	errs := make(chan string, 20)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := rememberHandler(context.Background(), makeCallToolRequest("katra_remember", map[string]interface{}{
				"ci_id":   "ci1",
				"content": "concurrent content",
			}))
			if err != nil {
				errs <- err.Error()
			} else if result.IsError {
				errs <- result.Content[0].(mcp.TextContent).Text
			}
		}()
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := recallHandler(context.Background(), makeCallToolRequest("katra_recall", map[string]interface{}{
				"ci_id": "ci1",
				"topic": "concurrent",
			}))
			if err != nil {
				errs <- err.Error()
			} else if result.IsError {
				errs <- result.Content[0].(mcp.TextContent).Text
			}
		}()
	}

	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Fatalf("concurrent call failed: %s", msg)
	}
}
