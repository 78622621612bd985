package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rvanner/lore/internal/config"
	"github.com/rvanner/lore/internal/consolidate"
	"github.com/rvanner/lore/internal/embedding"
	"github.com/rvanner/lore/internal/engine"
	"github.com/rvanner/lore/internal/entity"
	"github.com/rvanner/lore/internal/retrieval"
	"github.com/rvanner/lore/internal/store"
	lsync "github.com/rvanner/lore/internal/sync"
)

type app struct {
	engine       *engine.Engine
	retrieval    *retrieval.Engine
	consolidator *consolidate.Consolidator
	sync         *lsync.Manager // nil when sync is disabled
}

func main() {
	// Log to stderr so stdout stays clean for JSON-RPC
	log.SetOutput(os.Stderr)
	log.SetPrefix("[lore-mcp] ")

	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("Store: %v", err)
	}
	defer st.Close()

	embedder := embedding.NewClient(
		cfg.Embedding.BaseURL,
		cfg.Embedding.Model,
		cfg.Embedding.Dimensions,
		cfg.Embedding.Timeout.Std(),
	)

	eng := engine.New(engine.Options{
		Store:            st,
		Embedder:         embedder,
		ClientID:         cfg.ClientID,
		RequireEmbedding: cfg.Embedding.Required,
	})

	a := &app{
		engine:       eng,
		retrieval:    retrieval.New(st, embedder),
		consolidator: consolidate.New(eng),
	}
	a.retrieval.MaxResults = cfg.Retrieval.MaxResults
	a.retrieval.MinSimilarity = cfg.Retrieval.MinSimilarity
	a.retrieval.RecencyDecay = cfg.Retrieval.RecencyDecay
	a.retrieval.LinkBoost = cfg.Retrieval.LinkBoost

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.consolidator.Start(ctx, cfg.ConsolidationInterval.Std())
	defer a.consolidator.Stop()

	if cfg.Sync.Enabled && cfg.Sync.PeerURL != "" {
		peer := lsync.NewHTTPPeer(cfg.Sync.PeerURL, cfg.Sync.Timeout.Std())
		a.sync = lsync.NewManager(st, peer, eng.Bus(), cfg.ClientID)
		a.sync.Start(ctx, cfg.Sync.Interval.Std())
		defer a.sync.Stop()
		log.Printf("Sync enabled against %s", cfg.Sync.PeerURL)
	}

	s := server.NewMCPServer(
		"lore",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.AddTool(rememberTool(), a.handleRemember)
	s.AddTool(reviseTool(), a.handleRevise)
	s.AddTool(forgetTool(), a.handleForget)
	s.AddTool(recallTool(), a.handleRecall)
	s.AddTool(relatedTool(), a.handleRelated)
	s.AddTool(contextWindowTool(), a.handleContextWindow)
	s.AddTool(consolidateNowTool(), a.handleConsolidateNow)
	s.AddTool(syncNowTool(), a.handleSyncNow)
	s.AddTool(resolveConflictTool(), a.handleResolveConflict)
	s.AddTool(statsTool(), a.handleStats)

	log.Printf("Starting lore MCP server (data: %s)", cfg.DataDir)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func rememberTool() mcp.Tool {
	return mcp.NewTool("remember",
		mcp.WithDescription("Create a typed entity in memory. Types: daily-note, person, company, project, task, area, resource. The entity is embedded and placed in its default layer unless one is given."),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Entity type"),
		),
		mcp.WithString("title",
			mcp.Required(),
			mcp.Description("Short title"),
		),
		mcp.WithString("content",
			mcp.Description("Body text"),
		),
		mcp.WithString("layer",
			mcp.Description("Memory layer override: working, episodic, semantic, procedural"),
		),
		mcp.WithString("tags",
			mcp.Description("Comma-separated tags"),
		),
		mcp.WithString("links",
			mcp.Description("JSON array of links, e.g. [{\"target_id\":\"...\",\"target_type\":\"person\",\"relationship\":\"attendee\"}]"),
		),
		mcp.WithString("metadata",
			mcp.Description("JSON object of string metadata"),
		),
		mcp.WithString("task_status",
			mcp.Description("For tasks: open, done, cancelled"),
		),
		mcp.WithString("task_priority",
			mcp.Description("For tasks: free-form priority label"),
		),
		mcp.WithString("task_due",
			mcp.Description("For tasks: due date, RFC 3339"),
		),
	)
}

func (a *app) handleRemember(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	typ, _ := args["type"].(string)
	title, _ := args["title"].(string)
	if typ == "" || title == "" {
		return mcp.NewToolResultError("type and title are required"), nil
	}

	d := engine.Draft{
		Type:  entity.Type(typ),
		Title: title,
	}
	d.Content, _ = args["content"].(string)
	if layer, _ := args["layer"].(string); layer != "" {
		d.Layer = entity.Layer(layer)
	}
	d.Tags = splitList(args["tags"])
	if raw, _ := args["links"].(string); raw != "" {
		if err := json.Unmarshal([]byte(raw), &d.Links); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid links: %v", err)), nil
		}
	}
	if raw, _ := args["metadata"].(string); raw != "" {
		if err := json.Unmarshal([]byte(raw), &d.Metadata); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid metadata: %v", err)), nil
		}
	}
	if task := taskMetaFromArgs(args); task != nil {
		d.Task = task
	}

	e, err := a.engine.Create(ctx, d)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create entity: %v", err)), nil
	}
	return jsonResult(e)
}

func reviseTool() mcp.Tool {
	return mcp.NewTool("revise",
		mcp.WithDescription("Update an existing entity. Only supplied fields change; re-embedding happens only when title or content changes."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Entity id"),
		),
		mcp.WithString("title", mcp.Description("New title")),
		mcp.WithString("content", mcp.Description("New body text")),
		mcp.WithString("layer", mcp.Description("New memory layer")),
		mcp.WithString("tags", mcp.Description("Comma-separated tags (replaces existing)")),
		mcp.WithString("links", mcp.Description("JSON array of links (replaces existing)")),
		mcp.WithString("metadata", mcp.Description("JSON object of string metadata (merged)")),
		mcp.WithString("task_status", mcp.Description("For tasks: open, done, cancelled")),
		mcp.WithString("task_priority", mcp.Description("For tasks: free-form priority label")),
		mcp.WithString("task_due", mcp.Description("For tasks: due date, RFC 3339")),
	)
}

func (a *app) handleRevise(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	id, _ := args["id"].(string)
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}

	var p engine.Patch
	if v, ok := args["title"].(string); ok && v != "" {
		p.Title = &v
	}
	if v, ok := args["content"].(string); ok && v != "" {
		p.Content = &v
	}
	if v, ok := args["layer"].(string); ok && v != "" {
		layer := entity.Layer(v)
		p.Layer = &layer
	}
	if v, ok := args["tags"].(string); ok && v != "" {
		tags := splitList(v)
		p.Tags = &tags
	}
	if raw, _ := args["links"].(string); raw != "" {
		var links []entity.Link
		if err := json.Unmarshal([]byte(raw), &links); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid links: %v", err)), nil
		}
		p.Links = &links
	}
	if raw, _ := args["metadata"].(string); raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.Metadata); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid metadata: %v", err)), nil
		}
	}
	if task := taskMetaFromArgs(args); task != nil {
		p.Task = task
	}

	e, err := a.engine.Update(ctx, id, p)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update entity: %v", err)), nil
	}
	return jsonResult(e)
}

func forgetTool() mcp.Tool {
	return mcp.NewTool("forget",
		mcp.WithDescription("Delete an entity. Deleting an unknown id is a no-op."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Entity id"),
		),
	)
}

func (a *app) handleForget(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	id, _ := args["id"].(string)
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}
	if err := a.engine.Delete(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete entity: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Deleted %s", id)), nil
}

func recallTool() mcp.Tool {
	return mcp.NewTool("recall",
		mcp.WithDescription("Semantic search across memory. Results are ranked by similarity weighted by layer, recency, link density, and the active-entity context."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language query"),
		),
		mcp.WithNumber("max_results",
			mcp.Description("Result cap, default 10"),
		),
		mcp.WithString("types",
			mcp.Description("Comma-separated entity types to restrict to"),
		),
		mcp.WithString("layers",
			mcp.Description("Comma-separated layers to restrict to"),
		),
		mcp.WithString("active_entity_id",
			mcp.Description("Boost results linked from this entity"),
		),
		mcp.WithString("recent_ids",
			mcp.Description("Comma-separated recently touched entity ids to boost"),
		),
	)
}

func (a *app) handleRecall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	query, _ := args["query"].(string)
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}

	opts := retrieval.Options{
		ActiveEntityID: stringArg(args, "active_entity_id"),
		RecentIDs:      splitList(args["recent_ids"]),
	}
	if n, ok := args["max_results"].(float64); ok && n > 0 {
		opts.MaxResults = int(n)
	}
	for _, t := range splitList(args["types"]) {
		opts.Types = append(opts.Types, entity.Type(t))
	}
	for _, l := range splitList(args["layers"]) {
		opts.Layers = append(opts.Layers, entity.Layer(l))
	}

	results, err := a.retrieval.Search(ctx, query, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	return jsonResult(results)
}

func relatedTool() mcp.Tool {
	return mcp.NewTool("related",
		mcp.WithDescription("Find entities semantically similar to a given one."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Entity id"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Result cap, default 10"),
		),
	)
}

func (a *app) handleRelated(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	id, _ := args["id"].(string)
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}
	e, err := a.engine.Get(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("entity %s: %v", id, err)), nil
	}
	limit := 10
	if n, ok := args["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}
	results, err := a.retrieval.Related(ctx, e, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("related search failed: %v", err)), nil
	}
	return jsonResult(results)
}

func contextWindowTool() mcp.Tool {
	return mcp.NewTool("context_window",
		mcp.WithDescription("Assemble the context around an entity: explicitly linked entities first, then semantic neighbors, deduplicated."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Entity id"),
		),
		mcp.WithNumber("size",
			mcp.Description("Window size, default 10"),
		),
	)
}

func (a *app) handleContextWindow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	id, _ := args["id"].(string)
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}
	e, err := a.engine.Get(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("entity %s: %v", id, err)), nil
	}
	size := 10
	if n, ok := args["size"].(float64); ok && n > 0 {
		size = int(n)
	}
	window, err := a.retrieval.ContextWindow(ctx, e, size)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("context window failed: %v", err)), nil
	}
	return jsonResult(window)
}

func consolidateNowTool() mcp.Tool {
	return mcp.NewTool("consolidate_now",
		mcp.WithDescription("Run a consolidation pass immediately: age working memory into episodic, archive stale daily notes and completed tasks."),
	)
}

func (a *app) handleConsolidateNow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := a.consolidator.Run(ctx, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("consolidation failed: %v", err)), nil
	}
	return jsonResult(report)
}

func syncNowTool() mcp.Tool {
	return mcp.NewTool("sync_now",
		mcp.WithDescription("Run a sync pass against the configured peer immediately."),
	)
}

func (a *app) handleSyncNow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if a.sync == nil {
		return mcp.NewToolResultError("sync is not configured (set LORE_SYNC_URL)"), nil
	}
	if err := a.sync.Sync(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sync failed: %v", err)), nil
	}
	return jsonResult(a.sync.State())
}

func resolveConflictTool() mcp.Tool {
	return mcp.NewTool("resolve_conflict",
		mcp.WithDescription("Settle a sync conflict for an entity. Resolution local keeps the local version, remote applies the recorded remote version, merged applies the supplied title/content."),
		mcp.WithString("entity_id",
			mcp.Required(),
			mcp.Description("Conflicted entity id"),
		),
		mcp.WithString("resolution",
			mcp.Required(),
			mcp.Description("One of: local, remote, merged"),
		),
		mcp.WithString("title", mcp.Description("Merged title (required for merged)")),
		mcp.WithString("content", mcp.Description("Merged content (required for merged)")),
	)
}

func (a *app) handleResolveConflict(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if a.sync == nil {
		return mcp.NewToolResultError("sync is not configured (set LORE_SYNC_URL)"), nil
	}
	args, _ := req.Params.Arguments.(map[string]any)
	entityID, _ := args["entity_id"].(string)
	resolution, _ := args["resolution"].(string)
	if entityID == "" || resolution == "" {
		return mcp.NewToolResultError("entity_id and resolution are required"), nil
	}

	var merged *lsync.MergePayload
	if resolution == string(lsync.ResolveMerged) {
		title, _ := args["title"].(string)
		content, _ := args["content"].(string)
		if title != "" || content != "" {
			merged = &lsync.MergePayload{Title: title, Content: content}
		}
	}

	if err := a.sync.ResolveConflict(entityID, lsync.Resolution(resolution), merged); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resolution failed: %v", err)), nil
	}
	return jsonResult(a.sync.State())
}

func statsTool() mcp.Tool {
	return mcp.NewTool("stats",
		mcp.WithDescription("Memory statistics: entity counts by layer and type, vector count, storage size, and sync state."),
	)
}

func (a *app) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := a.engine.Stats()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stats failed: %v", err)), nil
	}
	out := map[string]any{"memory": stats}
	if a.sync != nil {
		out["sync"] = a.sync.State()
	}
	return jsonResult(out)
}

func taskMetaFromArgs(args map[string]any) *entity.TaskMeta {
	status, _ := args["task_status"].(string)
	priority, _ := args["task_priority"].(string)
	due, _ := args["task_due"].(string)
	if status == "" && priority == "" && due == "" {
		return nil
	}
	task := &entity.TaskMeta{Status: status, Priority: priority}
	if due != "" {
		if t, err := time.Parse(time.RFC3339, due); err == nil {
			task.DueDate = &t
		}
	}
	return task
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// splitList parses a comma-separated string argument into a slice.
func splitList(v any) []string {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
