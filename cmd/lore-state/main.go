package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/rvanner/lore/internal/config"
	"github.com/rvanner/lore/internal/entity"
	"github.com/rvanner/lore/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config: %v\n", err)
		os.Exit(1)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	cmd := os.Args[1]
	switch cmd {
	case "summary":
		withStore(cfg, func(st store.Store) { handleSummary(cfg, st) })
	case "entities":
		withStore(cfg, func(st store.Store) { handleEntities(st, os.Args[2:]) })
	case "conflicts":
		withStore(cfg, func(st store.Store) { handleConflicts(st) })
	case "log":
		withStore(cfg, func(st store.Store) { handleLog(st, os.Args[2:]) })
	case "health":
		withStore(cfg, func(st store.Store) { handleHealth(cfg, st) })
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`lore-state - Inspect lore's memory state

Usage: lore-state <command> [options]

Commands:
  summary              Entity counts by layer and type (default)
  health               Check the store, embedding endpoint, and process

  entities             List entities
  entities --type=task --layer=working
  entities --pending   Only entities awaiting sync
  entities <id>        Show one entity as JSON

  conflicts            List open sync conflicts
  log <entity-id>      Show the sync log for an entity

Environment:
  LORE_DATA_DIR, LORE_CONFIG, OLLAMA_URL (see config)`)
}

func withStore(cfg config.Config, fn func(store.Store)) {
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()
	fn(st)
}

func handleSummary(cfg config.Config, st store.Store) {
	stats, err := st.Stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Stats: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Data dir:  %s\n", cfg.DataDir)
	fmt.Printf("Entities:  %d\n", stats.TotalEntities)
	fmt.Printf("Vectors:   %d\n", stats.VectorCount)
	fmt.Printf("Storage:   %s\n", humanBytes(stats.StorageSize))
	fmt.Println("\nBy layer:")
	for _, layer := range []entity.Layer{entity.LayerWorking, entity.LayerEpisodic, entity.LayerSemantic, entity.LayerProcedural} {
		fmt.Printf("  %-12s %d\n", layer, stats.ByLayer[layer])
	}
	fmt.Println("\nBy type:")
	for typ, n := range stats.ByType {
		fmt.Printf("  %-12s %d\n", typ, n)
	}
}

func handleEntities(st store.Store, args []string) {
	var f store.Filter
	showOne := ""
	for _, arg := range args {
		switch {
		case arg == "--pending":
			f.SyncStatus = entity.SyncStatusPending
		case len(arg) > 7 && arg[:7] == "--type=":
			f.Types = append(f.Types, entity.Type(arg[7:]))
		case len(arg) > 8 && arg[:8] == "--layer=":
			f.Layers = append(f.Layers, entity.Layer(arg[8:]))
		case len(arg) > 6 && arg[:6] == "--tag=":
			f.Tag = arg[6:]
		default:
			showOne = arg
		}
	}

	if showOne != "" {
		e, err := st.Get(showOne)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Entity %s: %v\n", showOne, err)
			os.Exit(1)
		}
		printJSON(e)
		return
	}

	entities, err := st.Query(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Query: %v\n", err)
		os.Exit(1)
	}
	for _, e := range entities {
		fmt.Printf("%s  %-10s %-10s %-7s %s\n", e.ID, e.Type, e.Layer, e.SyncStatus, e.Title)
	}
	fmt.Printf("\n%d entities\n", len(entities))
}

func handleConflicts(st store.Store) {
	records, err := st.UnresolvedSyncRecords()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sync log: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("No open sync records")
		return
	}
	for _, rec := range records {
		fmt.Printf("#%d  entity=%s  op=%s  from=%s  at=%s\n",
			rec.ID, rec.EntityID, rec.Op, rec.ClientID, rec.Timestamp.Format(time.RFC3339))
	}
}

func handleLog(st store.Store, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: lore-state log <entity-id>")
		os.Exit(1)
	}
	records, err := st.SyncRecords(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sync log: %v\n", err)
		os.Exit(1)
	}
	for _, rec := range records {
		status := "open"
		if rec.ResolvedAt != nil {
			status = "resolved " + rec.ResolvedAt.Format(time.RFC3339)
		}
		fmt.Printf("#%d  op=%s  from=%s  at=%s  [%s]\n",
			rec.ID, rec.Op, rec.ClientID, rec.Timestamp.Format(time.RFC3339), status)
	}
}

func handleHealth(cfg config.Config, st store.Store) {
	ok := true

	stats, err := st.Stats()
	if err != nil {
		fmt.Printf("✗ store: %v\n", err)
		ok = false
	} else {
		fmt.Printf("✓ store: %d entities, %d vectors, %s\n",
			stats.TotalEntities, stats.VectorCount, humanBytes(stats.StorageSize))
		if stats.VectorCount < stats.TotalEntities {
			fmt.Printf("  note: %d entities lack embeddings\n", stats.TotalEntities-stats.VectorCount)
		}
	}

	client := &http.Client{Timeout: 3 * time.Second}
	if resp, err := client.Get(cfg.Embedding.BaseURL + "/api/tags"); err != nil {
		fmt.Printf("✗ embedding: %s unreachable: %v\n", cfg.Embedding.BaseURL, err)
		ok = false
	} else {
		resp.Body.Close()
		fmt.Printf("✓ embedding: %s reachable (model %s)\n", cfg.Embedding.BaseURL, cfg.Embedding.Model)
	}

	if dbInfo, err := os.Stat(filepath.Join(cfg.DataDir, "lore.db")); err == nil {
		fmt.Printf("✓ database: %s (%s)\n", filepath.Join(cfg.DataDir, "lore.db"), humanBytes(dbInfo.Size()))
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := p.MemoryInfo(); err == nil {
			fmt.Printf("✓ process: rss %s\n", humanBytes(int64(mem.RSS)))
		}
	}

	if !ok {
		os.Exit(1)
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Marshal: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
