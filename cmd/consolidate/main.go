package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/rvanner/lore/internal/config"
	"github.com/rvanner/lore/internal/consolidate"
	"github.com/rvanner/lore/internal/embedding"
	"github.com/rvanner/lore/internal/engine"
	"github.com/rvanner/lore/internal/entity"
	"github.com/rvanner/lore/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	layer := flag.String("layer", "", "Restrict the pass to one layer (working, episodic, semantic, procedural)")
	dryRun := flag.Bool("dry-run", false, "Report what would consolidate without writing")
	verbose := flag.Bool("verbose", false, "Verbose output")
	flag.Parse()

	log.SetPrefix("[consolidate] ")
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	var filter *store.Filter
	if *layer != "" {
		filter = &store.Filter{Layers: []entity.Layer{entity.Layer(*layer)}}
	}

	if *dryRun {
		dryRunReport(st, filter, *verbose)
		return
	}

	embedder := embedding.NewClient(
		cfg.Embedding.BaseURL,
		cfg.Embedding.Model,
		cfg.Embedding.Dimensions,
		cfg.Embedding.Timeout.Std(),
	)
	eng := engine.New(engine.Options{
		Store:    st,
		Embedder: embedder,
		ClientID: cfg.ClientID,
	})

	c := consolidate.New(eng)
	report, err := c.Run(context.Background(), filter)
	if err != nil {
		log.Fatalf("Consolidation failed: %v", err)
	}

	log.Printf("Processed:    %d", report.Processed)
	log.Printf("Consolidated: %d", report.Consolidated)
	log.Printf("Archived:     %d", report.Archived)
	log.Printf("Elapsed:      %s", report.Elapsed.Round(time.Millisecond))
	if report.Errors > 0 {
		log.Printf("Errors:       %d (see log above)", report.Errors)
		os.Exit(1)
	}
}

// dryRunReport lists which entities the built-in strategies would move,
// without opening an embedder or writing anything.
func dryRunReport(st store.Store, filter *store.Filter, verbose bool) {
	f := store.Filter{}
	if filter != nil {
		f = *filter
	}
	entities, err := st.Query(f)
	if err != nil {
		log.Fatalf("Failed to query entities: %v", err)
	}

	strategies := []consolidate.Strategy{
		consolidate.NewWorkingAging(),
		consolidate.NewCompletedTaskAging(),
	}

	now := time.Now()
	moves, archives := 0, 0
	for _, e := range entities {
		for _, s := range strategies {
			if !s.ShouldConsolidate(e, now) {
				continue
			}
			if target, ok := s.TargetLayer(e); ok {
				moves++
				if verbose {
					log.Printf("would move %s %q: %s -> %s (%s)", e.Type, e.Title, e.Layer, target, s.Name())
				}
			} else {
				archives++
				if verbose {
					log.Printf("would archive %s %q (%s)", e.Type, e.Title, s.Name())
				}
			}
			break
		}
	}
	log.Printf("Dry run: %d entities scanned, %d would move, %d would archive", len(entities), moves, archives)
}
