// Package retrieval turns free-text queries plus situational context
// into ranked entity lists via similarity search and re-ranking.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rvanner/lore/internal/entity"
	"github.com/rvanner/lore/internal/store"
)

// Defaults for the ranking knobs.
const (
	DefaultMaxResults    = 10
	DefaultMinSimilarity = 0.7
	DefaultRecencyDecay  = 0.1
	DefaultLinkBoost     = 0.2

	activeLinkMultiplier = 1.3
	recentMultiplier     = 1.2
	maxLinkBoost         = 0.5
)

// DefaultLayerWeights bias results toward working memory and durable
// knowledge over procedural noise.
func DefaultLayerWeights() map[entity.Layer]float64 {
	return map[entity.Layer]float64{
		entity.LayerWorking:    1.5,
		entity.LayerEpisodic:   1.0,
		entity.LayerSemantic:   1.2,
		entity.LayerProcedural: 0.8,
	}
}

// Embedder is the subset of the embedding collaborator retrieval needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Options shapes a single search.
type Options struct {
	MaxResults int
	Types      []entity.Type
	Layers     []entity.Layer

	// ActiveEntityID boosts candidates directly linked from this entity.
	ActiveEntityID string
	// RecentIDs boosts candidates the caller touched recently.
	RecentIDs []string
}

// Result is a ranked hit. Score is the re-ranked value; Similarity the
// raw cosine score it started from.
type Result struct {
	Entity     *entity.Entity
	Score      float64
	Similarity float64
}

// Engine ranks similarity candidates with layer, recency, link-density
// and contextual boosts.
type Engine struct {
	store    store.Store
	embedder Embedder

	LayerWeights  map[entity.Layer]float64
	MaxResults    int
	MinSimilarity float64
	RecencyDecay  float64
	LinkBoost     float64

	now func() time.Time
}

// New creates a retrieval engine with default ranking knobs.
func New(st store.Store, embedder Embedder) *Engine {
	return &Engine{
		store:         st,
		embedder:      embedder,
		LayerWeights:  DefaultLayerWeights(),
		MaxResults:    DefaultMaxResults,
		MinSimilarity: DefaultMinSimilarity,
		RecencyDecay:  DefaultRecencyDecay,
		LinkBoost:     DefaultLinkBoost,
		now:           time.Now,
	}
}

// SetNow stubs the clock for tests.
func (r *Engine) SetNow(now func() time.Time) { r.now = now }

// Search embeds the query, over-fetches 2× candidates above the minimum
// similarity threshold, re-ranks, and truncates to MaxResults.
func (r *Engine) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if r.embedder == nil {
		return nil, fmt.Errorf("no embedder configured for retrieval")
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = r.MaxResults
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	queryEmb, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	f := store.Filter{Types: opts.Types, Layers: opts.Layers}
	// Over-fetch so re-ranking can change the final order.
	matches, err := r.store.SimilaritySearch(queryEmb, 2*maxResults, r.MinSimilarity, f)
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}

	var active *entity.Entity
	if opts.ActiveEntityID != "" {
		active, _ = r.store.Get(opts.ActiveEntityID) // missing active entity just skips the boost
	}
	recent := make(map[string]bool, len(opts.RecentIDs))
	for _, id := range opts.RecentIDs {
		recent[id] = true
	}

	now := r.now()
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		results = append(results, Result{
			Entity:     m.Entity,
			Similarity: m.Score,
			Score:      r.rank(m, active, recent, now),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

// rank multiplies the raw similarity by the layer weight, an exponential
// recency factor, a link-density factor, and contextual boosts.
func (r *Engine) rank(m store.Match, active *entity.Entity, recent map[string]bool, now time.Time) float64 {
	e := m.Entity
	score := m.Score

	if w, ok := r.LayerWeights[e.Layer]; ok {
		score *= w
	}

	days := now.Sub(e.UpdatedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	score *= 1 + 0.5*math.Exp(-r.RecencyDecay*days)

	score *= 1 + math.Min(float64(len(e.Links))*r.LinkBoost, maxLinkBoost)

	if active != nil && active.LinkedTo(e.ID) {
		score *= activeLinkMultiplier
	}
	if recent[e.ID] {
		score *= recentMultiplier
	}
	return score
}

// Related finds entities similar to the given one, seeded by its own
// title and content, excluding the entity itself. No re-ranking beyond
// the base threshold.
func (r *Engine) Related(ctx context.Context, e *entity.Entity, limit int) ([]Result, error) {
	if r.embedder == nil {
		return nil, fmt.Errorf("no embedder configured for retrieval")
	}
	if limit <= 0 {
		limit = DefaultMaxResults
	}

	queryEmb, err := r.embedder.Embed(ctx, e.Title+" "+e.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to embed entity text: %w", err)
	}

	// One extra candidate covers the entity matching itself.
	matches, err := r.store.SimilaritySearch(queryEmb, limit+1, r.MinSimilarity, store.Filter{})
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}

	results := make([]Result, 0, limit)
	for _, m := range matches {
		if m.Entity.ID == e.ID {
			continue
		}
		results = append(results, Result{Entity: m.Entity, Score: m.Score, Similarity: m.Score})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// ContextWindow unions the entity's outgoing link targets (resolved
// individually, missing ones silently skipped) with its Related results,
// deduplicated by id. Link-derived entities come first; the window is
// truncated to windowSize.
func (r *Engine) ContextWindow(ctx context.Context, e *entity.Entity, windowSize int) ([]*entity.Entity, error) {
	if windowSize <= 0 {
		windowSize = DefaultMaxResults
	}

	seen := map[string]bool{e.ID: true}
	var window []*entity.Entity

	for _, link := range e.Links {
		if seen[link.TargetID] {
			continue
		}
		target, err := r.store.Get(link.TargetID)
		if err != nil {
			continue // dangling link
		}
		seen[link.TargetID] = true
		window = append(window, target)
	}

	related, err := r.Related(ctx, e, windowSize)
	if err != nil {
		return nil, err
	}
	for _, res := range related {
		if seen[res.Entity.ID] {
			continue
		}
		seen[res.Entity.ID] = true
		window = append(window, res.Entity)
	}

	if len(window) > windowSize {
		window = window[:windowSize]
	}
	return window, nil
}
