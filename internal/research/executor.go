package research

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/citations"
	"github.com/fathomlabs/fathom/internal/search"
)

// Searcher is the grounded search collaborator.
type Searcher interface {
	Search(ctx context.Context, query string) (*search.Result, error)
}

// Outcome is one query's processed result: the snippet text with citation
// markers already inserted, plus the sources those markers point at.
type Outcome struct {
	Query   Query
	Summary string
	Sources []citations.Source
	Failed  bool
}

// Executor fans a batch of queries out to the search service with bounded
// parallelism and fans the results back in as they complete.
type Executor struct {
	searcher Searcher
	maxConc  int
	logger   *zap.Logger
}

// NewExecutor builds an executor capped at maxConcurrent in-flight
// searches.
func NewExecutor(searcher Searcher, maxConcurrent int, logger *zap.Logger) *Executor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Executor{searcher: searcher, maxConc: maxConcurrent, logger: logger}
}

// onProgress is invoked after each query finishes, successful or not, with
// the running completion count.
type onProgress func(completed int, outcome Outcome)

// ExecuteBatch runs every query and returns outcomes in completion order.
// A failed query degrades to a placeholder summary instead of cancelling
// its siblings; the batch as a whole only stops early when ctx expires.
func (e *Executor) ExecuteBatch(ctx context.Context, queries []Query, progress onProgress) []Outcome {
	sem := make(chan struct{}, e.maxConc)
	results := make(chan Outcome, len(queries))

	var wg sync.WaitGroup
	for _, q := range queries {
		wg.Add(1)
		go func(q Query) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- failedOutcome(q)
				return
			}
			results <- e.runQuery(ctx, q)
		}(q)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Join barrier: collect in arrival order. Downstream treats summaries
	// and sources as sets of facts, not an ordered transcript.
	outcomes := make([]Outcome, 0, len(queries))
	for outcome := range results {
		outcomes = append(outcomes, outcome)
		if progress != nil {
			progress(len(outcomes), outcome)
		}
	}
	return outcomes
}

func (e *Executor) runQuery(ctx context.Context, q Query) Outcome {
	result, err := e.searcher.Search(ctx, q.Query)
	if err != nil {
		e.logger.Warn("Search query failed",
			zap.Int("query_id", q.ID),
			zap.String("query", q.Query),
			zap.Error(err),
		)
		return failedOutcome(q)
	}
	summary, sources := citeResult(q, result)
	return Outcome{Query: q, Summary: summary, Sources: sources}
}

func failedOutcome(q Query) Outcome {
	return Outcome{
		Query:   q,
		Summary: fmt.Sprintf("[No results: the search for %q did not complete.]", q.Query),
		Failed:  true,
	}
}

// citeResult turns raw grounding metadata into a cited summary. The query
// id salts the batch's short references so ids from different queries can
// never collide within a run.
func citeResult(q Query, result *search.Result) (string, []citations.Source) {
	uris := make([]string, len(result.Chunks))
	for i, chunk := range result.Chunks {
		uris[i] = chunk.URI
	}
	refs := citations.ResolveURLs(uris, strconv.Itoa(q.ID))

	cites := make([]citations.Citation, 0, len(result.Supports))
	for _, support := range result.Supports {
		var segs []*citations.Segment
		for _, idx := range support.ChunkIdxs {
			// Out-of-range or unresolved chunk indices skip the segment,
			// not the whole citation.
			if idx < 0 || idx >= len(result.Chunks) {
				continue
			}
			chunk := result.Chunks[idx]
			ref, ok := refs[chunk.URI]
			if !ok {
				continue
			}
			segs = append(segs, &citations.Segment{
				Label:    sourceLabel(chunk),
				ShortRef: ref,
				URI:      chunk.URI,
			})
		}
		cites = append(cites, citations.Citation{
			StartOffset: support.StartOffset,
			EndOffset:   support.EndOffset,
			Segments:    segs,
		})
	}

	summary := citations.InsertMarkers(result.Text, cites)

	sources := make([]citations.Source, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, chunk := range result.Chunks {
		ref, ok := refs[chunk.URI]
		if !ok || seen[chunk.URI] {
			continue
		}
		seen[chunk.URI] = true
		sources = append(sources, citations.Source{
			Label:    sourceLabel(chunk),
			URI:      chunk.URI,
			ShortRef: ref,
		})
	}
	return summary, sources
}

func sourceLabel(chunk search.GroundingChunk) string {
	if chunk.Title != "" {
		return chunk.Title
	}
	return chunk.URI
}
