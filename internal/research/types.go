// Package research implements the bounded multi-stage research workflow:
// plan queries, fan searches out in parallel, reflect on coverage up to a
// loop cap, then synthesize an answer with resolved citations.
package research

import (
	"time"

	"github.com/fathomlabs/fathom/internal/citations"
)

// Stage identifies where a run is in its lifecycle.
type Stage string

const (
	StagePlanning     Stage = "planning"
	StageSearching    Stage = "searching"
	StageReflecting   Stage = "reflecting"
	StageSynthesizing Stage = "synthesizing"
	StageDone         Stage = "done"
)

// Query is one planned search with its stable id. Ids never repeat within a
// run because they salt the short references minted from that query's
// sources.
type Query struct {
	ID        int    `json:"id"`
	Query     string `json:"query"`
	Rationale string `json:"rationale,omitempty"`
}

// State is the mutable aggregate threaded through one run. It is owned
// exclusively by that run and never shared.
type State struct {
	Topic           string             `json:"topic"`
	SearchQueries   []Query            `json:"search_queries"`
	SearchResults   []string           `json:"search_results"`
	Sources         []citations.Source `json:"sources"`
	LoopCount       int                `json:"loop_count"`
	IsSufficient    bool               `json:"is_sufficient"`
	KnowledgeGap    string             `json:"knowledge_gap"`
	FollowUpQueries []string           `json:"follow_up_queries"`
	PartialFailures int                `json:"partial_failures"`
}

// addSources appends sources not already present, keyed by URI.
func (s *State) addSources(incoming []citations.Source) {
	seen := make(map[string]bool, len(s.Sources))
	for _, src := range s.Sources {
		seen[src.URI] = true
	}
	for _, src := range incoming {
		if src.URI == "" || seen[src.URI] {
			continue
		}
		seen[src.URI] = true
		s.Sources = append(s.Sources, src)
	}
}

// Status classifies how a run ended.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusDegraded  Status = "degraded" // finished, but some searches failed
	StatusTimeout   Status = "timeout"
	StatusFailed    Status = "failed"
)

// Result is what a finished run hands back. Timeout results still carry the
// sources gathered before the deadline.
type Result struct {
	RunID      string             `json:"run_id"`
	Status     Status             `json:"status"`
	FinalText  string             `json:"final_text"`
	Sources    []citations.Source `json:"sources"`
	LoopCount  int                `json:"loop_count"`
	Queries    int                `json:"queries"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// Transition is the pure routing rule out of the reflection stage: proceed
// to synthesis when coverage is sufficient or the loop budget is spent,
// otherwise search again. loopCount is the value after the reflection pass
// that produced sufficient.
func Transition(sufficient bool, loopCount, maxLoops int) Stage {
	if sufficient || loopCount >= maxLoops {
		return StageSynthesizing
	}
	return StageSearching
}
