package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/citations"
	"github.com/fathomlabs/fathom/internal/config"
	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/metrics"
	"github.com/fathomlabs/fathom/internal/progress"
	"github.com/fathomlabs/fathom/internal/session"
	"github.com/fathomlabs/fathom/internal/streaming"
)

// Completer is the structured completion collaborator backing the planner,
// the reflection pass and the synthesizer.
type Completer interface {
	PlanQueries(ctx context.Context, topic string, numQueries int, model string) (*llm.Plan, error)
	EvaluateCoverage(ctx context.Context, topic string, summaries []string, model string) (*llm.Reflection, error)
	Synthesize(ctx context.Context, topic string, summaries []string, model string) (string, error)
}

// Gate admits or rejects a topic before any network call is made.
type Gate interface {
	Admit(ctx context.Context, topic, userKey string) error
}

// Journal mirrors run events to durable storage for offline inspection.
type Journal interface {
	Record(ctx context.Context, evt streaming.Event)
}

// Archiver persists finished runs.
type Archiver interface {
	SaveRun(ctx context.Context, result *Result, state *State) error
}

// Request starts one research run.
type Request struct {
	RunID      string
	SessionID  string
	Topic      string
	UserKey    string
	ChannelKey string
}

// Engine sequences the research stages for one run at a time per request.
// Concurrent runs share nothing but the injected session store.
type Engine struct {
	cfg       config.ResearchConfig
	completer Completer
	executor  *Executor
	sessions  *session.Store
	notifier  *progress.Notifier
	stream    *streaming.Manager
	gate      Gate
	journal   Journal
	archiver  Archiver
	logger    *zap.Logger
}

// EngineOption configures optional collaborators.
type EngineOption func(*Engine)

// WithGate installs a pre-flight admission check.
func WithGate(g Gate) EngineOption { return func(e *Engine) { e.gate = g } }

// WithJournal mirrors run events to a journal.
func WithJournal(j Journal) EngineOption { return func(e *Engine) { e.journal = j } }

// WithArchiver persists finished runs.
func WithArchiver(a Archiver) EngineOption { return func(e *Engine) { e.archiver = a } }

// WithNotifier attaches a per-channel progress message.
func WithNotifier(n *progress.Notifier) EngineOption { return func(e *Engine) { e.notifier = n } }

// NewEngine wires the workflow engine. sessions and stream are required;
// everything else is optional.
func NewEngine(
	cfg config.ResearchConfig,
	completer Completer,
	searcher Searcher,
	sessions *session.Store,
	stream *streaming.Manager,
	logger *zap.Logger,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		cfg:       cfg,
		completer: completer,
		executor:  NewExecutor(searcher, cfg.MaxConcurrentSearches, logger),
		sessions:  sessions,
		stream:    stream,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one research workflow to completion. Timeout failures return
// a non-nil Result carrying the partial sources gathered before the
// deadline, alongside the typed error.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return nil, newError(KindInvalidInput, msgInvalidInput, errors.New("empty topic"))
	}
	if e.cfg.MaxTopicLength > 0 && len(topic) > e.cfg.MaxTopicLength {
		return nil, newError(KindInvalidInput, msgInvalidInput,
			fmt.Errorf("topic length %d exceeds limit %d", len(topic), e.cfg.MaxTopicLength))
	}
	if e.gate != nil {
		if err := e.gate.Admit(ctx, topic, req.UserKey); err != nil {
			return nil, newError(KindInvalidInput, msgInvalidInput, fmt.Errorf("admission denied: %w", err))
		}
	}

	metrics.RunsStarted.Inc()
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	state := &State{Topic: topic}
	result, err := e.runStages(runCtx, req, state, start)

	status := StatusFailed
	if result != nil {
		result.RunID = req.RunID
		result.StartedAt = start
		result.FinishedAt = time.Now()
		result.LoopCount = state.LoopCount
		result.Queries = len(state.SearchQueries)
		status = result.Status
	}
	metrics.RunsCompleted.WithLabelValues(string(status)).Inc()
	metrics.RunDuration.Observe(time.Since(start).Seconds())
	metrics.ReflectionLoops.Observe(float64(state.LoopCount))

	e.finishSession(req, state, result)
	if result != nil && e.archiver != nil {
		if archErr := e.archiver.SaveRun(ctx, result, state); archErr != nil {
			e.logger.Warn("Failed to archive run", zap.String("run_id", req.RunID), zap.Error(archErr))
		}
	}
	return result, err
}

func (e *Engine) runStages(ctx context.Context, req Request, state *State, start time.Time) (*Result, error) {
	// Planning. A planner failure is fatal: nothing downstream has
	// anything to search.
	e.publish(ctx, req, progress.Update{Stage: progress.StagePlanning},
		streaming.Event{Type: streaming.EventStageChanged, Stage: string(StagePlanning)})

	plan, err := e.completer.PlanQueries(ctx, state.Topic, e.cfg.InitialQueryCount, e.cfg.PlannerModel)
	if err != nil {
		if ctx.Err() != nil {
			return e.timeoutResult(ctx, req, state), newError(KindTimeout, msgTimeout, ctx.Err())
		}
		e.publish(ctx, req, progress.Update{Stage: progress.StageError},
			streaming.Event{Type: streaming.EventRunFailed, Stage: string(StagePlanning)})
		return nil, newError(KindUpstreamUnavailable, msgPlannerFailed, err)
	}

	queries := make([]Query, 0, len(plan.Queries))
	for i, q := range plan.Queries {
		queries = append(queries, Query{ID: i, Query: q, Rationale: plan.Rationale})
	}
	state.SearchQueries = append(state.SearchQueries, queries...)

	// Search/reflect loop. Batches are strictly sequential, so follow-up
	// ids continuing from the count of queries already run never collide.
	for {
		e.searchBatch(ctx, req, state, queries)
		e.persistSnapshot(req, state)
		if ctx.Err() != nil {
			return e.timeoutResult(ctx, req, state), newError(KindTimeout, msgTimeout, ctx.Err())
		}

		e.publish(ctx, req, progress.Update{Stage: progress.StageReflecting},
			streaming.Event{Type: streaming.EventStageChanged, Stage: string(StageReflecting)})

		refl, reflErr := e.completer.EvaluateCoverage(ctx, state.Topic, state.SearchResults, e.cfg.ReflectionModel)
		state.LoopCount++
		if reflErr != nil {
			if ctx.Err() != nil {
				return e.timeoutResult(ctx, req, state), newError(KindTimeout, msgTimeout, ctx.Err())
			}
			// Fail open: treat coverage as sufficient so the run always
			// reaches a finishable answer.
			e.logger.Warn("Reflection failed, treating coverage as sufficient",
				zap.String("run_id", req.RunID), zap.Error(reflErr))
			state.IsSufficient = true
			state.KnowledgeGap = ""
			state.FollowUpQueries = nil
		} else {
			state.IsSufficient = refl.Sufficient
			state.KnowledgeGap = refl.KnowledgeGap
			state.FollowUpQueries = refl.FollowUpQueries
		}
		e.persistSnapshot(req, state)

		if Transition(state.IsSufficient, state.LoopCount, e.cfg.MaxLoops) == StageSynthesizing {
			break
		}
		if len(state.FollowUpQueries) == 0 {
			break
		}

		queries = queries[:0]
		for i, q := range state.FollowUpQueries {
			queries = append(queries, Query{
				ID:        len(state.SearchQueries) + i,
				Query:     q,
				Rationale: state.KnowledgeGap,
			})
		}
		state.SearchQueries = append(state.SearchQueries, queries...)
	}

	return e.synthesize(ctx, req, state)
}

func (e *Engine) searchBatch(ctx context.Context, req Request, state *State, queries []Query) {
	batchStart := time.Now()
	total := len(queries)
	e.publish(ctx, req,
		progress.Update{Stage: progress.StageSearching, Total: total, StartedAt: batchStart},
		streaming.Event{Type: streaming.EventStageChanged, Stage: string(StageSearching)})

	outcomes := e.executor.ExecuteBatch(ctx, queries, func(completed int, outcome Outcome) {
		evtType := streaming.EventSearchCompleted
		if outcome.Failed {
			evtType = streaming.EventSearchFailed
		}
		e.publish(ctx, req,
			progress.Update{Stage: progress.StageSearching, Completed: completed, Total: total, StartedAt: batchStart},
			streaming.Event{
				Type:    evtType,
				Stage:   string(StageSearching),
				QueryID: fmt.Sprintf("%d", outcome.Query.ID),
				Message: outcome.Query.Query,
			})
	})

	for _, outcome := range outcomes {
		state.SearchResults = append(state.SearchResults, outcome.Summary)
		state.addSources(outcome.Sources)
		if outcome.Failed {
			state.PartialFailures++
		}
	}
}

func (e *Engine) synthesize(ctx context.Context, req Request, state *State) (*Result, error) {
	e.publish(ctx, req, progress.Update{Stage: progress.StageSynthesizing},
		streaming.Event{Type: streaming.EventStageChanged, Stage: string(StageSynthesizing)})

	text, err := e.completer.Synthesize(ctx, state.Topic, state.SearchResults, e.cfg.SynthesisModel)
	if err != nil {
		if ctx.Err() != nil {
			return e.timeoutResult(ctx, req, state), newError(KindTimeout, msgTimeout, ctx.Err())
		}
		// The gathered sources still have value; hand them over with a
		// fixed apology instead of failing the run.
		e.logger.Warn("Synthesis failed, returning fallback answer",
			zap.String("run_id", req.RunID), zap.Error(err))
		result := &Result{
			Status:    StatusDegraded,
			FinalText: msgSynthFailed,
			Sources:   state.Sources,
		}
		e.publishTerminal(ctx, req, progress.StageCompleted, streaming.EventRunCompleted)
		return result, nil
	}

	finalText, usedSources := citations.Finalize(text, state.Sources)
	status := StatusCompleted
	if state.PartialFailures > 0 {
		status = StatusDegraded
	}
	e.publishTerminal(ctx, req, progress.StageCompleted, streaming.EventRunCompleted)
	return &Result{Status: status, FinalText: finalText, Sources: usedSources}, nil
}

// timeoutResult packages whatever was gathered before the deadline. Timeout
// is never silent data loss.
func (e *Engine) timeoutResult(ctx context.Context, req Request, state *State) *Result {
	e.publishTerminal(ctx, req, progress.StageTimeout, streaming.EventRunFailed)
	text := msgTimeout
	if len(state.Sources) == 0 {
		text = msgPlannerFailed
	}
	return &Result{Status: StatusTimeout, FinalText: text, Sources: state.Sources}
}

func (e *Engine) publish(ctx context.Context, req Request, upd progress.Update, evt streaming.Event) {
	if e.notifier != nil && req.ChannelKey != "" {
		// Progress edits ride a fresh context so terminal updates still go
		// out after the run deadline fires.
		if err := e.notifier.Publish(context.WithoutCancel(ctx), req.ChannelKey, upd); err != nil {
			e.logger.Debug("Progress publish failed", zap.String("run_id", req.RunID), zap.Error(err))
		}
	}
	if e.stream != nil {
		published := e.stream.Publish(req.RunID, evt)
		if e.journal != nil {
			e.journal.Record(context.WithoutCancel(ctx), published)
		}
	}
}

func (e *Engine) publishTerminal(ctx context.Context, req Request, stage string, evtType string) {
	e.publish(ctx, req, progress.Update{Stage: stage},
		streaming.Event{Type: evtType, Stage: stage})
}

func (e *Engine) persistSnapshot(req Request, state *State) {
	if e.sessions == nil || req.SessionID == "" {
		return
	}
	snapshot := *state
	if err := e.sessions.SetContextValue(req.SessionID, "research_state", snapshot); err != nil {
		e.logger.Debug("Failed to persist research state",
			zap.String("session_id", req.SessionID), zap.Error(err))
	}
}

func (e *Engine) finishSession(req Request, state *State, result *Result) {
	e.persistSnapshot(req, state)
	if e.sessions == nil || req.SessionID == "" || result == nil {
		return
	}
	if err := e.sessions.AddMessage(req.SessionID, session.Message{
		Role:    "assistant",
		Content: result.FinalText,
	}); err != nil {
		e.logger.Debug("Failed to record run answer in session",
			zap.String("session_id", req.SessionID), zap.Error(err))
	}
}
