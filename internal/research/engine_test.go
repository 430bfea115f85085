package research

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/config"
	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/search"
	"github.com/fathomlabs/fathom/internal/session"
	"github.com/fathomlabs/fathom/internal/streaming"
)

type fakeCompleter struct {
	planFn    func(topic string, n int) (*llm.Plan, error)
	reflectFn func(call int, summaries []string) (*llm.Reflection, error)
	synthFn   func(summaries []string) (string, error)

	reflectCalls int
	synthCalls   int
}

func (f *fakeCompleter) PlanQueries(_ context.Context, topic string, n int, _ string) (*llm.Plan, error) {
	return f.planFn(topic, n)
}

func (f *fakeCompleter) EvaluateCoverage(_ context.Context, _ string, summaries []string, _ string) (*llm.Reflection, error) {
	f.reflectCalls++
	return f.reflectFn(f.reflectCalls, summaries)
}

func (f *fakeCompleter) Synthesize(_ context.Context, _ string, summaries []string, _ string) (string, error) {
	f.synthCalls++
	return f.synthFn(summaries)
}

func planOf(queries ...string) func(string, int) (*llm.Plan, error) {
	return func(string, int) (*llm.Plan, error) {
		return &llm.Plan{Queries: queries, Rationale: "cover the topic"}, nil
	}
}

func sufficientAfter(n int) func(int, []string) (*llm.Reflection, error) {
	return func(call int, _ []string) (*llm.Reflection, error) {
		if call >= n {
			return &llm.Reflection{Sufficient: true}, nil
		}
		return &llm.Reflection{
			Sufficient:      false,
			KnowledgeGap:    "needs more detail",
			FollowUpQueries: []string{"follow-up"},
		}, nil
	}
}

func echoSynth(summaries []string) (string, error) {
	return "Answer. " + strings.Join(summaries, " "), nil
}

func testConfig() config.ResearchConfig {
	return config.ResearchConfig{
		MaxLoops:              2,
		InitialQueryCount:     2,
		Timeout:               time.Minute,
		MaxConcurrentSearches: 4,
		MaxTopicLength:        2000,
	}
}

func newTestEngine(t *testing.T, cfg config.ResearchConfig, c Completer, s Searcher, opts ...EngineOption) (*Engine, *session.Store) {
	t.Helper()
	store := session.NewStore(zap.NewNop())
	t.Cleanup(store.Stop)
	return NewEngine(cfg, c, s, store, streaming.NewManager(64), zap.NewNop(), opts...), store
}

func groundedSearcher(t *testing.T) *fakeSearcher {
	t.Helper()
	return &fakeSearcher{fn: func(q string) (*search.Result, error) {
		return plainResult("Finding for "+q+".", "https://src/"+q), nil
	}}
}

func TestRunSufficientFirstPass(t *testing.T) {
	c := &fakeCompleter{
		planFn:    planOf("q-one", "q-two"),
		reflectFn: sufficientAfter(1),
		synthFn:   echoSynth,
	}
	s := groundedSearcher(t)
	e, _ := newTestEngine(t, testConfig(), c, s)

	result, err := e.Run(context.Background(), Request{RunID: "r1", Topic: "topic X"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 1, result.LoopCount)
	assert.Equal(t, 2, result.Queries, "no follow-up queries executed")
	assert.LessOrEqual(t, len(result.Sources), 2)
	assert.Len(t, s.queries, 2)
}

func TestRunLoopBudgetForcesSynthesis(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLoops = 1
	c := &fakeCompleter{
		planFn:    planOf("q-one"),
		reflectFn: sufficientAfter(99), // never sufficient on its own
		synthFn:   echoSynth,
	}
	e, _ := newTestEngine(t, cfg, c, groundedSearcher(t))

	result, err := e.Run(context.Background(), Request{RunID: "r1", Topic: "topic"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.LoopCount, "budget, not sufficiency, ended the run")
	assert.Equal(t, 1, c.reflectCalls)
	assert.Equal(t, 1, c.synthCalls)
}

func TestRunLoopCountNeverExceedsMaxLoops(t *testing.T) {
	for _, maxLoops := range []int{1, 2, 3} {
		cfg := testConfig()
		cfg.MaxLoops = maxLoops
		c := &fakeCompleter{
			planFn:    planOf("q"),
			reflectFn: sufficientAfter(99),
			synthFn:   echoSynth,
		}
		e, _ := newTestEngine(t, cfg, c, groundedSearcher(t))

		result, err := e.Run(context.Background(), Request{RunID: "r", Topic: "topic"})
		require.NoError(t, err)
		assert.Equal(t, maxLoops, result.LoopCount)
	}
}

func TestRunPartialSearchFailureSucceeds(t *testing.T) {
	calls := 0
	s := &fakeSearcher{fn: func(q string) (*search.Result, error) {
		calls++
		if q == "q-two" {
			return nil, errors.New("search backend down")
		}
		return plainResult("Finding.", "https://src/a"), nil
	}}
	c := &fakeCompleter{
		planFn:    planOf("q-one", "q-two"),
		reflectFn: sufficientAfter(1),
		synthFn:   echoSynth,
	}
	e, _ := newTestEngine(t, testConfig(), c, s)

	result, err := e.Run(context.Background(), Request{RunID: "r1", Topic: "topic"})
	require.NoError(t, err, "one failed search must not fail the run")
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, 2, calls, "sibling search still ran")
}

func TestRunFollowUpIDsContinue(t *testing.T) {
	c := &fakeCompleter{
		planFn: planOf("q-one", "q-two"),
		reflectFn: func(call int, _ []string) (*llm.Reflection, error) {
			if call == 1 {
				return &llm.Reflection{FollowUpQueries: []string{"f-one", "f-two"}}, nil
			}
			return &llm.Reflection{Sufficient: true}, nil
		},
		synthFn: echoSynth,
	}
	s := groundedSearcher(t)
	e, store := newTestEngine(t, testConfig(), c, s)
	sess := store.Create(session.Identity{UserKey: "u", ChannelKey: "c"})

	result, err := e.Run(context.Background(), Request{RunID: "r1", SessionID: sess.ID, Topic: "topic"})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Queries)

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	raw, ok := got.GetContextValue("research_state")
	require.True(t, ok)
	state := raw.(State)
	ids := make(map[int]bool)
	for _, q := range state.SearchQueries {
		assert.False(t, ids[q.ID], "query id %d repeated", q.ID)
		ids[q.ID] = true
	}
	assert.Equal(t, []int{0, 1}, []int{state.SearchQueries[0].ID, state.SearchQueries[1].ID})
	assert.Equal(t, []int{2, 3}, []int{state.SearchQueries[2].ID, state.SearchQueries[3].ID})
}

func TestRunPlannerFailureIsFatal(t *testing.T) {
	c := &fakeCompleter{
		planFn: func(string, int) (*llm.Plan, error) { return nil, errors.New("planner down") },
	}
	e, _ := newTestEngine(t, testConfig(), c, groundedSearcher(t))

	result, err := e.Run(context.Background(), Request{RunID: "r1", Topic: "topic"})
	assert.Nil(t, result)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindUpstreamUnavailable, kind)
	assert.NotContains(t, UserMessageOf(err), "planner down", "raw upstream text never reaches the user")
}

func TestRunReflectionFailureFailsOpen(t *testing.T) {
	c := &fakeCompleter{
		planFn: planOf("q-one"),
		reflectFn: func(int, []string) (*llm.Reflection, error) {
			return nil, errors.New("reflection down")
		},
		synthFn: echoSynth,
	}
	e, _ := newTestEngine(t, testConfig(), c, groundedSearcher(t))

	result, err := e.Run(context.Background(), Request{RunID: "r1", Topic: "topic"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 1, result.LoopCount, "failed reflection still counts a loop")
	assert.Equal(t, 1, c.synthCalls)
}

func TestRunSynthesisFailureReturnsFallback(t *testing.T) {
	c := &fakeCompleter{
		planFn:    planOf("q-one"),
		reflectFn: sufficientAfter(1),
		synthFn:   func([]string) (string, error) { return "", errors.New("synth down") },
	}
	e, _ := newTestEngine(t, testConfig(), c, groundedSearcher(t))

	result, err := e.Run(context.Background(), Request{RunID: "r1", Topic: "topic"})
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, msgSynthFailed, result.FinalText)
	assert.NotEmpty(t, result.Sources, "gathered sources survive the synthesis failure")
}

func TestRunTimeoutReturnsPartialResults(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	c := &fakeCompleter{
		planFn: planOf("q-one"),
		reflectFn: func(_ int, _ []string) (*llm.Reflection, error) {
			time.Sleep(200 * time.Millisecond)
			return nil, context.DeadlineExceeded
		},
	}
	e, _ := newTestEngine(t, cfg, c, groundedSearcher(t))

	result, err := e.Run(context.Background(), Request{RunID: "r1", Topic: "topic"})
	require.NotNil(t, result, "timeout still returns partial output")
	assert.Equal(t, StatusTimeout, result.Status)
	assert.NotEmpty(t, result.Sources, "sources gathered before the deadline are kept")

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, kind)
}

func TestRunRejectsInvalidInput(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), &fakeCompleter{}, groundedSearcher(t))

	_, err := e.Run(context.Background(), Request{RunID: "r1", Topic: "   "})
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidInput, kind)

	_, err = e.Run(context.Background(), Request{RunID: "r2", Topic: strings.Repeat("x", 3000)})
	kind, _ = KindOf(err)
	assert.Equal(t, KindInvalidInput, kind)
}

type denyGate struct{}

func (denyGate) Admit(context.Context, string, string) error { return errors.New("topic disallowed") }

func TestRunGateDenialRejectsBeforeNetwork(t *testing.T) {
	c := &fakeCompleter{
		planFn: func(string, int) (*llm.Plan, error) {
			t.Fatal("planner must not be reached after a gate denial")
			return nil, nil
		},
	}
	e, _ := newTestEngine(t, testConfig(), c, groundedSearcher(t), WithGate(denyGate{}))

	_, err := e.Run(context.Background(), Request{RunID: "r1", Topic: "topic"})
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidInput, kind)
}

func TestRunEmitsStreamEvents(t *testing.T) {
	c := &fakeCompleter{
		planFn:    planOf("q-one"),
		reflectFn: sufficientAfter(1),
		synthFn:   echoSynth,
	}
	store := session.NewStore(zap.NewNop())
	t.Cleanup(store.Stop)
	stream := streaming.NewManager(64)
	e := NewEngine(testConfig(), c, groundedSearcher(t), store, stream, zap.NewNop())

	_, err := e.Run(context.Background(), Request{RunID: "r1", Topic: "topic"})
	require.NoError(t, err)

	events := stream.ReplaySince("r1", 0)
	require.NotEmpty(t, events)
	types := make(map[string]bool)
	for _, evt := range events {
		types[evt.Type] = true
	}
	assert.True(t, types[streaming.EventStageChanged])
	assert.True(t, types[streaming.EventSearchCompleted])
	assert.True(t, types[streaming.EventRunCompleted])
}
