// Package policy gates research topics through OPA rego rules before any
// network call is made. Rules decide data.fathom.research.decision with an
// {allow, reason} document.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/config"
	"github.com/fathomlabs/fathom/internal/metrics"
)

const decisionQuery = "data.fathom.research.decision"

// Mode controls how a deny decision is applied.
type Mode string

const (
	ModeOff     Mode = "off"
	ModeDryRun  Mode = "dry-run" // evaluate and log, never block
	ModeEnforce Mode = "enforce"
)

// Decision is the rule output.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// ErrDenied wraps the rule's reason for a blocked topic.
type ErrDenied struct {
	Reason string
}

func (e *ErrDenied) Error() string {
	return fmt.Sprintf("policy denied: %s", e.Reason)
}

// Gate is the OPA-backed admission check.
type Gate struct {
	mu         sync.RWMutex
	compiled   *rego.PreparedEvalQuery
	mode       Mode
	path       string
	failClosed bool
	logger     *zap.Logger
}

// NewGate compiles the rego rules under cfg.Path. With fail_closed unset, a
// load failure degrades the gate to allow-all instead of blocking startup.
func NewGate(cfg config.PolicyConfig, logger *zap.Logger) (*Gate, error) {
	g := &Gate{
		mode:       Mode(cfg.Mode),
		path:       cfg.Path,
		failClosed: cfg.FailClosed,
		logger:     logger,
	}
	if !cfg.Enabled || g.mode == ModeOff {
		g.mode = ModeOff
		return g, nil
	}
	if err := g.Reload(); err != nil {
		if cfg.FailClosed {
			return nil, err
		}
		logger.Warn("Policy load failed, gate degraded to allow-all", zap.Error(err))
	}
	return g, nil
}

// Reload recompiles the rules from disk. Wired to the config watcher so
// rule edits take effect without a restart.
func (g *Gate) Reload() error {
	modules := make(map[string]string)
	err := filepath.Walk(g.path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", path, err)
		}
		rel, _ := filepath.Rel(g.path, path)
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk policy directory %s: %w", g.path, err)
	}
	if len(modules) == 0 {
		return fmt.Errorf("no .rego files under %s", g.path)
	}

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile policies: %w", err)
	}

	g.mu.Lock()
	g.compiled = &compiled
	g.mu.Unlock()
	g.logger.Info("Policies compiled", zap.Int("modules", len(modules)), zap.String("path", g.path))
	return nil
}

// Admit evaluates the rules for a topic. Dry-run logs denials without
// blocking; evaluation errors follow the fail-open/fail-closed setting.
func (g *Gate) Admit(ctx context.Context, topic, userKey string) error {
	g.mu.RLock()
	compiled := g.compiled
	mode := g.mode
	g.mu.RUnlock()

	if mode == ModeOff || compiled == nil {
		return nil
	}

	input := map[string]interface{}{
		"topic":     topic,
		"user_key":  userKey,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	results, err := compiled.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		g.logger.Error("Policy evaluation failed", zap.Error(err))
		if g.failClosed {
			return &ErrDenied{Reason: "policy evaluation error"}
		}
		return nil
	}

	decision := parseDecision(results)
	if decision.Allow {
		return nil
	}

	metrics.PolicyDenials.WithLabelValues(string(mode)).Inc()
	if mode == ModeDryRun {
		g.logger.Warn("Policy would deny topic (dry-run)",
			zap.String("user_key", userKey),
			zap.String("reason", decision.Reason),
		)
		return nil
	}
	return &ErrDenied{Reason: decision.Reason}
}

func parseDecision(results rego.ResultSet) Decision {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// No decision document matched: nothing to enforce.
		return Decision{Allow: true}
	}
	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{Allow: true}
	}
	d := Decision{}
	if allow, ok := doc["allow"].(bool); ok {
		d.Allow = allow
	}
	if reason, ok := doc["reason"].(string); ok {
		d.Reason = reason
	}
	return d
}
