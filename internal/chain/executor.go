package chain

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"toolmux/internal/logging"
)

// Invoker dispatches one chain step. The dispatcher implements this; the
// indirection keeps the executor free of routing concerns.
type Invoker interface {
	InvokeStep(ctx context.Context, backend, tool string, args map[string]any) (any, error)
}

// Executor runs chain definitions strictly sequentially. Later steps may read
// values produced by earlier steps through the shared output map, so steps
// are never scheduled concurrently.
type Executor struct {
	defs    map[string]Definition
	order   []string
	invoker Invoker
	logger  logging.Logger
	history *History
}

// NewExecutor creates an executor for the loaded definitions. history may be
// nil to disable run retention.
func NewExecutor(defs []Definition, invoker Invoker, logger logging.Logger, history *History) *Executor {
	e := &Executor{
		defs:    make(map[string]Definition, len(defs)),
		invoker: invoker,
		logger:  logging.OrNop(logger),
		history: history,
	}
	for _, def := range defs {
		e.defs[def.Name] = def
		e.order = append(e.order, def.Name)
	}
	return e
}

// Has reports whether a chain with the given name is loaded.
func (e *Executor) Has(name string) bool {
	_, ok := e.defs[name]
	return ok
}

// Get returns a loaded definition.
func (e *Executor) Get(name string) (Definition, bool) {
	def, ok := e.defs[name]
	return def, ok
}

// Definitions returns all loaded chains in file order.
func (e *Executor) Definitions() []Definition {
	out := make([]Definition, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.defs[name])
	}
	return out
}

// Execute runs a chain by name. The call arguments become the run's initial
// parameters, reachable from templates as ${params.<key>}.
func (e *Executor) Execute(ctx context.Context, name string, initialParams map[string]any) (*Result, error) {
	def, ok := e.defs[name]
	if !ok {
		return nil, fmt.Errorf("unknown chain: %q", name)
	}
	return e.Run(ctx, def, initialParams)
}

// Run executes a definition. A failed step is recorded and the run continues;
// per-step failure isolation preserves the audit trail of multi-step
// workflows.
func (e *Executor) Run(ctx context.Context, def Definition, initialParams map[string]any) (*Result, error) {
	outputs := map[string]any{}
	if initialParams != nil {
		outputs["params"] = initialParams
	}

	result := &Result{
		ChainName: def.Name,
		StartTime: time.Now(),
		Steps:     make([]StepRecord, 0, len(def.Steps)),
	}
	e.logger.Info("Running chain %q (%d steps)", def.Name, len(def.Steps))

	for i, step := range def.Steps {
		rec := StepRecord{
			Index:     i,
			Backend:   step.Backend,
			Tool:      step.Tool,
			StartTime: time.Now(),
		}

		if step.Condition != nil {
			if satisfied, reason := evalCondition(*step.Condition, outputs); !satisfied {
				rec.Status = StepSkipped
				rec.SkipReason = reason
				rec.EndTime = time.Now()
				result.Steps = append(result.Steps, rec)
				e.logger.Debug("Chain %q step %d skipped: %s", def.Name, i, reason)
				continue
			}
		}

		params := substituteParams(step.Params, outputs)
		rec.Params = params

		output, err := e.invoker.InvokeStep(ctx, step.Backend, step.Tool, params)
		rec.EndTime = time.Now()
		if err != nil {
			rec.Status = StepFailed
			rec.Error = err.Error()
			e.logger.Warn("Chain %q step %d (%s/%s) failed: %v",
				def.Name, i, step.Backend, step.Tool, err)
		} else {
			rec.Status = StepSuccess
			rec.Output = output
			if step.OutputKey != "" {
				outputs[step.OutputKey] = output
			}
		}
		result.Steps = append(result.Steps, rec)
	}

	result.EndTime = time.Now()
	result.Summary = summarize(result.Steps)

	if len(def.FinalTransform) > 0 {
		result.FinalOutput = Substitute(def.FinalTransform, outputs)
	}

	if e.history != nil {
		e.history.Add(result)
	}

	e.logger.Info("Chain %q finished: %d/%d steps succeeded",
		def.Name, result.Summary.Successful, result.Summary.TotalSteps)
	return result, nil
}

func substituteParams(params map[string]any, outputs map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	substituted := Substitute(params, outputs)
	if m, ok := substituted.(map[string]any); ok {
		return m
	}
	return params
}

func summarize(steps []StepRecord) Summary {
	s := Summary{TotalSteps: len(steps)}
	for _, rec := range steps {
		switch rec.Status {
		case StepSuccess:
			s.Successful++
		case StepFailed:
			s.Failed++
		case StepSkipped:
			s.Skipped++
		}
	}
	return s
}

// evalCondition resolves the referenced output key and applies the operator.
// A key set only by a later (or never-reached) step resolves as absent.
func evalCondition(cond Condition, outputs map[string]any) (bool, string) {
	resolved, present := ResolvePath(cond.OutputKey, outputs)

	switch cond.Operator {
	case OpExists:
		if present {
			return true, ""
		}
		return false, fmt.Sprintf("output %q does not exist", cond.OutputKey)
	case OpNotExists:
		if !present {
			return true, ""
		}
		return false, fmt.Sprintf("output %q exists", cond.OutputKey)
	case OpEquals:
		if present && equalValues(resolved, cond.Value) {
			return true, ""
		}
		return false, fmt.Sprintf("output %q does not equal %v", cond.OutputKey, cond.Value)
	case OpContains:
		if present && strings.Contains(Stringify(resolved), Stringify(cond.Value)) {
			return true, ""
		}
		return false, fmt.Sprintf("output %q does not contain %v", cond.OutputKey, cond.Value)
	default:
		return false, fmt.Sprintf("unknown operator %q", cond.Operator)
	}
}

// equalValues compares with DeepEqual first and falls back to the stringified
// forms so YAML ints match JSON float64s.
func equalValues(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	return Stringify(a) == Stringify(b)
}
