// Package dispatch routes caller-facing tool invocations to their owners and
// normalizes results on the way back: backend tools go through the directory,
// composite tools run in-process, and every inline response passes the size
// gate and the transformer chain.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"toolmux/internal/catalog"
	"toolmux/internal/chain"
	"toolmux/internal/client"
	"toolmux/internal/directory"
	"toolmux/internal/gate"
	"toolmux/internal/logging"
	"toolmux/internal/observability"
	"toolmux/internal/reshape"
)

// UnknownToolError reports a dispatch against a name the catalog has never
// seen.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %q", e.Name)
}

// CompositeHandler executes one locally implemented tool.
type CompositeHandler func(ctx context.Context, args map[string]any) (any, error)

// Envelope is the caller-facing result of one dispatch.
type Envelope struct {
	Content []client.ContentBlock `json:"content"`
	IsError bool                  `json:"isError,omitempty"`
}

// textEnvelope wraps plain text in a single-block envelope.
func textEnvelope(text string, isError bool) *Envelope {
	return &Envelope{
		Content: []client.ContentBlock{{Type: "text", Text: text}},
		IsError: isError,
	}
}

// Dispatcher is the single entry point for tool invocations.
type Dispatcher struct {
	directory *directory.Directory
	catalog   *catalog.Catalog
	gate      *gate.Gate
	reshaper  *reshape.Chain
	metrics   *observability.Metrics
	logger    logging.Logger

	mu         sync.RWMutex
	composites map[string]CompositeHandler
}

// New creates a dispatcher. metrics may be a disabled collector but not nil.
func New(
	dir *directory.Directory,
	cat *catalog.Catalog,
	g *gate.Gate,
	reshaper *reshape.Chain,
	metrics *observability.Metrics,
	logger logging.Logger,
) *Dispatcher {
	return &Dispatcher{
		directory:  dir,
		catalog:    cat,
		gate:       g,
		reshaper:   reshaper,
		metrics:    metrics,
		logger:     logging.OrNop(logger),
		composites: make(map[string]CompositeHandler),
	}
}

// RegisterComposite publishes a locally implemented tool into the catalog and
// binds its handler.
func (d *Dispatcher) RegisterComposite(name, description string, inputSchema map[string]any, handler CompositeHandler) error {
	if err := d.catalog.Register(catalog.Entry{
		FinalName:   name,
		Owner:       catalog.CompositeOwner,
		LocalName:   name,
		Description: description,
		InputSchema: inputSchema,
	}); err != nil {
		return err
	}
	d.mu.Lock()
	d.composites[name] = handler
	d.mu.Unlock()
	return nil
}

// Dispatch resolves a caller-visible tool name and runs it. Backend failures
// come back as error envelopes, not Go errors; only unroutable calls error.
func (d *Dispatcher) Dispatch(ctx context.Context, finalName string, args map[string]any) (*Envelope, error) {
	entry, err := d.catalog.Resolve(finalName)
	if err != nil {
		return nil, &UnknownToolError{Name: finalName}
	}

	start := time.Now()
	var env *Envelope
	if entry.Owner == catalog.CompositeOwner {
		env, err = d.dispatchComposite(ctx, entry, args)
	} else {
		env, err = d.dispatchBackend(ctx, entry, args)
	}
	d.metrics.RecordDispatch(ctx, entry.Owner, entry.LocalName, time.Since(start), err)

	if err != nil {
		d.logger.Warn("Dispatch of %s failed: %v", finalName, err)
		return textEnvelope(fmt.Sprintf("Tool call failed: %v", err), true), nil
	}
	return env, nil
}

func (d *Dispatcher) dispatchComposite(ctx context.Context, entry catalog.Entry, args map[string]any) (*Envelope, error) {
	d.mu.RLock()
	handler, ok := d.composites[entry.FinalName]
	d.mu.RUnlock()
	if !ok {
		return nil, &UnknownToolError{Name: entry.FinalName}
	}

	output, err := handler(ctx, args)
	if err != nil {
		return nil, err
	}
	return d.seal(ctx, entry, output)
}

func (d *Dispatcher) dispatchBackend(ctx context.Context, entry catalog.Entry, args map[string]any) (*Envelope, error) {
	result, err := d.directory.Invoke(ctx, entry.Owner, entry.LocalName, args)
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return textEnvelope(reshape.DefaultEncode(result), true), nil
	}

	// Oversized raw results are spilled before any reshaping so transformers
	// never see multi-megabyte inputs.
	raw := reshape.DefaultEncode(result)
	if env, spilled, err := d.spill(ctx, entry, raw); err != nil {
		return nil, err
	} else if spilled {
		return env, nil
	}

	text := d.reshaper.Transform(reshape.Context{
		Backend: entry.Owner,
		Tool:    entry.LocalName,
		Args:    args,
		Result:  result,
	})
	return textEnvelope(text, false), nil
}

// seal gates and envelopes a composite or chain output.
func (d *Dispatcher) seal(ctx context.Context, entry catalog.Entry, output any) (*Envelope, error) {
	if env, spilled, err := d.spill(ctx, entry, output); err != nil {
		return nil, err
	} else if spilled {
		return env, nil
	}

	data, _, err := gate.Serialize(output)
	if err != nil {
		return nil, err
	}
	return textEnvelope(string(data), false), nil
}

// spill materializes a payload through the gate. The bool reports whether the
// payload was large enough to be written out.
func (d *Dispatcher) spill(ctx context.Context, entry catalog.Entry, payload any) (*Envelope, bool, error) {
	ref, spilled, err := d.gate.Materialize(payload)
	if err != nil {
		return nil, false, err
	}
	if !spilled {
		return nil, false, nil
	}

	d.metrics.RecordSpill(ctx, entry.Owner, entry.LocalName)
	data, err := json.Marshal(ref)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode file reference: %w", err)
	}
	return textEnvelope(string(data), false), true, nil
}

// InvokeStep runs one chain step against a backend and returns structured
// output when the response parses as JSON, so later steps can template into
// nested fields.
func (d *Dispatcher) InvokeStep(ctx context.Context, backend, tool string, args map[string]any) (any, error) {
	result, err := d.directory.Invoke(ctx, backend, tool, args)
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, fmt.Errorf("tool %s/%s returned an error: %s", backend, tool, reshape.DefaultEncode(result))
	}

	text := d.reshaper.Transform(reshape.Context{
		Backend: backend,
		Tool:    tool,
		Args:    args,
		Result:  result,
	})

	var structured any
	if err := json.Unmarshal([]byte(text), &structured); err == nil {
		switch structured.(type) {
		case map[string]any, []any:
			return structured, nil
		}
	}
	return text, nil
}

var _ chain.Invoker = (*Dispatcher)(nil)
