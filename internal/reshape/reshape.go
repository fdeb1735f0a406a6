// Package reshape normalizes raw backend tool results before they are
// returned to the caller. A chain of transformers is tried in registration
// order and the first whose predicate matches rewrites the result; everything
// else falls through to a generic encode.
//
// Registration order is a visible contract: more specific matchers must be
// registered before more general ones for the same backend/tool pair.
package reshape

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"toolmux/internal/client"
	"toolmux/internal/logging"
)

// Context carries everything a transformer can match on.
type Context struct {
	Backend string
	Tool    string
	Args    map[string]any
	Result  *client.ToolCallResult
}

// Transformer reshapes a matching raw result into response text.
type Transformer interface {
	// Name identifies the transformer in logs.
	Name() string
	// Match reports whether this transformer handles the context.
	Match(tctx Context) bool
	// Rewrite produces the response text. An error counts as a non-match
	// and evaluation continues down the chain.
	Rewrite(tctx Context) (string, error)
}

// Func adapts plain functions to the Transformer interface.
type Func struct {
	TransformerName string
	MatchFn         func(tctx Context) bool
	RewriteFn       func(tctx Context) (string, error)
}

func (f Func) Name() string { return f.TransformerName }

func (f Func) Match(tctx Context) bool { return f.MatchFn(tctx) }

func (f Func) Rewrite(tctx Context) (string, error) { return f.RewriteFn(tctx) }

// Chain is an ordered transformer list with a pass-through default.
type Chain struct {
	transformers []Transformer
	logger       logging.Logger
}

// NewChain creates an empty chain.
func NewChain(logger logging.Logger) *Chain {
	return &Chain{logger: logging.OrNop(logger)}
}

// Register appends a transformer. Order of registration is evaluation order.
func (c *Chain) Register(t Transformer) {
	c.transformers = append(c.transformers, t)
}

// Transform applies the first matching transformer, or the default encode
// when none matches (or every match fails to rewrite).
func (c *Chain) Transform(tctx Context) string {
	for _, t := range c.transformers {
		if !t.Match(tctx) {
			continue
		}
		out, err := t.Rewrite(tctx)
		if err != nil {
			c.logger.Warn("Transformer %s failed on %s/%s, continuing: %v",
				t.Name(), tctx.Backend, tctx.Tool, err)
			continue
		}
		return out
	}
	return DefaultEncode(tctx.Result)
}

// DefaultEncode flattens a raw tool result into plain text: text blocks are
// joined, binary blocks become short placeholders, and near-JSON text is
// salvaged with jsonrepair.
func DefaultEncode(result *client.ToolCallResult) string {
	if result == nil {
		return ""
	}

	var parts []string
	for _, block := range result.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, salvageJSON(block.Text))
			}
		case "image":
			if block.MimeType != "" {
				parts = append(parts, fmt.Sprintf("[Image: %s]", block.MimeType))
			} else {
				parts = append(parts, "[Image]")
			}
		case "resource":
			parts = append(parts, fmt.Sprintf("[Resource: %s]", block.Text))
		default:
			parts = append(parts, fmt.Sprintf("[%s]", block.Type))
		}
	}
	return strings.Join(parts, "\n\n")
}

// salvageJSON repairs text that looks like JSON but fails to parse. Anything
// else passes through untouched.
func salvageJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) == 0 {
		return text
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return text
	}
	if json.Valid([]byte(trimmed)) {
		return text
	}
	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err != nil {
		return text
	}
	return repaired
}
