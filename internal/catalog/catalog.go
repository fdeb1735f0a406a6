// Package catalog aggregates the tools advertised by every backend into one
// namespace-prefixed table, plus a virtual "composite" namespace for locally
// implemented tools.
//
// The table is bijective and built once at import time: finalName maps to
// (owner, localName) and back, so dispatch never does string-prefix
// arithmetic at call time.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"toolmux/internal/client"
)

// CompositeOwner is the reserved owner name for locally implemented tools.
const CompositeOwner = "composite"

// Catalog errors.
var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrUnknownTool   = errors.New("unknown tool")
)

// Entry is one catalog row.
type Entry struct {
	// FinalName is the unique, namespace-prefixed name callers use.
	FinalName string
	// Owner is the backend name, or CompositeOwner for local tools.
	Owner string
	// LocalName is the tool name the owner knows it by.
	LocalName string
	// Description is the advertised tool description.
	Description string
	// InputSchema is the advertised JSON schema for the tool arguments.
	InputSchema map[string]any
}

// Catalog is the aggregated tool table. Writes happen during startup import;
// reads dominate afterwards.
type Catalog struct {
	mu      sync.RWMutex
	byFinal map[string]Entry
	order   []string
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{byFinal: make(map[string]Entry)}
}

// FinalName computes the caller-visible name for a backend-local tool. The
// local name keeps an existing exact "<backend>_" prefix instead of being
// double-prefixed.
func FinalName(backend, local string) string {
	prefix := backend + "_"
	if strings.HasPrefix(local, prefix) {
		return local
	}
	return prefix + local
}

// ImportFrom registers every tool advertised by a backend. A finalName
// collision anywhere in the catalog is a hard error.
func (c *Catalog) ImportFrom(backend string, tools []client.ToolSchema) error {
	for _, t := range tools {
		entry := Entry{
			FinalName:   FinalName(backend, t.Name),
			Owner:       backend,
			LocalName:   t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
		if err := c.Register(entry); err != nil {
			return err
		}
	}
	return nil
}

// Register adds one entry. Duplicate final names are rejected regardless of
// owner.
func (c *Catalog) Register(entry Entry) error {
	if entry.FinalName == "" {
		return fmt.Errorf("tool name is required")
	}
	if entry.Owner == "" {
		return fmt.Errorf("tool owner is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byFinal[entry.FinalName]; ok {
		return fmt.Errorf("%w: %q (owned by %s)", ErrDuplicateTool, entry.FinalName, existing.Owner)
	}
	c.byFinal[entry.FinalName] = entry
	c.order = append(c.order, entry.FinalName)
	return nil
}

// Resolve maps a final name back to its owner and local name.
func (c *Catalog) Resolve(finalName string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.byFinal[finalName]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownTool, finalName)
	}
	return entry, nil
}

// Remove drops every entry owned by the given backend, e.g. ahead of a
// reconnect re-import.
func (c *Catalog) Remove(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.order[:0]
	for _, name := range c.order {
		if c.byFinal[name].Owner == owner {
			delete(c.byFinal, name)
			continue
		}
		kept = append(kept, name)
	}
	c.order = kept
}

// List returns all entries in registration order.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.byFinal[name])
	}
	return out
}

// Owners returns the distinct owner names, sorted for deterministic output.
func (c *Catalog) Owners() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool)
	for _, e := range c.byFinal {
		seen[e.Owner] = true
	}
	out := make([]string, 0, len(seen))
	for owner := range seen {
		out = append(out, owner)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byFinal)
}
