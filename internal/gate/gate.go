// Package gate spills oversized tool results to disk and replaces them with a
// compact file reference. The caller-facing transport has a practical
// message-size ceiling; inlining multi-megabyte payloads would break or
// throttle it.
package gate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"toolmux/internal/logging"
)

const (
	// DefaultThreshold is the serialized size at which a payload is written
	// to a file instead of being inlined.
	DefaultThreshold = 1 << 20 // 1 MiB

	// PreviewLimit caps the inline preview attached to a file reference.
	PreviewLimit = 200
)

// Kind tags the content shape of a payload.
type Kind string

const (
	KindJSON Kind = "json"
	KindText Kind = "text"
)

func (k Kind) ext() string {
	if k == KindJSON {
		return "json"
	}
	return "txt"
}

// Classification describes a payload ahead of materialization.
type Classification struct {
	IsLarge     bool
	SizeInBytes int
	Kind        Kind
}

// Reference is the compact stand-in returned for a spilled payload.
type Reference struct {
	Type        string `json:"type"` // always "large_response"
	Filepath    string `json:"filepath"`
	Filename    string `json:"filename"`
	SizeInBytes int    `json:"sizeInBytes"`
	ContentType string `json:"contentType"`
	Preview     string `json:"preview"`
}

// Gate classifies payloads by serialized size and spills the large ones.
type Gate struct {
	threshold int
	outputDir string
	logger    logging.Logger
}

// Option customises a Gate.
type Option func(*Gate)

// WithThreshold overrides the spill threshold, mainly for tests.
func WithThreshold(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.threshold = n
		}
	}
}

// New creates a gate writing spill files under outputDir.
func New(outputDir string, logger logging.Logger, opts ...Option) *Gate {
	g := &Gate{
		threshold: DefaultThreshold,
		outputDir: outputDir,
		logger:    logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Serialize renders a payload to its byte form: raw bytes for strings, JSON
// for structured values.
func Serialize(payload any) ([]byte, Kind, error) {
	switch v := payload.(type) {
	case string:
		data := []byte(v)
		if json.Valid(data) {
			return data, KindJSON, nil
		}
		return data, KindText, nil
	case []byte:
		if json.Valid(v) {
			return v, KindJSON, nil
		}
		return v, KindText, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, KindText, fmt.Errorf("failed to serialize payload: %w", err)
		}
		return data, KindJSON, nil
	}
}

// Classify measures a payload against the threshold.
func (g *Gate) Classify(payload any) (Classification, error) {
	data, kind, err := Serialize(payload)
	if err != nil {
		return Classification{}, err
	}
	return Classification{
		IsLarge:     len(data) >= g.threshold,
		SizeInBytes: len(data),
		Kind:        kind,
	}, nil
}

// Materialize writes a large payload to a timestamp-named file and returns
// the reference. It returns (nil, false, nil) for payloads below the
// threshold, which the caller inlines unchanged.
func (g *Gate) Materialize(payload any) (*Reference, bool, error) {
	data, kind, err := Serialize(payload)
	if err != nil {
		return nil, false, err
	}
	if len(data) < g.threshold {
		return nil, false, nil
	}

	if err := os.MkdirAll(g.outputDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("failed to create output directory: %w", err)
	}

	filename := spillFilename(time.Now().UTC(), kind)
	path := filepath.Join(g.outputDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, false, fmt.Errorf("failed to write large response file: %w", err)
	}

	g.logger.Info("Spilled %d-byte %s response to %s", len(data), kind, path)

	return &Reference{
		Type:        "large_response",
		Filepath:    path,
		Filename:    filename,
		SizeInBytes: len(data),
		ContentType: string(kind),
		Preview:     preview(data),
	}, true, nil
}

// spillFilename builds large-response-<ISO8601-with-dashes>.<ext>. Colons and
// the fractional-second dot are replaced with dashes so the name is portable.
func spillFilename(ts time.Time, kind Kind) string {
	stamp := fmt.Sprintf("%s-%03dZ", ts.Format("2006-01-02T15-04-05"), ts.Nanosecond()/1e6)
	return fmt.Sprintf("large-response-%s.%s", stamp, kind.ext())
}

// preview truncates at PreviewLimit bytes, backing up so the cut never lands
// inside a multi-byte rune.
func preview(data []byte) string {
	if len(data) <= PreviewLimit {
		return string(data)
	}
	cut := PreviewLimit
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return string(data[:cut])
}
