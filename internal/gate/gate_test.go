package gate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func mustTime(t *testing.T) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, "2025-03-04T05:06:07.089Z")
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestClassifyAgainstThreshold(t *testing.T) {
	g := New(t.TempDir(), nil, WithThreshold(10))

	small, err := g.Classify("123456789") // 9 bytes
	if err != nil {
		t.Fatal(err)
	}
	if small.IsLarge {
		t.Error("9 bytes should be under a 10-byte threshold")
	}

	exact, err := g.Classify("1234567890") // exactly the threshold
	if err != nil {
		t.Fatal(err)
	}
	if !exact.IsLarge {
		t.Error("payload at the threshold counts as large")
	}
	if exact.SizeInBytes != 10 {
		t.Errorf("size = %d, want 10", exact.SizeInBytes)
	}
}

func TestSerializeKinds(t *testing.T) {
	if _, kind, _ := Serialize(`{"a":1}`); kind != KindJSON {
		t.Errorf("valid JSON string: kind = %s", kind)
	}
	if _, kind, _ := Serialize("just text"); kind != KindText {
		t.Errorf("plain string: kind = %s", kind)
	}
	if _, kind, _ := Serialize(map[string]any{"a": 1}); kind != KindJSON {
		t.Errorf("structured value: kind = %s", kind)
	}
}

func TestMaterializeBelowThresholdInlines(t *testing.T) {
	g := New(t.TempDir(), nil, WithThreshold(1024))

	ref, spilled, err := g.Materialize("small")
	if err != nil {
		t.Fatal(err)
	}
	if spilled || ref != nil {
		t.Error("small payload must not be spilled")
	}
}

func TestMaterializeWritesFileAndReference(t *testing.T) {
	dir := t.TempDir()
	g := New(dir, nil, WithThreshold(16))

	payload := strings.Repeat("x", 64)
	ref, spilled, err := g.Materialize(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !spilled {
		t.Fatal("expected spill")
	}

	if ref.Type != "large_response" {
		t.Errorf("type = %q", ref.Type)
	}
	if ref.SizeInBytes != 64 {
		t.Errorf("size = %d, want 64", ref.SizeInBytes)
	}
	if ref.ContentType != string(KindText) {
		t.Errorf("contentType = %q", ref.ContentType)
	}
	if !strings.HasPrefix(ref.Filename, "large-response-") || !strings.HasSuffix(ref.Filename, ".txt") {
		t.Errorf("filename = %q", ref.Filename)
	}
	if ref.Filepath != filepath.Join(dir, ref.Filename) {
		t.Errorf("filepath = %q", ref.Filepath)
	}

	data, err := os.ReadFile(ref.Filepath)
	if err != nil {
		t.Fatalf("spill file unreadable: %v", err)
	}
	if string(data) != payload {
		t.Error("spill file content mismatch")
	}
}

func TestMaterializeJSONGetsJSONExtension(t *testing.T) {
	g := New(t.TempDir(), nil, WithThreshold(8))

	big := map[string]any{"k": strings.Repeat("v", 32)}
	ref, spilled, err := g.Materialize(big)
	if err != nil || !spilled {
		t.Fatalf("spilled=%v err=%v", spilled, err)
	}
	if !strings.HasSuffix(ref.Filename, ".json") {
		t.Errorf("filename = %q, want .json", ref.Filename)
	}
	if ref.ContentType != string(KindJSON) {
		t.Errorf("contentType = %q", ref.ContentType)
	}

	data, _ := os.ReadFile(ref.Filepath)
	if !json.Valid(data) {
		t.Error("spilled JSON file must hold valid JSON")
	}
}

func TestPreviewTruncatedToLimit(t *testing.T) {
	g := New(t.TempDir(), nil, WithThreshold(8))

	payload := strings.Repeat("p", 5000)
	ref, spilled, err := g.Materialize(payload)
	if err != nil || !spilled {
		t.Fatalf("spilled=%v err=%v", spilled, err)
	}
	if len(ref.Preview) > PreviewLimit {
		t.Errorf("preview len = %d, want <= %d", len(ref.Preview), PreviewLimit)
	}
	if !strings.HasPrefix(payload, ref.Preview) {
		t.Error("preview must be a prefix of the payload")
	}
}

func TestPreviewNeverSplitsRune(t *testing.T) {
	// Three-byte runes put the fixed byte offset inside a rune.
	payload := []byte(strings.Repeat("世", PreviewLimit))
	got := preview(payload)

	if !utf8.ValidString(got) {
		t.Errorf("preview is not valid UTF-8: %q", got)
	}
	if !strings.HasPrefix(string(payload), got) {
		t.Error("preview must be a prefix of the payload")
	}
	if len(got) > PreviewLimit {
		t.Errorf("preview len = %d, want <= %d", len(got), PreviewLimit)
	}
	if len(got)%3 != 0 {
		t.Errorf("preview len = %d, cut landed mid-rune", len(got))
	}
}

func TestDefaultThreshold(t *testing.T) {
	g := New(t.TempDir(), nil)

	under, _ := g.Classify(strings.Repeat("a", DefaultThreshold-1))
	if under.IsLarge {
		t.Error("payload one byte under 1 MiB should inline")
	}
	at, _ := g.Classify(strings.Repeat("a", DefaultThreshold))
	if !at.IsLarge {
		t.Error("payload at 1 MiB should spill")
	}
}

func TestSpillFilenameFormat(t *testing.T) {
	name := spillFilename(mustTime(t), KindJSON)
	if !strings.HasPrefix(name, "large-response-2025-03-04T05-06-07-") {
		t.Errorf("name = %q", name)
	}
	if !strings.HasSuffix(name, "Z.json") {
		t.Errorf("name = %q, want Z.json suffix", name)
	}
}
