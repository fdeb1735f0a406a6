package chain

import (
	"reflect"
	"testing"
)

func TestSubstituteWholeTokenKeepsType(t *testing.T) {
	outputs := map[string]any{
		"step1": map[string]any{"count": float64(3), "items": []any{"a", "b"}},
	}

	got := Substitute("${step1.count}", outputs)
	if got != float64(3) {
		t.Errorf("got %v (%T), want float64 3", got, got)
	}

	gotList := Substitute("${step1.items}", outputs)
	if !reflect.DeepEqual(gotList, []any{"a", "b"}) {
		t.Errorf("got %v, want [a b]", gotList)
	}
}

func TestSubstituteEmbeddedTokensInterpolate(t *testing.T) {
	outputs := map[string]any{
		"user": map[string]any{"name": "ada", "id": float64(7)},
	}

	got := Substitute("hello ${user.name}, you are #${user.id}", outputs)
	if got != "hello ada, you are #7" {
		t.Errorf("got %q", got)
	}
}

func TestSubstituteUnresolvedStaysLiteral(t *testing.T) {
	outputs := map[string]any{"a": "x"}

	if got := Substitute("${missing.path}", outputs); got != "${missing.path}" {
		t.Errorf("whole token: got %v, want literal", got)
	}
	if got := Substitute("keep ${missing} here", outputs); got != "keep ${missing} here" {
		t.Errorf("embedded token: got %v, want literal", got)
	}
}

func TestSubstituteRecursesIntoContainers(t *testing.T) {
	outputs := map[string]any{"v": "resolved"}

	in := map[string]any{
		"direct": "${v}",
		"nested": map[string]any{"inner": "${v}"},
		"list":   []any{"${v}", "static"},
		"number": 42,
	}
	got, ok := Substitute(in, outputs).(map[string]any)
	if !ok {
		t.Fatal("expected map result")
	}
	if got["direct"] != "resolved" {
		t.Errorf("direct = %v", got["direct"])
	}
	if got["nested"].(map[string]any)["inner"] != "resolved" {
		t.Errorf("nested = %v", got["nested"])
	}
	if list := got["list"].([]any); list[0] != "resolved" || list[1] != "static" {
		t.Errorf("list = %v", list)
	}
	if got["number"] != 42 {
		t.Errorf("number = %v", got["number"])
	}
}

func TestResolvePathArrayIndices(t *testing.T) {
	outputs := map[string]any{
		"search": map[string]any{
			"results": []any{
				map[string]any{"url": "https://one"},
				map[string]any{"url": "https://two"},
			},
		},
	}

	v, ok := ResolvePath("search.results.1.url", outputs)
	if !ok || v != "https://two" {
		t.Errorf("got %v ok=%v, want https://two", v, ok)
	}

	if _, ok := ResolvePath("search.results.9.url", outputs); ok {
		t.Error("out-of-range index should not resolve")
	}
	if _, ok := ResolvePath("search.results.x", outputs); ok {
		t.Error("non-numeric index into array should not resolve")
	}
	if _, ok := ResolvePath("search.missing", outputs); ok {
		t.Error("missing key should not resolve")
	}
}

func TestStringify(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"plain", "plain"},
		{nil, "null"},
		{float64(2.5), "2.5"},
		{true, "true"},
		{map[string]any{"k": "v"}, `{"k":"v"}`},
		{[]any{1, 2}, `[1,2]`},
	}
	for _, tt := range tests {
		if got := Stringify(tt.in); got != tt.want {
			t.Errorf("Stringify(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
