package chain

import (
	"fmt"
	"testing"
	"time"
)

func TestHistoryEvictsOldestBeyondSize(t *testing.T) {
	h, err := NewHistory(2, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		h.Add(&Result{ChainName: fmt.Sprintf("run-%d", i)})
	}

	recent := h.Recent()
	if len(recent) != 2 {
		t.Fatalf("len = %d, want 2", len(recent))
	}
	if recent[0].ChainName != "run-1" || recent[1].ChainName != "run-2" {
		t.Errorf("recent = %s, %s", recent[0].ChainName, recent[1].ChainName)
	}
}

func TestHistoryDropsExpiredEntries(t *testing.T) {
	h, err := NewHistory(8, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	h.Add(&Result{ChainName: "old"})
	time.Sleep(10 * time.Millisecond)

	if got := h.Recent(); len(got) != 0 {
		t.Errorf("recent = %v, want empty", got)
	}
}
