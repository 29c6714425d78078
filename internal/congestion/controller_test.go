package congestion

import "testing"

func TestNewClampsMaxAndFloor(t *testing.T) {
	c := New(0, nil)
	if got := c.Ceiling(); got != 1 {
		t.Fatalf("ceiling = %d, want 1", got)
	}
}

func TestRecordFloodWaitDropsByTwoFloored(t *testing.T) {
	c := New(5, nil)
	ceil, changed := c.RecordFloodWait()
	if !changed || ceil != 3 {
		t.Fatalf("got (%d,%v), want (3,true)", ceil, changed)
	}
	ceil, changed = c.RecordFloodWait()
	if !changed || ceil != 1 {
		t.Fatalf("got (%d,%v), want (1,true)", ceil, changed)
	}
	// already at floor: no further change
	ceil, changed = c.RecordFloodWait()
	if changed || ceil != 1 {
		t.Fatalf("got (%d,%v), want (1,false)", ceil, changed)
	}
}

func TestRecordSuccessGrowsAfterWindow(t *testing.T) {
	c := New(5, nil)
	c.RecordFloodWait() // ceiling -> 3
	for i := 0; i < successesToGrow-1; i++ {
		_, changed := c.RecordSuccess()
		if changed {
			t.Fatalf("grew early at success %d", i)
		}
	}
	ceil, changed := c.RecordSuccess()
	if !changed || ceil != 4 {
		t.Fatalf("got (%d,%v), want (4,true) on the %dth success", ceil, changed, successesToGrow)
	}
}

func TestRecordSuccessCappedAtMax(t *testing.T) {
	c := New(2, nil)
	for round := 0; round < 3; round++ {
		for i := 0; i < successesToGrow; i++ {
			c.RecordSuccess()
		}
	}
	if got := c.Ceiling(); got != 2 {
		t.Fatalf("ceiling = %d, want capped at 2", got)
	}
}

func TestShrinkResetsSuccessStreak(t *testing.T) {
	c := New(10, nil)
	for i := 0; i < successesToGrow-1; i++ {
		c.RecordSuccess()
	}
	c.RecordFloodWait()
	// streak was reset; one more success should not trigger growth yet
	_, changed := c.RecordSuccess()
	if changed {
		t.Fatal("growth triggered despite streak reset by shrink")
	}
}

func TestSetMaxClampsCeilingDown(t *testing.T) {
	c := New(10, nil)
	ceil, changed := c.SetMax(3)
	if !changed || ceil != 3 {
		t.Fatalf("got (%d,%v), want (3,true)", ceil, changed)
	}
	// raising max alone does not grow the ceiling
	ceil, changed = c.SetMax(8)
	if changed || ceil != 3 {
		t.Fatalf("got (%d,%v), want (3,false) — raising max must not itself grow", ceil, changed)
	}
}

func TestOnCeilingChangedCallback(t *testing.T) {
	var seen []int
	c := New(8, func(n int) { seen = append(seen, n) })
	c.RecordFloodWait()
	c.RecordFloodWait()
	if len(seen) != 2 || seen[0] != 6 || seen[1] != 4 {
		t.Fatalf("seen = %v, want [6 4]", seen)
	}
}
