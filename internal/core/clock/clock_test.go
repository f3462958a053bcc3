package clock

import (
	"testing"
	"time"
)

func TestFake_AfterAdvancesAndRecords(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	got := <-f.After(2 * time.Second)
	if !got.Equal(start.Add(2 * time.Second)) {
		t.Fatalf("unexpected fire time %v", got)
	}
	<-f.After(3 * time.Second)
	f.Advance(time.Minute)

	if want := start.Add(65 * time.Second); !f.Now().Equal(want) {
		t.Errorf("expected now %v, got %v", want, f.Now())
	}
	delays := f.Delays()
	if len(delays) != 2 || delays[0] != 2*time.Second || delays[1] != 3*time.Second {
		t.Errorf("unexpected delays %v", delays)
	}
}
