package timing

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestStopwatchAccumulatesStages(t *testing.T) {
	sw := New()

	err := sw.Observe("fetch", nil, func() error {
		time.Sleep(2 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("Observe returned %v", err)
	}
	if err := sw.Observe("fetch", nil, func() error { return nil }); err != nil {
		t.Fatalf("Observe returned %v", err)
	}
	if err := sw.Observe("rank", nil, func() error { return nil }); err != nil {
		t.Fatalf("Observe returned %v", err)
	}

	if got, want := sw.Stages(), []string{"fetch", "rank"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Stages() = %v, want %v", got, want)
	}

	millis := sw.StageMillis()
	if len(millis) != 2 {
		t.Fatalf("StageMillis() has %d entries, want 2", len(millis))
	}
	if millis["fetch"] < 2 {
		t.Errorf("fetch stage recorded %dms, want at least 2ms", millis["fetch"])
	}
	if sw.TotalMillis() < millis["fetch"] {
		t.Errorf("TotalMillis() = %d, smaller than fetch stage %d", sw.TotalMillis(), millis["fetch"])
	}
}

func TestStopwatchPassesThroughError(t *testing.T) {
	sw := New()
	sentinel := errors.New("stage failed")

	if err := sw.Observe("fetch", nil, func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("Observe returned %v, want the stage error", err)
	}
	if _, ok := sw.StageMillis()["fetch"]; !ok {
		t.Error("failed stage was not recorded")
	}
}
