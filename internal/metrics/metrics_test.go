package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestObserveAndWriteTextfile(t *testing.T) {
	r := New()
	r.ObserveStep("scan-history", "GET", OutcomePassed, 120*time.Millisecond)
	r.ObserveStep("scan-history", "POST", OutcomeFailed, 2*time.Second)
	r.ObserveArtifact(1, false)

	families, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"reqreplay_steps_total", "reqreplay_step_duration_seconds", "reqreplay_artifacts_total"} {
		if !names[want] {
			t.Fatalf("missing metric family %s", want)
		}
	}

	path := filepath.Join(t.TempDir(), "reqreplay.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(data), `reqreplay_steps_total{artifact="scan-history",outcome="failed"} 1`) {
		t.Fatalf("unexpected textfile content:\n%s", data)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.ObserveStep("a", "GET", OutcomePassed, time.Second)
	r.ObserveArtifact(0, false)
	if err := r.WriteTextfile("/nonexistent/x.prom"); err != nil {
		t.Fatalf("nil recorder must not write: %v", err)
	}
}
