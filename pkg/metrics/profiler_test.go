package metrics

import (
	"testing"
	"time"
)

func TestOperationProfiler_EnableDisable(t *testing.T) {
	op := NewOperationProfiler(true)

	if !op.IsEnabled() {
		t.Error("expected profiler to be enabled")
	}

	op.Disable()
	if op.IsEnabled() {
		t.Error("expected profiler to be disabled")
	}

	op.Enable()
	if !op.IsEnabled() {
		t.Error("expected profiler to be enabled")
	}
}

func TestOperationProfiler_StartProfile(t *testing.T) {
	op := NewOperationProfiler(true)

	session := op.StartProfile()
	if session == nil {
		t.Error("expected non-nil profile session when enabled")
	}

	op.Disable()
	session = op.StartProfile()
	if session != nil {
		t.Error("expected nil profile session when disabled")
	}
}

func TestProfileSession_AddMetadata(t *testing.T) {
	op := NewOperationProfiler(true)
	session := op.StartProfile()

	session.AddMetadata("operation", "insert")
	session.AddMetadata("key", int64(42))

	result := session.Finish()

	if result.Metadata["operation"] != "insert" {
		t.Errorf("expected operation 'insert', got %v", result.Metadata["operation"])
	}
	if result.Metadata["key"] != int64(42) {
		t.Errorf("expected key 42, got %v", result.Metadata["key"])
	}
}

func TestProfileSession_StartEndStage(t *testing.T) {
	op := NewOperationProfiler(true)
	session := op.StartProfile()

	session.StartStage("descend")
	time.Sleep(10 * time.Millisecond)
	session.EndStage()

	session.StartStage("split_leaf")
	time.Sleep(20 * time.Millisecond)
	session.EndStage()

	result := session.Finish()

	if len(result.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(result.Stages))
	}
	if result.Stages[0].Name != "descend" || result.Stages[1].Name != "split_leaf" {
		t.Errorf("unexpected stage names: %q, %q", result.Stages[0].Name, result.Stages[1].Name)
	}
	if result.Stages[0].Duration < 10*time.Millisecond {
		t.Errorf("expected descend stage to take at least 10ms, took %v", result.Stages[0].Duration)
	}
	if result.Stages[1].Duration < 20*time.Millisecond {
		t.Errorf("expected split_leaf stage to take at least 20ms, took %v", result.Stages[1].Duration)
	}
}

func TestProfileSession_StartStageClosesPrevious(t *testing.T) {
	op := NewOperationProfiler(true)
	session := op.StartProfile()

	session.StartStage("first")
	time.Sleep(5 * time.Millisecond)
	session.StartStage("second") // should close "first" without an explicit EndStage

	result := session.Finish()

	if len(result.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(result.Stages))
	}
	if result.Stages[0].EndTime.IsZero() {
		t.Error("expected first stage to have been closed when second stage started")
	}
}

func TestProfileSession_AddStageDetail(t *testing.T) {
	op := NewOperationProfiler(true)
	session := op.StartProfile()

	session.StartStage("descend")
	session.AddStageDetail("pages_visited", 3)
	session.EndStage()

	result := session.Finish()
	if result.Stages[0].Details["pages_visited"] != 3 {
		t.Errorf("expected pages_visited detail 3, got %v", result.Stages[0].Details["pages_visited"])
	}
}

func TestProfileSession_RecordStage(t *testing.T) {
	op := NewOperationProfiler(true)
	session := op.StartProfile()

	session.RecordStage("fetch_page", 15*time.Millisecond, map[string]interface{}{"page_id": 7})

	result := session.Finish()
	if len(result.Stages) != 1 {
		t.Fatalf("expected 1 stage, got %d", len(result.Stages))
	}
	if result.Stages[0].Duration != 15*time.Millisecond {
		t.Errorf("expected duration 15ms, got %v", result.Stages[0].Duration)
	}
	if result.Stages[0].Details["page_id"] != 7 {
		t.Errorf("expected page_id detail 7, got %v", result.Stages[0].Details["page_id"])
	}
}

func TestProfileSession_NilSafe(t *testing.T) {
	op := NewOperationProfiler(false)
	session := op.StartProfile()
	if session != nil {
		t.Fatal("expected nil session when profiler disabled")
	}

	// All of these must be safe no-ops on a nil session.
	session.AddMetadata("k", "v")
	session.StartStage("x")
	session.AddStageDetail("k", "v")
	session.RecordStage("y", time.Millisecond, nil)
	session.EndStage()
	if result := session.Finish(); result != nil {
		t.Error("expected nil result from a nil session")
	}
}

func TestProfileResult_GetSlowStages(t *testing.T) {
	op := NewOperationProfiler(true)
	session := op.StartProfile()

	session.RecordStage("fast", 1*time.Millisecond, nil)
	session.RecordStage("slow", 50*time.Millisecond, nil)

	result := session.Finish()
	slow := result.GetSlowStages(10 * time.Millisecond)
	if len(slow) != 1 || slow[0].Name != "slow" {
		t.Fatalf("expected only the 'slow' stage, got %+v", slow)
	}
}

func TestProfileResult_GetStagePercentages(t *testing.T) {
	op := NewOperationProfiler(true)
	session := op.StartProfile()

	session.RecordStage("a", 25*time.Millisecond, nil)
	session.RecordStage("b", 75*time.Millisecond, nil)

	result := session.Finish()
	// Correct the total to exactly the sum of the two recorded stages so
	// the percentages land on round numbers regardless of Finish's own
	// wall-clock overhead.
	result.TotalDuration = 100 * time.Millisecond

	pct := result.GetStagePercentages()
	if pct["a"] != 25 {
		t.Errorf("expected stage a at 25%%, got %v", pct["a"])
	}
	if pct["b"] != 75 {
		t.Errorf("expected stage b at 75%%, got %v", pct["b"])
	}
}

func TestProfileResult_GetBottleneck(t *testing.T) {
	op := NewOperationProfiler(true)
	session := op.StartProfile()

	session.RecordStage("a", 5*time.Millisecond, nil)
	session.RecordStage("b", 40*time.Millisecond, nil)
	session.RecordStage("c", 15*time.Millisecond, nil)

	result := session.Finish()
	bottleneck := result.GetBottleneck()
	if bottleneck == nil || bottleneck.Name != "b" {
		t.Fatalf("expected bottleneck stage 'b', got %+v", bottleneck)
	}
}

func TestProfilerHelper_ProfileOperation(t *testing.T) {
	op := NewOperationProfiler(true)
	helper := NewProfilerHelper(op)

	result, err := helper.ProfileOperation("insert", func(session *ProfileSession) error {
		session.StartStage("descend")
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Metadata["operation"] != "insert" {
		t.Errorf("expected operation metadata 'insert', got %v", result.Metadata["operation"])
	}
	if len(result.Stages) != 1 {
		t.Fatalf("expected 1 stage, got %d", len(result.Stages))
	}
}

func TestProfilerHelper_ProfileOperation_PropagatesError(t *testing.T) {
	op := NewOperationProfiler(true)
	helper := NewProfilerHelper(op)

	sentinel := errProfilerTest{}
	_, err := helper.ProfileOperation("remove", func(session *ProfileSession) error {
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("expected sentinel error to propagate, got %v", err)
	}
}

type errProfilerTest struct{}

func (errProfilerTest) Error() string { return "profiler test error" }

func TestTimeStage(t *testing.T) {
	op := NewOperationProfiler(true)
	session := op.StartProfile()

	func() {
		defer TimeStage(session, "work")()
		time.Sleep(5 * time.Millisecond)
	}()

	result := session.Finish()
	if len(result.Stages) != 1 || result.Stages[0].Name != "work" {
		t.Fatalf("expected a single 'work' stage, got %+v", result.Stages)
	}
	if result.Stages[0].Duration < 5*time.Millisecond {
		t.Errorf("expected work stage to take at least 5ms, took %v", result.Stages[0].Duration)
	}
}
