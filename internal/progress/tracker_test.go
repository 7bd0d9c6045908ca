package progress

import (
	"errors"
	"testing"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/fruitsalade/changefeed/pkg/protocol"
)

func recv(t *testing.T, ch <-chan protocol.ProgressEvent) protocol.ProgressEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for progress event")
	}
	return protocol.ProgressEvent{}
}

func TestGetUnknownProjectIsIdle(t *testing.T) {
	tr := NewTracker(nil)
	ev := tr.Get("nope")
	if ev.Step != protocol.StepIdle || ev.Progress != 0 || ev.TotalSteps != 6 {
		t.Fatalf("Get = %+v", ev)
	}
}

func TestStepPercentages(t *testing.T) {
	tr := NewTracker(nil)
	tr.Start("P")
	ch, cancel := tr.Subscribe("P")
	defer cancel()

	steps := []struct {
		name string
		n    int
		pct  int
	}{
		{protocol.StepBrowsing, 2, 20},
		{protocol.StepCompressing, 3, 50},
		{protocol.StepUploading, 4, 75},
		{"finalizing", 5, 95},
	}
	for _, s := range steps {
		tr.Update("P", s.name, s.n, 10, 2048, "")
		ev := recv(t, ch)
		if ev.Progress != s.pct || ev.Step != s.name {
			t.Errorf("step %d: %+v, want progress %d", s.n, ev, s.pct)
		}
	}

	if got := tr.Get("P"); got.Step != "finalizing" || got.FileCount != 10 {
		t.Errorf("Get = %+v", got)
	}

	tr.Complete("P", "https://s3/snap.tar.gz")
	done := recv(t, ch)
	if !done.Terminal() || done.Progress != 100 || done.SnapshotURL == "" || done.StepNumber != 6 {
		t.Errorf("complete = %+v", done)
	}
	if done.FileCount != 10 {
		t.Errorf("complete should keep the last file count, got %d", done.FileCount)
	}
}

func TestUpdateIgnoresUntracked(t *testing.T) {
	tr := NewTracker(nil)
	ch, cancel := tr.Subscribe("P")
	defer cancel()

	tr.Update("P", protocol.StepBrowsing, 2, 0, 0, "")
	tr.Complete("P", "x")
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
	if tr.Get("P").Step != protocol.StepIdle {
		t.Error("untracked project should stay idle")
	}
}

func TestFail(t *testing.T) {
	tr := NewTracker(nil)
	tr.Start("P")
	tr.Fail("P", "disk full")
	ev := tr.Get("P")
	if ev.Step != protocol.StepFailed || ev.Error != "disk full" || !ev.Terminal() {
		t.Fatalf("Get after Fail = %+v", ev)
	}
}

func TestReport(t *testing.T) {
	tr := NewTracker(nil)

	if err := tr.Report("P", protocol.ProgressReport{Step: protocol.StepCompressing, FileCount: 3}, ""); err != nil {
		t.Fatal(err)
	}
	if ev := tr.Get("P"); ev.StepNumber != 3 || ev.Progress != 50 {
		t.Errorf("after compressing = %+v", ev)
	}

	if err := tr.Report("P", protocol.ProgressReport{Step: "mystery"}, ""); !errors.Is(err, ErrUnknownStep) {
		t.Errorf("unknown step err = %v", err)
	}

	if err := tr.Report("P", protocol.ProgressReport{Step: protocol.StepCompleted}, "https://u"); err != nil {
		t.Fatal(err)
	}
	if ev := tr.Get("P"); ev.Step != protocol.StepCompleted || ev.SnapshotURL != "https://u" {
		t.Errorf("after completed = %+v", ev)
	}

	if err := tr.Report("Q", protocol.ProgressReport{Step: protocol.StepFailed, Message: "boom"}, ""); err != nil {
		t.Fatal(err)
	}
	if ev := tr.Get("Q"); ev.Error != "boom" {
		t.Errorf("failed = %+v", ev)
	}
}

func TestUnsubscribeAndCleanup(t *testing.T) {
	tr := NewTracker(nil)
	tr.Start("P")
	ch1, cancel1 := tr.Subscribe("P")
	ch2, _ := tr.Subscribe("P")
	if tr.Subscribers("P") != 2 {
		t.Fatalf("subscribers = %d", tr.Subscribers("P"))
	}

	cancel1()
	cancel1()
	if _, ok := <-ch1; ok {
		t.Error("ch1 should be closed")
	}

	tr.Cleanup("P")
	if _, ok := <-ch2; ok {
		t.Error("ch2 should be closed by Cleanup")
	}
	if tr.Tracking("P") {
		t.Error("project should be forgotten")
	}
}

func TestExpire(t *testing.T) {
	clock := clockz.NewFakeClock()
	tr := NewTracker(clock)
	tr.Start("done")
	tr.Complete("done", "u")
	tr.Start("running")

	clock.Advance(10 * time.Minute)
	if n := tr.Expire(5 * time.Minute); n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	if tr.Tracking("done") || !tr.Tracking("running") {
		t.Error("only finished runs expire")
	}
}
