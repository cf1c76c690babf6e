package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/kumomta/kumod/framework/hooks"
	"github.com/kumomta/kumod/internal/logging"
)

func TestStartStopOrderIsReversed(t *testing.T) {
	var order []string

	stage := func(name string) Stage {
		return Stage{
			Name:  name,
			Start: func(ctx context.Context) error { order = append(order, "start:"+name); return nil },
			Stop:  func() error { order = append(order, "stop:"+name); return nil },
		}
	}

	r := New(logging.Logger{Out: logging.NopOutput{}}, stage("spool"), stage("config"), stage("shaping"), stage("listeners"))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Shutdown()

	want := []string{
		"start:spool", "start:config", "start:shaping", "start:listeners",
		"stop:listeners", "stop:shaping", "stop:config", "stop:spool",
	}
	if len(order) != len(want) {
		t.Fatalf("unexpected event sequence: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("event %d: want %q, got %q (full: %v)", i, want[i], order[i], order)
		}
	}
}

func TestStartFailureStopsAlreadyStartedStagesOnly(t *testing.T) {
	var stopped []string

	ok := Stage{
		Name:  "spool",
		Start: func(ctx context.Context) error { return nil },
		Stop:  func() error { stopped = append(stopped, "spool"); return nil },
	}
	failing := Stage{
		Name:  "shaping",
		Start: func(ctx context.Context) error { return errors.New("boom") },
		Stop:  func() error { stopped = append(stopped, "shaping"); return nil },
	}
	neverReached := Stage{
		Name:  "listeners",
		Start: func(ctx context.Context) error { t.Fatalf("listeners stage should never start"); return nil },
	}

	r := New(logging.Logger{Out: logging.NopOutput{}}, ok, failing, neverReached)

	err := r.Start(context.Background())
	if err == nil {
		t.Fatalf("expected Start to fail")
	}
	if len(stopped) != 1 || stopped[0] != "spool" {
		t.Fatalf("expected only the already-started 'spool' stage to be stopped, got %v", stopped)
	}
}

func TestReloadIncrementsEpochAndFiresHooks(t *testing.T) {
	r := New(logging.Logger{Out: logging.NopOutput{}})
	if r.ConfigEpoch() != 0 {
		t.Fatalf("expected epoch 0 before any reload")
	}

	fired := 0
	hooks.AddHook(hooks.EventConfigEpoch, func() { fired++ })

	if epoch := r.Reload(); epoch != 1 {
		t.Fatalf("expected epoch 1 after first reload, got %d", epoch)
	}
	if epoch := r.Reload(); epoch != 2 {
		t.Fatalf("expected epoch 2 after second reload, got %d", epoch)
	}
	if fired != 2 {
		t.Fatalf("expected EventConfigEpoch to fire twice, got %d", fired)
	}
}
