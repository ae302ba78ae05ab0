package broadcast

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/lesleslie/mahavishnu/internal/eventbus"
	"github.com/lesleslie/mahavishnu/internal/types"
)

func dispatchNotice(t *testing.T, br *BusBridge, n *eventbus.Notice) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	bus := eventbus.New(log)
	bus.Register(br)
	if err := bus.Dispatch(context.Background(), n); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestBridgeRepublishesCompletion(t *testing.T) {
	sink := &fakeSink{running: true}
	b := New(Config{}, nil)
	b.Attach(sink)

	dispatchNotice(t, NewBusBridge(b), &eventbus.Notice{
		Event: &types.TaskEvent{
			TaskID: "t1",
			Type:   types.EventStatusChanged,
			Data:   map[string]interface{}{"new_status": string(types.StatusCompleted)},
		},
		Task: &types.Task{ID: "t1", Repository: "svc-auth"},
	})

	frames := sink.sent()
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if frames[0].Room != RoomGlobal || frames[0].Event != EventTaskCompleted {
		t.Errorf("frame room=%q event=%q", frames[0].Room, frames[0].Event)
	}
	if frames[0].Data["repository"] != "svc-auth" {
		t.Errorf("frame data = %+v", frames[0].Data)
	}
}

func TestBridgeIgnoresNonTerminalStatusChange(t *testing.T) {
	sink := &fakeSink{running: true}
	b := New(Config{}, nil)
	b.Attach(sink)

	dispatchNotice(t, NewBusBridge(b), &eventbus.Notice{
		Event: &types.TaskEvent{
			TaskID: "t1",
			Type:   types.EventStatusChanged,
			Data:   map[string]interface{}{"new_status": string(types.StatusInProgress)},
		},
	})

	if n := len(sink.sent()); n != 0 {
		t.Errorf("frames = %d for in_progress transition, want 0", n)
	}
}

func TestBridgeRepublishesAssignment(t *testing.T) {
	sink := &fakeSink{running: true}
	b := New(Config{}, nil)
	b.Attach(sink)

	dispatchNotice(t, NewBusBridge(b), &eventbus.Notice{
		Event: &types.TaskEvent{
			TaskID: "t2",
			Type:   types.EventAssigned,
			Data:   map[string]interface{}{"assignee": "worker-7"},
		},
		Task: &types.Task{ID: "t2", Repository: "svc-billing", Assignee: "worker-7"},
	})

	frames := sink.sent()
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if frames[0].Room != WorkerRoom("worker-7") || frames[0].Event != EventTaskAssigned {
		t.Errorf("frame room=%q event=%q", frames[0].Room, frames[0].Event)
	}
}
