package trigger

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/agentgraph/runtime/internal/bus"
	"github.com/agentgraph/runtime/internal/graph"
)

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

func TestParseCron_Wildcard(t *testing.T) {
	sched, err := ParseCron("* * * * *")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sched.Matches(time.Date(2026, 3, 5, 13, 45, 0, 0, time.UTC)) {
		t.Error("expected wildcard schedule to match any time")
	}
}

func TestParseCron_SpecificMinuteAndHour(t *testing.T) {
	sched, err := ParseCron("30 9 * * *")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sched.Matches(time.Date(2026, 3, 5, 9, 30, 0, 0, time.UTC)) {
		t.Error("expected 9:30 to match")
	}
	if sched.Matches(time.Date(2026, 3, 5, 9, 31, 0, 0, time.UTC)) {
		t.Error("expected 9:31 not to match")
	}
}

func TestParseCron_StepAndRange(t *testing.T) {
	sched, err := ParseCron("*/15 9-17 * * 1-5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Wednesday 2026-03-04 at 10:15 falls in range.
	if !sched.Matches(time.Date(2026, 3, 4, 10, 15, 0, 0, time.UTC)) {
		t.Error("expected weekday business-hours quarter-hour to match")
	}
	// Saturday is excluded by the 1-5 day-of-week range.
	if sched.Matches(time.Date(2026, 3, 7, 10, 15, 0, 0, time.UTC)) {
		t.Error("expected Saturday not to match")
	}
}

func TestParseCron_RejectsWrongFieldCount(t *testing.T) {
	if _, err := ParseCron("* * *"); err == nil {
		t.Fatal("expected error for wrong field count")
	}
}

func TestParseCron_RejectsOutOfRangeValue(t *testing.T) {
	if _, err := ParseCron("99 * * * *"); err == nil {
		t.Fatal("expected error for out-of-range minute")
	}
}

func TestNewTimer_RejectsBothCronAndInterval(t *testing.T) {
	if _, err := NewTimer("* * * * *", 5); err == nil {
		t.Fatal("expected error when both cron and intervalMinutes are set")
	}
}

func TestNewTimer_RejectsEmptySchedule(t *testing.T) {
	timer, err := NewTimer("", 0)
	if err == nil {
		t.Fatal("expected error for empty schedule")
	}
	_ = timer
}

func TestWebhookServer_ValidSignatureDispatches(t *testing.T) {
	ws, err := NewWebhookServer("127.0.0.1:0", TailscaleOptions{})
	if err != nil {
		t.Fatalf("NewWebhookServer: %v", err)
	}
	defer ws.Shutdown(context.Background())

	received := make(chan []byte, 1)
	ws.Register("/hooks/test", "topsecret", func(_ string, body []byte) {
		received <- body
	})

	go ws.Serve()

	body := []byte(`{"hello":"world"}`)
	sig := SignForTest([]byte("topsecret"), body)

	addr := ws.listener.Addr().String()
	req, _ := http.NewRequest("POST", "http://"+addr+"/hooks/test", bytesReader(body))
	req.Header.Set("X-Signature-256", sig)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	select {
	case got := <-received:
		if string(got) != string(body) {
			t.Errorf("expected body %s, got %s", body, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook dispatch")
	}
}

func TestWebhookServer_InvalidSignatureRejected(t *testing.T) {
	ws, err := NewWebhookServer("127.0.0.1:0", TailscaleOptions{})
	if err != nil {
		t.Fatalf("NewWebhookServer: %v", err)
	}
	defer ws.Shutdown(context.Background())

	ws.Register("/hooks/test", "topsecret", func(_ string, _ []byte) {
		t.Fatal("handler should not run for a bad signature")
	})
	go ws.Serve()

	addr := ws.listener.Addr().String()
	req, _ := http.NewRequest("POST", "http://"+addr+"/hooks/test", bytesReader([]byte("payload")))
	req.Header.Set("X-Signature-256", "sha256=deadbeef")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestManager_EventTriggerFiresOnMatchingEvent(t *testing.T) {
	b := bus.New(nil)
	fired := make(chan Fire, 1)
	mgr := NewManager(b, nil, func(f Fire) { fired <- f })

	entryPoints := []graph.EntryPointSpec{
		{
			ID:          "ep1",
			TriggerType: graph.TriggerEvent,
			TriggerConfig: graph.TriggerConfig{
				EventTypes:      []string{string(bus.GoalProgress)},
				ExcludeOwnGraph: true,
			},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx, "graph-a", entryPoints); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop()

	b.Publish(bus.Event{Type: bus.GoalProgress, GraphID: "graph-b"})

	select {
	case f := <-fired:
		if f.EntryPointID != "ep1" {
			t.Errorf("expected ep1, got %s", f.EntryPointID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event trigger to fire")
	}
}

func TestManager_ManualTriggerTypeIsSkipped(t *testing.T) {
	mgr := NewManager(nil, nil, func(Fire) { t.Fatal("manual entry points must not auto-fire") })
	entryPoints := []graph.EntryPointSpec{{ID: "ep1", TriggerType: graph.TriggerManual}}
	if err := mgr.Start(context.Background(), "graph-a", entryPoints); err != nil {
		t.Fatalf("Start: %v", err)
	}
}
