package agent

import (
	"context"
	"testing"
	"time"

	"github.com/fisaks/devsim/internal/config"
	"github.com/fisaks/devsim/internal/devsim"
	"github.com/fisaks/devsim/internal/devsim/devsimtest"
	"github.com/fisaks/devsim/internal/state"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Device.CadenceMs = 20
	cfg.Device.Seed = 42
	cfg.Inbound.ReceiveTimeoutMs = 50
	return cfg
}

func newState(t *testing.T, cfg *config.Config) *state.DeviceState {
	t.Helper()
	st, err := state.New(cfg.Device.InitialReading, cfg.Device.Cadence(), cfg.Device.StartEnabled)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func runAgent(t *testing.T, a *Agent) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("agent did not stop after cancel")
		}
	}
}

func TestAgentEndToEnd(t *testing.T) {
	cfg := testConfig()
	st := newState(t, cfg)
	conn := devsimtest.NewConnector()

	a, err := New(cfg, st, conn, Observers{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	names := conn.HandlerNames()
	for _, want := range []string{"start", "stop", "set-reading", "temperature", "upload"} {
		found := false
		for _, n := range names {
			found = found || n == want
		}
		if !found {
			t.Errorf("handler %q not registered with connector", want)
		}
	}

	stop := runAgent(t, a)
	defer stop()

	devsimtest.WaitFor(t, 2*time.Second, func() bool { return len(conn.Sent()) >= 3 })

	if res, ok := conn.Invoke(context.Background(), "stop", nil); !ok || !res.OK() {
		t.Fatalf("stop = %+v, ok=%v", res, ok)
	}
	paused := len(conn.Sent())
	time.Sleep(100 * time.Millisecond)
	if n := len(conn.Sent()); n > paused+1 {
		t.Errorf("publishing continued after stop: %d -> %d", paused, n)
	}

	conn.PushDesired(devsim.DesiredConfig{"cadenceMillis": float64(30)})
	devsimtest.WaitFor(t, time.Second, func() bool { return st.CadenceMillis() == 30 })

	conn.Deliver(devsim.InboundMessage{ID: "m1", Payload: []byte(`{"hello":"device"}`)})
	devsimtest.WaitFor(t, time.Second, func() bool { return len(conn.Acks()) == 1 })

	if res, _ := conn.Invoke(context.Background(), "set-reading", []byte("40")); !res.OK() {
		t.Fatalf("set-reading = %+v", res)
	}
	conn.Invoke(context.Background(), "start", nil)
	devsimtest.WaitFor(t, time.Second, func() bool {
		sent := conn.Sent()
		return len(sent) > paused+1 && sent[len(sent)-1].TemperatureAlert
	})

	sent := conn.Sent()
	for i, rec := range sent {
		if rec.MessageID != uint64(i+1) {
			t.Fatalf("record %d has messageId %d, want %d", i, rec.MessageID, i+1)
		}
		if rec.DeviceID != cfg.Device.ID {
			t.Fatalf("deviceId = %q", rec.DeviceID)
		}
	}
}

func TestNew_InvalidSignRule(t *testing.T) {
	cfg := testConfig()
	cfg.Device.SignRule = "zigzag"
	if _, err := New(cfg, newState(t, cfg), devsimtest.NewConnector(), Observers{}); err == nil {
		t.Error("New() should reject an unknown sign rule")
	}
}

func TestNew_ConnectorAlreadyHasHandler(t *testing.T) {
	cfg := testConfig()
	conn := devsimtest.NewConnector()
	_ = conn.RegisterCommandHandler("stop", func(context.Context, devsim.CommandRequest) devsim.CommandResult {
		return devsim.Succeeded("")
	})
	if _, err := New(cfg, newState(t, cfg), conn, Observers{}); err == nil {
		t.Error("New() should fail when a command is already bound")
	}
}

type panickingObserver struct{}

func (panickingObserver) ObserveTelemetry(devsim.TelemetryRecord, error) { panic("observer bug") }

func TestRun_PanickingTaskStopsAlone(t *testing.T) {
	cfg := testConfig()
	st := newState(t, cfg)
	conn := devsimtest.NewConnector()

	a, err := New(cfg, st, conn, Observers{Telemetry: devsim.TelemetryObservers{panickingObserver{}}})
	if err != nil {
		t.Fatal(err)
	}
	stop := runAgent(t, a)
	defer stop()

	devsimtest.WaitFor(t, time.Second, func() bool { return len(conn.Sent()) == 1 })

	conn.PushDesired(devsim.DesiredConfig{"freq": float64(500)})
	devsimtest.WaitFor(t, time.Second, func() bool { return st.CadenceMillis() == 500 })

	conn.Deliver(devsim.InboundMessage{ID: "m1", Payload: []byte("plain text")})
	devsimtest.WaitFor(t, time.Second, func() bool { return len(conn.Acks()) == 1 })

	if n := len(conn.Sent()); n != 1 {
		t.Errorf("sent = %d after publisher panic, want 1", n)
	}
}

func TestNew_DesiredQueueIndependentOfInboundBuffer(t *testing.T) {
	for _, inboundBuf := range []int{1, 64, 1024} {
		cfg := testConfig()
		cfg.Inbound.BufferSize = inboundBuf
		a, err := New(cfg, newState(t, cfg), devsimtest.NewConnector(), Observers{})
		if err != nil {
			t.Fatal(err)
		}
		if got := a.syncer.QueueSize(); got != desiredQueueSize {
			t.Errorf("inbound buffer %d: desired queue = %d, want %d", inboundBuf, got, desiredQueueSize)
		}
	}
}
