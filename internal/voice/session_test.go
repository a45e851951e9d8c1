package voice

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"crm-platform/internal/calls"
)

func TestController_StartCallLatchesUntilDeviceReady(t *testing.T) {
	h := newHarness(t)
	h.factory.autoReg = false

	var mu sync.Mutex
	var states []State
	h.ctrl.Subscribe(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	h.ctrl.StartCall(context.Background(), CallInfo{PhoneNumber: "+5511988887777", ContactID: "c1"})
	if got := h.ctrl.Snapshot(); got.State != StateInitializing || got.Call == nil {
		t.Fatalf("expected initializing with pending call, got %+v", got)
	}

	dev := h.factory.last()
	dev.h.OnRegistered()

	if got := h.ctrl.Snapshot().State; got != StateConnecting {
		t.Fatalf("expected connecting after registration, got %s", got)
	}
	if p := dev.params[0]; p["To"] != "+5511988887777" || p["contact_id"] != "c1" {
		t.Fatalf("unexpected connect params %v", p)
	}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(states, []State{StateInitializing, StateConnecting}) {
		t.Fatalf("unexpected transitions %v", states)
	}
}

func TestController_OutboundCallLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ctrl.StartCall(ctx, CallInfo{PhoneNumber: "+5511988887777", OpportunityID: "op1"})
	call := h.factory.last().call(0)

	call.handlers().OnRinging()
	if s := h.ctrl.Snapshot().State; s != StateRinging {
		t.Fatalf("expected ringing, got %s", s)
	}
	call.handlers().OnAccept()
	if s := h.ctrl.Snapshot().State; s != StateConnected {
		t.Fatalf("expected connected, got %s", s)
	}

	h.clock.Advance(65*time.Second + 700*time.Millisecond)
	call.handlers().OnDisconnect()
	if s := h.ctrl.Snapshot().State; s != StateEnded {
		t.Fatalf("expected ended, got %s", s)
	}

	eventually(t, func() bool { return len(h.store.statuses("call-1")) == 3 })
	want := []calls.Status{calls.StatusRinging, calls.StatusInProgress, calls.StatusCompleted}
	if got := h.store.statuses("call-1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected status sequence %v", got)
	}
	final, _ := h.store.last("call-1")
	if final.DurationSeconds == nil || *final.DurationSeconds != 65 {
		t.Fatalf("expected duration 65, got %v", final.DurationSeconds)
	}
	rec := h.store.record("call-1")
	if rec.OrganizationID != "o1" || rec.UserID != "u1" || rec.Direction != calls.DirectionOutgoing || rec.OpportunityID != "op1" {
		t.Fatalf("unexpected record %+v", rec)
	}

	h.clock.Advance(1500 * time.Millisecond)
	snap := h.ctrl.Snapshot()
	if snap.State != StateIdle || snap.Call != nil || !snap.DeviceReady {
		t.Fatalf("expected idle with ready device, got %+v", snap)
	}
}

func TestController_RejectMarksBusy(t *testing.T) {
	h := newHarness(t)
	h.ctrl.StartCall(context.Background(), CallInfo{PhoneNumber: "+5511988887777"})
	call := h.factory.last().call(0)

	call.handlers().OnReject()

	snap := h.ctrl.Snapshot()
	if snap.State != StateFailed || snap.ErrorMessage == "" {
		t.Fatalf("expected failed, got %+v", snap)
	}
	eventually(t, func() bool {
		u, ok := h.store.last("call-1")
		return ok && u.Status == calls.StatusBusy
	})
}

func TestController_ErrorMessageKeptVerbatim(t *testing.T) {
	h := newHarness(t)
	h.ctrl.StartCall(context.Background(), CallInfo{PhoneNumber: "+5511988887777"})
	call := h.factory.last().call(0)

	call.handlers().OnError(errors.New("31005: connection error"))

	if snap := h.ctrl.Snapshot(); snap.ErrorMessage != "31005: connection error" {
		t.Fatalf("unexpected error message %q", snap.ErrorMessage)
	}
	eventually(t, func() bool {
		u, ok := h.store.last("call-1")
		return ok && u.Status == calls.StatusFailed
	})
}

func TestController_RegistrationErrorFails(t *testing.T) {
	h := newHarness(t)
	h.factory.registerErr = errors.New("registration refused")

	h.ctrl.StartCall(context.Background(), CallInfo{PhoneNumber: "+5511988887777"})

	snap := h.ctrl.Snapshot()
	if snap.State != StateFailed {
		t.Fatalf("expected failed, got %s", snap.State)
	}
	if snap.ErrorMessage != "voice: register device: registration refused" {
		t.Fatalf("unexpected message %q", snap.ErrorMessage)
	}
}

func TestController_QuickHangupStillWritesFinalStatus(t *testing.T) {
	h := newHarness(t)
	h.store.gate = make(chan struct{})

	h.ctrl.StartCall(context.Background(), CallInfo{PhoneNumber: "+5511988887777"})
	call := h.factory.last().call(0)

	h.ctrl.EndCall()
	if call.disconnected != 1 {
		t.Fatalf("expected disconnect to be sent")
	}
	if s := h.ctrl.Snapshot().State; s != StateEnded {
		t.Fatalf("expected optimistic ended, got %s", s)
	}
	call.handlers().OnDisconnect()

	// Creation completes only now; the final status must still land.
	close(h.store.gate)
	eventually(t, func() bool {
		u, ok := h.store.last("call-1")
		return ok && u.Status == calls.StatusCanceled
	})
}

func TestController_CreateFailureSkipsUpdates(t *testing.T) {
	h := newHarness(t)
	h.store.createErr = errors.New("db down")

	h.ctrl.StartCall(context.Background(), CallInfo{PhoneNumber: "+5511988887777"})
	call := h.factory.last().call(0)
	call.handlers().OnAccept()
	call.handlers().OnDisconnect()

	if s := h.ctrl.Snapshot().State; s != StateEnded {
		t.Fatalf("record failures must not affect the call, got %s", s)
	}
	time.Sleep(20 * time.Millisecond)
	if len(h.store.updates) != 0 {
		t.Fatalf("expected no updates without a record")
	}
}

func TestController_StartCallTearsDownPreviousFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ctrl.StartCall(ctx, CallInfo{PhoneNumber: "+5511900000001"})
	first := h.factory.last().call(0)
	first.handlers().OnAccept()

	var finalBeforeConnect calls.Status
	h.factory.onConnect = func(map[string]string) {
		if u, ok := h.store.last("call-1"); ok {
			finalBeforeConnect = u.Status
		}
	}
	h.ctrl.StartCall(ctx, CallInfo{PhoneNumber: "+5511900000002"})

	if first.disconnected != 1 {
		t.Fatalf("expected previous call disconnected")
	}
	if finalBeforeConnect != calls.StatusCompleted {
		t.Fatalf("previous record not finalized before new connect: %q", finalBeforeConnect)
	}

	// Late events from the old call are ignored.
	first.handlers().OnError(errors.New("late"))
	if s := h.ctrl.Snapshot(); s.State != StateConnecting || s.Call.PhoneNumber != "+5511900000002" {
		t.Fatalf("old call affected new session: %+v", s)
	}
}

func TestController_MuteAndDTMF(t *testing.T) {
	h := newHarness(t)
	h.ctrl.ToggleMute()
	h.ctrl.SendDTMF("1")
	if s := h.ctrl.Snapshot(); s.Muted || s.Digits != "" {
		t.Fatalf("expected no-ops without a call, got %+v", s)
	}

	h.ctrl.StartCall(context.Background(), CallInfo{PhoneNumber: "+5511988887777"})
	call := h.factory.last().call(0)

	h.ctrl.SendDTMF("9")
	if call.digits != "" {
		t.Fatalf("digits sent before connect")
	}

	call.handlers().OnAccept()
	h.ctrl.ToggleMute()
	h.ctrl.SendDTMF("1")
	h.ctrl.SendDTMF("#")

	s := h.ctrl.Snapshot()
	if !s.Muted || !call.muted {
		t.Fatalf("expected muted")
	}
	if s.Digits != "1#" || call.digits != "1#" {
		t.Fatalf("unexpected digits %q / %q", s.Digits, call.digits)
	}
}

func TestController_WarmUpSkipsSilently(t *testing.T) {
	h := newHarness(t)
	h.devices.session = fakeSession{authenticated: true, route: "/admin"}

	if err := h.ctrl.WarmUp(context.Background()); err != nil {
		t.Fatalf("warm up on admin route: %v", err)
	}
	if s := h.ctrl.Snapshot().State; s != StateIdle {
		t.Fatalf("expected idle, got %s", s)
	}
}

func TestController_WarmUpReady(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.WarmUp(context.Background()); err != nil {
		t.Fatalf("warm up: %v", err)
	}
	if s := h.ctrl.Snapshot(); s.State != StateReady || !s.DeviceReady {
		t.Fatalf("expected ready, got %+v", s)
	}
}

func TestController_DeviceStaysReadyAcrossCalls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var mu sync.Mutex
	initializing := 0
	h.ctrl.Subscribe(func(s Snapshot) {
		if s.State == StateInitializing {
			mu.Lock()
			initializing++
			mu.Unlock()
		}
	})

	for i := 0; i < 3; i++ {
		h.ctrl.StartCall(ctx, CallInfo{PhoneNumber: "+5511988887777"})
		call := h.factory.last().call(i)
		call.handlers().OnAccept()
		h.ctrl.EndCall()
		call.handlers().OnDisconnect()
		h.clock.Advance(1500 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if initializing != 1 || len(h.factory.devices) != 1 {
		t.Fatalf("expected a single registration, got %d initializing transitions and %d devices", initializing, len(h.factory.devices))
	}
}

func TestController_RetryAfterAsyncRegistrationError(t *testing.T) {
	h := newHarness(t)
	h.factory.autoReg = false
	ctx := context.Background()

	h.ctrl.StartCall(ctx, CallInfo{PhoneNumber: "+5511988887777"})
	first := h.factory.last()
	first.h.OnError(errors.New("31204: jwt invalid"))

	if s := h.ctrl.Snapshot(); s.State != StateFailed || s.ErrorMessage != "31204: jwt invalid" {
		t.Fatalf("expected failed registration, got %+v", s)
	}
	if first.destroyed != 1 {
		t.Fatalf("expected refused device destroyed, got %d", first.destroyed)
	}
	h.clock.Advance(1500 * time.Millisecond)

	h.factory.autoReg = true
	h.ctrl.StartCall(ctx, CallInfo{PhoneNumber: "+5511988887777"})
	if len(h.factory.devices) != 2 {
		t.Fatalf("expected a new device on retry, got %d", len(h.factory.devices))
	}
	if s := h.ctrl.Snapshot().State; s != StateConnecting {
		t.Fatalf("expected connecting on retry, got %s", s)
	}
}

func TestController_RetryAfterUnregister(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.ctrl.WarmUp(ctx); err != nil {
		t.Fatalf("warm up: %v", err)
	}
	first := h.factory.last()

	first.h.OnUnregistered()
	if h.devices.Ready() {
		t.Fatalf("device still ready after unregister")
	}
	if s := h.ctrl.Snapshot().State; s != StateIdle {
		t.Fatalf("expected idle after unregister, got %s", s)
	}

	h.ctrl.StartCall(ctx, CallInfo{PhoneNumber: "+5511988887777"})
	if len(h.factory.devices) != 2 || first.destroyed != 1 {
		t.Fatalf("expected replacement device, got %d devices (first destroyed %d)", len(h.factory.devices), first.destroyed)
	}
	if s := h.ctrl.Snapshot().State; s != StateConnecting {
		t.Fatalf("expected connecting, got %s", s)
	}
}

func TestController_StartCallWithoutSessionStaysIdle(t *testing.T) {
	h := newHarness(t)
	h.devices.session = fakeSession{}

	h.ctrl.StartCall(context.Background(), CallInfo{PhoneNumber: "+5511988887777"})

	s := h.ctrl.Snapshot()
	if s.State != StateIdle || s.ErrorMessage != "" || s.Call != nil {
		t.Fatalf("expected silent return to idle, got %+v", s)
	}
	if len(h.factory.devices) != 0 || len(h.store.records) != 0 {
		t.Fatalf("no device or record expected without a session")
	}
}
