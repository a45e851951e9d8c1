package voice

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDeviceManager_SkipsWithoutSession(t *testing.T) {
	creds := &fakeCreds{}
	factory := &fakeFactory{autoReg: true}
	m := NewDeviceManager(factory, NewTokenProvider(creds, nil), fakeSession{}, &staticUsers{}, DeviceManagerOptions{})

	if err := m.Initialize(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if creds.count() != 0 || factory.last() != nil {
		t.Fatalf("no token or device expected without a session")
	}
}

func TestDeviceManager_SkipsAdminRoute(t *testing.T) {
	creds := &fakeCreds{}
	m := NewDeviceManager(&fakeFactory{}, NewTokenProvider(creds, nil), fakeSession{authenticated: true, route: "/admin/users"}, &staticUsers{}, DeviceManagerOptions{})

	if err := m.Initialize(context.Background()); !errors.Is(err, ErrAdminRoute) {
		t.Fatalf("expected ErrAdminRoute, got %v", err)
	}
	if creds.count() != 0 {
		t.Fatalf("token must not be fetched on admin routes")
	}
	if isAdminRoute("/administrative") {
		t.Fatalf("prefix match must respect path segments")
	}
}

func TestDeviceManager_LatchDropsReentrantInitialize(t *testing.T) {
	h := newHarness(t)
	h.creds.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.devices.Initialize(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	if err := h.devices.Initialize(context.Background()); err != nil {
		t.Fatalf("reentrant initialize: %v", err)
	}
	close(h.creds.gate)
	if err := <-done; err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if len(h.factory.devices) != 1 || !h.devices.Ready() {
		t.Fatalf("expected one ready device, got %d", len(h.factory.devices))
	}

	// A device exists now, so this is a no-op too.
	_ = h.devices.Initialize(context.Background())
	if len(h.factory.devices) != 1 {
		t.Fatalf("second device created")
	}
}

func TestDeviceManager_TokenWillExpireRefreshes(t *testing.T) {
	h := newHarness(t)
	if err := h.devices.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	dev := h.factory.last()
	before := dev.currentToken()

	dev.h.OnTokenWillExpire()

	if got := dev.currentToken(); got == before || h.creds.count() != 2 {
		t.Fatalf("expected fresh token, got %q (was %q)", got, before)
	}
}

func TestDeviceManager_DestroyIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.devices.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	call, err := h.devices.Connect(ctx, map[string]string{"To": "+5511999990000"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	h.devices.Destroy()
	h.devices.Destroy()

	dev := h.factory.last()
	if dev.destroyed != 1 {
		t.Fatalf("expected device destroyed once, got %d", dev.destroyed)
	}
	if call.(*fakeCall).disconnected != 1 {
		t.Fatalf("expected active call disconnected")
	}
	if h.devices.Ready() {
		t.Fatalf("device still ready after destroy")
	}

	// Caches were cleared: a new init resolves the user and token again.
	if err := h.devices.Initialize(ctx); err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	if h.users.n != 2 || h.creds.count() != 2 {
		t.Fatalf("expected fresh user and token, got users=%d tokens=%d", h.users.n, h.creds.count())
	}
}

func TestDeviceManager_IgnoresEventsFromDestroyedDevice(t *testing.T) {
	h := newHarness(t)
	if err := h.devices.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	old := h.factory.last()
	h.devices.Destroy()

	old.h.OnRegistered()
	if h.devices.Ready() {
		t.Fatalf("stale registration made the manager ready")
	}
}
