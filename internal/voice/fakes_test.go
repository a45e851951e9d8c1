package voice

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"crm-platform/internal/calls"
	"crm-platform/internal/telephony"
)

// manualClock fires timers only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Time
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	sort.Slice(c.timers, func(i, j int) bool { return c.timers[i].at.Before(c.timers[j].at) })
	var due, rest []*manualTimer
	for _, t := range c.timers {
		if !t.at.After(c.now) {
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()

	for _, t := range due {
		if !t.stopped {
			t.fn()
		}
	}
}

type fakeCreds struct {
	mu    sync.Mutex
	n     int
	gate  chan struct{}
	err   error
	calls []string
}

func (f *fakeCreds) FetchToken(ctx context.Context) (string, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.n++
	tok := "token-" + string(rune('0'+f.n))
	f.calls = append(f.calls, tok)
	return tok, nil
}

func (f *fakeCreds) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type fakeSession struct {
	authenticated bool
	route         string
}

func (s fakeSession) Authenticated() bool { return s.authenticated }
func (s fakeSession) Route() string       { return s.route }

type staticUsers struct {
	user UserData
	n    int
}

func (u *staticUsers) CurrentUser(ctx context.Context) (UserData, error) {
	u.n++
	return u.user, nil
}

type fakeFactory struct {
	mu          sync.Mutex
	devices     []*fakeDevice
	autoReg     bool
	registerErr error
	onConnect   func(params map[string]string)
}

func (f *fakeFactory) NewDevice(token string, h telephony.DeviceHandlers) (telephony.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := &fakeDevice{token: token, h: h, factory: f}
	f.devices = append(f.devices, d)
	return d, nil
}

func (f *fakeFactory) last() *fakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.devices) == 0 {
		return nil
	}
	return f.devices[len(f.devices)-1]
}

type fakeDevice struct {
	mu        sync.Mutex
	factory   *fakeFactory
	token     string
	h         telephony.DeviceHandlers
	calls     []*fakeCall
	params    []map[string]string
	destroyed int
}

func (d *fakeDevice) Register(ctx context.Context) error {
	if d.factory.registerErr != nil {
		return d.factory.registerErr
	}
	if d.factory.autoReg {
		d.h.OnRegistered()
	}
	return nil
}

func (d *fakeDevice) Connect(ctx context.Context, params map[string]string) (telephony.Call, error) {
	if d.factory.onConnect != nil {
		d.factory.onConnect(params)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeCall{}
	d.calls = append(d.calls, c)
	d.params = append(d.params, params)
	return c, nil
}

func (d *fakeDevice) UpdateToken(token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.token = token
	return nil
}

func (d *fakeDevice) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed++
}

func (d *fakeDevice) currentToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

func (d *fakeDevice) call(i int) *fakeCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[i]
}

type fakeCall struct {
	mu           sync.Mutex
	h            telephony.CallHandlers
	from         string
	accepted     bool
	rejected     bool
	disconnected int
	muted        bool
	digits       string
}

func (c *fakeCall) Bind(h telephony.CallHandlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.h = h
}

func (c *fakeCall) handlers() telephony.CallHandlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h
}

func (c *fakeCall) Accept() error {
	c.mu.Lock()
	c.accepted = true
	c.mu.Unlock()
	return nil
}

func (c *fakeCall) Reject() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = true
	return nil
}

func (c *fakeCall) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected++
	return nil
}

func (c *fakeCall) Mute(m bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = m
	return nil
}

func (c *fakeCall) SendDigits(d string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.digits += d
	return nil
}

func (c *fakeCall) From() string { return c.from }

// fakeStore records writes in order. A non-nil gate holds Create.
type fakeStore struct {
	mu        sync.Mutex
	gate      chan struct{}
	createErr error
	records   map[string]calls.Record
	updates   map[string][]calls.StatusUpdate
	n         int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]calls.Record{}, updates: map[string][]calls.StatusUpdate{}}
}

func (s *fakeStore) Create(ctx context.Context, r calls.Record) (calls.Record, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return calls.Record{}, s.createErr
	}
	s.n++
	r.ID = "call-" + string(rune('0'+s.n))
	s.records[r.ID] = r
	return r, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, organizationID, id string, u calls.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return errors.New("unknown record")
	}
	s.updates[id] = append(s.updates[id], u)
	return nil
}

func (s *fakeStore) statuses(id string) []calls.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []calls.Status
	for _, u := range s.updates[id] {
		out = append(out, u.Status)
	}
	return out
}

func (s *fakeStore) last(id string) (calls.StatusUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	us := s.updates[id]
	if len(us) == 0 {
		return calls.StatusUpdate{}, false
	}
	return us[len(us)-1], true
}

func (s *fakeStore) record(id string) calls.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

type harness struct {
	clock   *manualClock
	creds   *fakeCreds
	factory *fakeFactory
	users   *staticUsers
	store   *fakeStore
	devices *DeviceManager
	ctrl    *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   newManualClock(),
		creds:   &fakeCreds{},
		factory: &fakeFactory{autoReg: true},
		users:   &staticUsers{user: UserData{UserID: "u1", OrganizationID: "o1"}},
		store:   newFakeStore(),
	}
	tokens := NewTokenProvider(h.creds, h.clock)
	h.devices = NewDeviceManager(h.factory, tokens, fakeSession{authenticated: true, route: "/pipeline"}, h.users, DeviceManagerOptions{Inbound: true})
	h.ctrl = NewController(h.devices, h.store, ControllerOptions{Clock: h.clock, TeardownTimeout: time.Second})
	return h
}
