package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"crm-platform/internal/calls"
	"crm-platform/internal/telephony"
	"crm-platform/pkg/logger"
)

type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateConnecting   State = "connecting"
	StateRinging      State = "ringing"
	StateConnected    State = "connected"
	StateEnded        State = "ended"
	StateFailed       State = "failed"
)

func (s State) terminal() bool { return s == StateEnded || s == StateFailed }

const (
	defaultResetDelay      = 1500 * time.Millisecond
	defaultTeardownTimeout = 5 * time.Second
	defaultRecordTimeout   = 10 * time.Second
)

var ErrCallRejected = errors.New("call rejected")

// CallInfo describes the party of the active call.
type CallInfo struct {
	PhoneNumber   string `json:"phone_number"`
	ContactName   string `json:"contact_name,omitempty"`
	ContactID     string `json:"contact_id,omitempty"`
	OpportunityID string `json:"opportunity_id,omitempty"`
}

// Snapshot is the observable state of a Controller.
type Snapshot struct {
	State        State
	Call         *CallInfo
	Direction    calls.Direction
	RecordID     string
	Muted        bool
	Digits       string
	ConnectedAt  time.Time
	ErrorMessage string
	DeviceReady  bool
}

// session is one call from connect to final status. gen identifies it in
// event callbacks so events of a replaced call are dropped.
type session struct {
	gen         uint64
	info        CallInfo
	direction   calls.Direction
	call        telephony.Call
	rec         *recorder
	connectedAt time.Time
	finalized   bool
	done        <-chan struct{}
}

type ControllerOptions struct {
	Clock           Clock
	ResetDelay      time.Duration
	TeardownTimeout time.Duration
	RecordTimeout   time.Duration
	Logger          *slog.Logger
}

// Controller runs the call state machine on top of a DeviceManager.
// Event handlers may arrive on any goroutine; state is guarded by mu and
// observers are notified outside of it.
type Controller struct {
	devices *DeviceManager
	records RecordStore
	clock   Clock
	log     *slog.Logger

	resetDelay      time.Duration
	teardownTimeout time.Duration
	recordTimeout   time.Duration

	mu         sync.Mutex
	state      State
	gen        uint64
	active     *session
	pending    *CallInfo
	muted      bool
	digits     string
	errMsg     string
	resetTimer Timer
	observers  map[int]func(Snapshot)
	nextObs    int
}

func NewController(devices *DeviceManager, records RecordStore, opts ControllerOptions) *Controller {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.ResetDelay <= 0 {
		opts.ResetDelay = defaultResetDelay
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = defaultTeardownTimeout
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = defaultRecordTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	c := &Controller{
		devices:         devices,
		records:         records,
		clock:           opts.Clock,
		log:             opts.Logger,
		resetDelay:      opts.ResetDelay,
		teardownTimeout: opts.TeardownTimeout,
		recordTimeout:   opts.RecordTimeout,
		state:           StateIdle,
		observers:       map[int]func(Snapshot){},
	}
	devices.Subscribe(DeviceEvents{
		Registered:   c.onDeviceReady,
		Unregistered: c.onDeviceLost,
		Error:        c.onDeviceError,
	})
	return c
}

// Subscribe registers fn to receive a Snapshot on every transition.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		State:        c.state,
		Muted:        c.muted,
		Digits:       c.digits,
		ErrorMessage: c.errMsg,
		DeviceReady:  c.devices.Ready(),
	}
	if c.active != nil {
		info := c.active.info
		s.Call = &info
		s.Direction = c.active.direction
		s.ConnectedAt = c.active.connectedAt
		if c.active.rec != nil {
			s.RecordID = c.active.rec.recordID()
		}
	} else if c.pending != nil {
		info := *c.pending
		s.Call = &info
		s.Direction = calls.DirectionOutgoing
	}
	return s
}

// setLocked moves to st and returns the notification to run after unlock.
func (c *Controller) setLocked(st State) func() {
	c.state = st
	snap := c.snapshotLocked()
	obs := make([]func(Snapshot), 0, len(c.observers))
	for _, fn := range c.observers {
		obs = append(obs, fn)
	}
	return func() {
		for _, fn := range obs {
			fn(snap)
		}
	}
}

// WarmUp initializes the device ahead of the first call. Missing sessions
// and admin routes are skipped silently.
func (c *Controller) WarmUp(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle && !c.devices.Ready() {
		notify := c.setLocked(StateInitializing)
		c.mu.Unlock()
		notify()
	} else {
		c.mu.Unlock()
	}

	err := c.devices.Initialize(ctx)
	if skipInit(err) {
		c.abortInit(err)
		return nil
	}
	return err
}

func skipInit(err error) bool {
	return errors.Is(err, ErrNoSession) || errors.Is(err, ErrAdminRoute)
}

// abortInit returns to idle when the device may not start in this
// session. It is logged only, never reported as a call failure.
func (c *Controller) abortInit(err error) {
	c.log.Info("voice device not started", "reason", err)
	c.mu.Lock()
	if c.state != StateInitializing {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	notify := c.setLocked(StateIdle)
	c.mu.Unlock()
	notify()
}

// StartCall places an outgoing call to info.PhoneNumber. Any existing call
// is torn down first and its record finalized before the new connect.
// Without a ready device the call is latched until registration completes.
func (c *Controller) StartCall(ctx context.Context, info CallInfo) {
	c.teardown(ctx)

	c.mu.Lock()
	c.clearLocked()
	if !c.devices.Ready() {
		c.pending = &info
		notify := c.setLocked(StateInitializing)
		c.mu.Unlock()
		notify()

		// Other initialization errors arrive through the device Error event.
		if err := c.devices.Initialize(ctx); skipInit(err) {
			c.abortInit(err)
		}
		return
	}
	c.mu.Unlock()
	c.connect(ctx, info)
}

func (c *Controller) connect(ctx context.Context, info CallInfo) {
	user, err := c.devices.User(ctx)
	if err != nil {
		c.log.Warn("call record identity unavailable", "err", err)
	}

	c.mu.Lock()
	c.gen++
	s := &session{gen: c.gen, info: info, direction: calls.DirectionOutgoing}
	s.rec = startRecorder(c.records, calls.Record{
		OrganizationID: user.OrganizationID,
		UserID:         user.UserID,
		ContactID:      info.ContactID,
		OpportunityID:  info.OpportunityID,
		Direction:      calls.DirectionOutgoing,
		Status:         calls.StatusInitiated,
		ToNumber:       info.PhoneNumber,
		StartedAt:      c.clock.Now().UTC(),
	}, c.recordTimeout, c.log)
	c.active = s
	notify := c.setLocked(StateConnecting)
	c.mu.Unlock()
	notify()

	params := map[string]string{"To": info.PhoneNumber}
	if info.ContactID != "" {
		params["contact_id"] = info.ContactID
	}
	if info.OpportunityID != "" {
		params["opportunity_id"] = info.OpportunityID
	}
	call, err := c.devices.Connect(ctx, params)
	if err != nil {
		c.fail(s.gen, err)
		return
	}

	c.mu.Lock()
	if c.active != s {
		c.mu.Unlock()
		// Superseded while connecting.
		c.devices.Release(call)
		_ = call.Disconnect()
		return
	}
	s.call = call
	hungUp := c.state.terminal()
	c.mu.Unlock()
	call.Bind(c.handlers(s.gen))
	if hungUp {
		// EndCall ran before the connection existed.
		_ = call.Disconnect()
	}
}

// AdoptIncoming makes an answered inbound call the active session.
func (c *Controller) AdoptIncoming(ctx context.Context, call telephony.Call, info CallInfo) error {
	c.teardown(ctx)

	user, err := c.devices.User(ctx)
	if err != nil {
		c.log.Warn("call record identity unavailable", "err", err)
	}

	c.mu.Lock()
	c.clearLocked()
	c.gen++
	now := c.clock.Now().UTC()
	s := &session{gen: c.gen, info: info, direction: calls.DirectionIncoming, call: call, connectedAt: now}
	s.rec = startRecorder(c.records, calls.Record{
		OrganizationID: user.OrganizationID,
		UserID:         user.UserID,
		ContactID:      info.ContactID,
		Direction:      calls.DirectionIncoming,
		Status:         calls.StatusInProgress,
		FromNumber:     info.PhoneNumber,
		StartedAt:      now,
	}, c.recordTimeout, c.log)
	c.active = s
	notify := c.setLocked(StateConnected)
	c.mu.Unlock()

	c.devices.Track(call)
	call.Bind(c.handlers(s.gen))
	notify()
	if err := call.Accept(); err != nil {
		c.fail(s.gen, err)
		return err
	}
	return nil
}

// EndCall hangs up. The state moves to ended right away; the record is
// finalized by the remote disconnect event, or by the reset if none comes.
func (c *Controller) EndCall() {
	c.mu.Lock()
	s := c.active
	if s == nil || c.state.terminal() {
		c.mu.Unlock()
		return
	}
	call := s.call
	notify := c.setLocked(StateEnded)
	c.scheduleResetLocked()
	c.mu.Unlock()
	notify()

	if call != nil {
		if err := call.Disconnect(); err != nil {
			c.log.Warn("disconnect failed", "err", err)
		}
	}
}

// ToggleMute flips the microphone of the active call.
func (c *Controller) ToggleMute() {
	c.mu.Lock()
	if c.active == nil || c.active.call == nil || c.state.terminal() {
		c.mu.Unlock()
		return
	}
	call := c.active.call
	c.muted = !c.muted
	muted := c.muted
	notify := c.setLocked(c.state)
	c.mu.Unlock()

	if err := call.Mute(muted); err != nil {
		c.log.Warn("mute failed", "err", err)
	}
	notify()
}

// SendDTMF forwards one digit while connected.
func (c *Controller) SendDTMF(digit string) {
	c.mu.Lock()
	if c.state != StateConnected || c.active == nil || c.active.call == nil {
		c.mu.Unlock()
		return
	}
	call := c.active.call
	c.digits += digit
	notify := c.setLocked(c.state)
	c.mu.Unlock()

	if err := call.SendDigits(digit); err != nil {
		c.log.Warn("send digits failed", "err", err)
	}
	notify()
}

// Destroy ends any call and tears the device down.
func (c *Controller) Destroy(ctx context.Context) {
	c.teardown(ctx)
	c.mu.Lock()
	c.clearLocked()
	notify := c.setLocked(StateIdle)
	c.mu.Unlock()
	c.devices.Destroy()
	notify()
}

// teardown finalizes the active session and waits for its record writes.
func (c *Controller) teardown(ctx context.Context) {
	c.mu.Lock()
	s := c.active
	c.active = nil
	c.pending = nil
	c.gen++
	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}
	var done <-chan struct{}
	if s != nil {
		done = c.finalizeLocked(s, c.endStatus(s))
	}
	c.mu.Unlock()

	if s == nil {
		return
	}
	if s.call != nil {
		c.devices.Release(s.call)
		if err := s.call.Disconnect(); err != nil {
			c.log.Warn("disconnect on teardown failed", "err", err)
		}
	}

	t := time.NewTimer(c.teardownTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-ctx.Done():
	case <-t.C:
		c.log.Warn("previous call record still writing", "record_id", s.rec.recordID())
	}
}

func (c *Controller) clearLocked() {
	c.muted = false
	c.digits = ""
	c.errMsg = ""
}

func (c *Controller) endStatus(s *session) calls.Status {
	if s.connectedAt.IsZero() {
		return calls.StatusCanceled
	}
	return calls.StatusCompleted
}

// finalizeLocked queues the final record status once per session.
func (c *Controller) finalizeLocked(s *session, st calls.Status) <-chan struct{} {
	if s.finalized {
		return s.done
	}
	s.finalized = true
	now := c.clock.Now().UTC()
	u := calls.StatusUpdate{Status: st, EndedAt: &now}
	if st == calls.StatusCompleted && !s.connectedAt.IsZero() {
		d := calls.DurationSeconds(s.connectedAt, now)
		u.DurationSeconds = &d
	}
	s.done = s.rec.finish(u)
	return s.done
}

func (c *Controller) scheduleResetLocked() {
	if c.resetTimer != nil {
		c.resetTimer.Stop()
	}
	gen := c.gen
	c.resetTimer = c.clock.AfterFunc(c.resetDelay, func() { c.reset(gen) })
}

func (c *Controller) reset(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || !c.state.terminal() {
		c.mu.Unlock()
		return
	}
	s := c.active
	if s != nil {
		c.finalizeLocked(s, c.endStatus(s))
		if s.call != nil {
			c.devices.Release(s.call)
		}
	}
	c.active = nil
	c.pending = nil
	c.resetTimer = nil
	c.gen++
	c.clearLocked()
	notify := c.setLocked(StateIdle)
	c.mu.Unlock()
	notify()
}

func (c *Controller) onDeviceReady() {
	c.mu.Lock()
	if c.state != StateInitializing {
		c.mu.Unlock()
		return
	}
	pending := c.pending
	c.pending = nil
	if pending == nil {
		notify := c.setLocked(StateReady)
		c.mu.Unlock()
		notify()
		return
	}
	c.mu.Unlock()
	c.connect(context.Background(), *pending)
}

// onDeviceLost leaves ready once the device is gone; the next call
// initializes a new one.
func (c *Controller) onDeviceLost() {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return
	}
	notify := c.setLocked(StateIdle)
	c.mu.Unlock()
	notify()
}

func (c *Controller) onDeviceError(err error) {
	c.mu.Lock()
	initializing := c.state == StateInitializing
	gen := c.gen
	c.mu.Unlock()
	if initializing {
		c.fail(gen, err)
	}
}

// fail moves the session of generation gen to failed. gen 0 means the
// current one.
func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != 0 && (c.gen != gen || c.state.terminal()) {
		c.mu.Unlock()
		return
	}
	if s := c.active; s != nil {
		st := calls.StatusFailed
		if errors.Is(err, ErrCallRejected) {
			st = calls.StatusBusy
		}
		c.finalizeLocked(s, st)
	}
	c.pending = nil
	c.errMsg = err.Error()
	notify := c.setLocked(StateFailed)
	c.scheduleResetLocked()
	c.mu.Unlock()
	notify()
}

func (c *Controller) handlers(gen uint64) telephony.CallHandlers {
	return telephony.CallHandlers{
		OnRinging:    func() { c.onRinging(gen) },
		OnAccept:     func() { c.onAccept(gen) },
		OnDisconnect: func() { c.onDisconnect(gen) },
		OnCancel:     func() { c.onCancel(gen) },
		OnReject:     func() { c.fail(gen, ErrCallRejected) },
		OnError:      func(err error) { c.fail(gen, err) },
	}
}

func (c *Controller) onRinging(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.active.rec.update(calls.StatusUpdate{Status: calls.StatusRinging})
	notify := c.setLocked(StateRinging)
	c.mu.Unlock()
	notify()
}

func (c *Controller) onAccept(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.active == nil || !c.active.connectedAt.IsZero() || c.state.terminal() {
		c.mu.Unlock()
		return
	}
	c.active.connectedAt = c.clock.Now().UTC()
	c.active.rec.update(calls.StatusUpdate{Status: calls.StatusInProgress})
	notify := c.setLocked(StateConnected)
	c.mu.Unlock()
	notify()
}

func (c *Controller) onDisconnect(gen uint64) {
	c.endedBy(gen, func(s *session) calls.Status { return c.endStatus(s) })
}

func (c *Controller) onCancel(gen uint64) {
	c.endedBy(gen, func(*session) calls.Status { return calls.StatusCanceled })
}

func (c *Controller) endedBy(gen uint64, status func(*session) calls.Status) {
	c.mu.Lock()
	if c.gen != gen || c.active == nil {
		c.mu.Unlock()
		return
	}
	s := c.active
	c.finalizeLocked(s, status(s))
	c.devices.Release(s.call)
	if c.state.terminal() {
		// EndCall already moved the state and scheduled the reset.
		c.mu.Unlock()
		return
	}
	notify := c.setLocked(StateEnded)
	c.scheduleResetLocked()
	c.mu.Unlock()
	notify()
}
