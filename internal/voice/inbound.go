package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"crm-platform/internal/directory"
	"crm-platform/internal/phone"
	"crm-platform/internal/routing"
	"crm-platform/internal/telephony"
	"crm-platform/pkg/logger"
)

var ErrNoIncomingCall = errors.New("voice: no incoming call")

// RingDirectory is what the ringer reads to decide whether the user may
// receive calls and who is calling.
type RingDirectory interface {
	IsActiveMember(ctx context.Context, organizationID, userID string) (bool, error)
	ActivePhoneNumbers(ctx context.Context, organizationID string) ([]directory.PhoneNumber, error)
	FindContactByPhone(ctx context.Context, organizationID string, variants []string) (directory.Contact, bool, error)
}

// Ringing is the incoming call currently offered to the user.
type Ringing struct {
	Call        telephony.Call
	From        string
	ContactName string
	ContactID   string
}

type InboundRingerOptions struct {
	DefaultCountryCode string
	ContactCacheTTL    time.Duration
	Logger             *slog.Logger
}

// InboundRinger surfaces incoming calls for eligible users and hands
// answered calls to the Controller.
type InboundRinger struct {
	devices     *DeviceManager
	controller  *Controller
	dir         RingDirectory
	countryCode string
	contacts    *cache.Cache
	log         *slog.Logger

	mu        sync.Mutex
	ringing   *Ringing
	observers map[int]func(Ringing, bool)
	nextObs   int
}

func NewInboundRinger(devices *DeviceManager, controller *Controller, dir RingDirectory, opts InboundRingerOptions) *InboundRinger {
	if opts.DefaultCountryCode == "" {
		opts.DefaultCountryCode = "55"
	}
	if opts.ContactCacheTTL <= 0 {
		opts.ContactCacheTTL = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	r := &InboundRinger{
		devices:     devices,
		controller:  controller,
		dir:         dir,
		countryCode: opts.DefaultCountryCode,
		contacts:    cache.New(opts.ContactCacheTTL, 2*opts.ContactCacheTTL),
		log:         opts.Logger,
		observers:   map[int]func(Ringing, bool){},
	}
	devices.Subscribe(DeviceEvents{Incoming: r.onIncoming})
	return r
}

// Subscribe registers fn to be told when a call starts or stops ringing.
func (r *InboundRinger) Subscribe(fn func(ring Ringing, ok bool)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.observers, id)
	}
}

// Current returns the call ringing right now, if any.
func (r *InboundRinger) Current() (Ringing, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ringing == nil {
		return Ringing{}, false
	}
	return *r.ringing, true
}

// Eligible reports whether user should be offered incoming calls: the
// organization has an active voice number, the user is still an active
// member, and at least one number's ring strategy includes them.
func (r *InboundRinger) Eligible(ctx context.Context, user UserData) (bool, error) {
	numbers, err := r.dir.ActivePhoneNumbers(ctx, user.OrganizationID)
	if err != nil {
		return false, err
	}
	if len(numbers) == 0 {
		return false, nil
	}
	member, err := r.dir.IsActiveMember(ctx, user.OrganizationID, user.UserID)
	if err != nil || !member {
		return false, err
	}
	for _, n := range numbers {
		if routing.CanRing(n, user.UserID) {
			return true, nil
		}
	}
	return false, nil
}

// Initialize registers the inbound device, but only for a user who can be
// rung: no token is fetched and no device created otherwise. It reports
// whether the device was started.
func (r *InboundRinger) Initialize(ctx context.Context) (bool, error) {
	if err := r.devices.allowed(); err != nil {
		return false, err
	}
	user, err := r.devices.User(ctx)
	if err != nil {
		return false, err
	}
	ok, err := r.Eligible(ctx, user)
	if err != nil {
		return false, fmt.Errorf("voice: ring eligibility: %w", err)
	}
	if !ok {
		r.log.Info("inbound device not started, user not in ring set", "user_id", user.UserID)
		return false, nil
	}
	if err := r.devices.Initialize(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (r *InboundRinger) onIncoming(call telephony.Call) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	user, err := r.devices.User(ctx)
	if err != nil {
		r.log.Warn("incoming call without user", "err", err)
		return
	}
	ok, err := r.Eligible(ctx, user)
	if err != nil {
		r.log.Error("ring eligibility check failed", "err", err)
		return
	}
	if !ok {
		r.log.Debug("incoming call ignored, user not in ring set", "user_id", user.UserID)
		return
	}

	from := call.From()
	ring := Ringing{Call: call, From: from}
	if c, found := r.lookupContact(ctx, user.OrganizationID, from); found {
		ring.ContactName = c.Name
		ring.ContactID = c.ID
	}

	r.mu.Lock()
	if r.ringing != nil {
		r.mu.Unlock()
		// Only one incoming call is offered at a time.
		if err := call.Reject(); err != nil {
			r.log.Warn("reject of second incoming call failed", "err", err)
		}
		return
	}
	r.ringing = &ring
	notify := r.changedLocked()
	r.mu.Unlock()

	call.Bind(telephony.CallHandlers{
		OnCancel:     func() { r.clear(call) },
		OnDisconnect: func() { r.clear(call) },
		OnReject:     func() { r.clear(call) },
		OnError:      func(error) { r.clear(call) },
	})
	notify()
}

func (r *InboundRinger) lookupContact(ctx context.Context, organizationID, from string) (directory.Contact, bool) {
	key := organizationID + "|" + from
	if v, ok := r.contacts.Get(key); ok {
		c := v.(directory.Contact)
		return c, c.ID != ""
	}
	variants := phone.Variants(from, r.countryCode)
	if len(variants) == 0 {
		return directory.Contact{}, false
	}
	c, found, err := r.dir.FindContactByPhone(ctx, organizationID, variants)
	if err != nil {
		r.log.Warn("caller lookup failed", "err", err)
		return directory.Contact{}, false
	}
	if !found {
		c = directory.Contact{}
	}
	r.contacts.SetDefault(key, c)
	return c, found
}

// AnswerCall accepts the ringing call and makes it the active session.
func (r *InboundRinger) AnswerCall(ctx context.Context) error {
	ring, ok := r.take()
	if !ok {
		return ErrNoIncomingCall
	}
	return r.controller.AdoptIncoming(ctx, ring.Call, CallInfo{
		PhoneNumber: ring.From,
		ContactName: ring.ContactName,
		ContactID:   ring.ContactID,
	})
}

// RejectCall declines the ringing call.
func (r *InboundRinger) RejectCall() error {
	ring, ok := r.take()
	if !ok {
		return ErrNoIncomingCall
	}
	return ring.Call.Reject()
}

func (r *InboundRinger) take() (Ringing, bool) {
	r.mu.Lock()
	if r.ringing == nil {
		r.mu.Unlock()
		return Ringing{}, false
	}
	ring := *r.ringing
	r.ringing = nil
	notify := r.changedLocked()
	r.mu.Unlock()
	notify()
	return ring, true
}

func (r *InboundRinger) clear(call telephony.Call) {
	r.mu.Lock()
	if r.ringing == nil || r.ringing.Call != call {
		r.mu.Unlock()
		return
	}
	r.ringing = nil
	notify := r.changedLocked()
	r.mu.Unlock()
	notify()
}

func (r *InboundRinger) changedLocked() func() {
	var ring Ringing
	ok := r.ringing != nil
	if ok {
		ring = *r.ringing
	}
	obs := make([]func(Ringing, bool), 0, len(r.observers))
	for _, fn := range r.observers {
		obs = append(obs, fn)
	}
	return func() {
		for _, fn := range obs {
			fn(ring, ok)
		}
	}
}
