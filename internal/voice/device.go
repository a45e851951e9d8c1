package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"crm-platform/internal/telephony"
	"crm-platform/pkg/logger"
)

var (
	ErrNoSession      = errors.New("voice: no authenticated session")
	ErrAdminRoute     = errors.New("voice: device disabled on admin routes")
	ErrDeviceNotReady = errors.New("voice: device not ready")
)

const userDataKey = "user"

// UserData is the identity a device is registered for.
type UserData struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
}

// Session exposes the host application's login state.
type Session interface {
	Authenticated() bool
	// Route is the path the user is currently on.
	Route() string
}

// UserResolver looks up the organization of the signed in user.
type UserResolver interface {
	CurrentUser(ctx context.Context) (UserData, error)
}

// DeviceEvents are fanned out to every subscriber of the manager.
type DeviceEvents struct {
	Registered   func()
	Unregistered func()
	Error        func(err error)
	Incoming     func(call telephony.Call)
}

type DeviceManagerOptions struct {
	// Inbound registers the device to receive calls.
	Inbound bool
	// UserDataTTL bounds how long the resolved identity is reused.
	UserDataTTL time.Duration
	Logger      *slog.Logger
}

// DeviceManager owns the single voice device of a session.
type DeviceManager struct {
	factory telephony.DeviceFactory
	tokens  *TokenProvider
	session Session
	users   UserResolver
	inbound bool
	log     *slog.Logger

	userData *cache.Cache

	mu           sync.Mutex
	device       telephony.Device
	ready        bool
	initializing bool
	active       telephony.Call
	subs         map[int]DeviceEvents
	nextSub      int
}

func NewDeviceManager(factory telephony.DeviceFactory, tokens *TokenProvider, session Session, users UserResolver, opts DeviceManagerOptions) *DeviceManager {
	if opts.UserDataTTL <= 0 {
		opts.UserDataTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &DeviceManager{
		factory:  factory,
		tokens:   tokens,
		session:  session,
		users:    users,
		inbound:  opts.Inbound,
		log:      opts.Logger,
		userData: cache.New(opts.UserDataTTL, 2*opts.UserDataTTL),
		subs:     map[int]DeviceEvents{},
	}
}

// Subscribe registers device event handlers and returns a func removing them.
func (m *DeviceManager) Subscribe(ev DeviceEvents) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ev
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Initialize creates and registers the device. It returns nil without doing
// anything when a device exists or another Initialize is in flight.
// Registration completes asynchronously through the Registered event.
func (m *DeviceManager) Initialize(ctx context.Context) error {
	if err := m.allowed(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.device != nil || m.initializing {
		m.mu.Unlock()
		return nil
	}
	m.initializing = true
	m.mu.Unlock()

	dev, err := m.create(ctx)
	if err != nil {
		m.mu.Lock()
		m.initializing = false
		m.mu.Unlock()
		m.log.Error("voice device initialization failed", "err", err)
		m.emit(func(ev DeviceEvents) {
			if ev.Error != nil {
				ev.Error(err)
			}
		})
		return err
	}
	return m.register(ctx, dev)
}

// allowed reports whether this session may run a device at all.
func (m *DeviceManager) allowed() error {
	if m.session == nil || !m.session.Authenticated() {
		return ErrNoSession
	}
	if isAdminRoute(m.session.Route()) {
		return ErrAdminRoute
	}
	return nil
}

func (m *DeviceManager) create(ctx context.Context) (telephony.Device, error) {
	if _, err := m.User(ctx); err != nil {
		return nil, fmt.Errorf("voice: resolve user: %w", err)
	}
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("voice: fetch token: %w", err)
	}

	var dev telephony.Device
	handlers := telephony.DeviceHandlers{
		OnRegistered:      func() { m.onRegistered(dev) },
		OnUnregistered:    func() { m.onUnregistered(dev) },
		OnError:           func(err error) { m.onError(dev, err) },
		OnTokenWillExpire: func() { m.onTokenWillExpire(dev) },
	}
	if m.inbound {
		handlers.OnIncoming = func(call telephony.Call) { m.onIncoming(dev, call) }
	}
	dev, err = m.factory.NewDevice(token, handlers)
	if err != nil {
		return nil, fmt.Errorf("voice: create device: %w", err)
	}
	return dev, nil
}

func (m *DeviceManager) register(ctx context.Context, dev telephony.Device) error {
	m.mu.Lock()
	m.device = dev
	m.initializing = false
	m.mu.Unlock()

	if err := dev.Register(ctx); err != nil {
		err = fmt.Errorf("voice: register device: %w", err)
		m.onError(dev, err)
		return err
	}
	return nil
}

// drop forgets dev and destroys it so the next Initialize builds a new
// device. It reports false when dev was already replaced.
func (m *DeviceManager) drop(dev telephony.Device) bool {
	m.mu.Lock()
	if !m.current(dev) {
		m.mu.Unlock()
		return false
	}
	m.device = nil
	m.ready = false
	m.mu.Unlock()
	dev.Destroy()
	return true
}

// User returns the identity resolved for this session, cached for the
// manager's user data TTL.
func (m *DeviceManager) User(ctx context.Context) (UserData, error) {
	if v, ok := m.userData.Get(userDataKey); ok {
		return v.(UserData), nil
	}
	if m.users == nil {
		return UserData{}, errors.New("voice: user resolver not configured")
	}
	u, err := m.users.CurrentUser(ctx)
	if err != nil {
		return UserData{}, err
	}
	if u.UserID == "" || u.OrganizationID == "" {
		return UserData{}, errors.New("voice: user has no organization")
	}
	m.userData.SetDefault(userDataKey, u)
	return u, nil
}

func (m *DeviceManager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device != nil && m.ready
}

// Connect places an outgoing call on the registered device.
func (m *DeviceManager) Connect(ctx context.Context, params map[string]string) (telephony.Call, error) {
	m.mu.Lock()
	dev := m.device
	ready := m.ready
	m.mu.Unlock()
	if dev == nil || !ready {
		return nil, ErrDeviceNotReady
	}

	call, err := dev.Connect(ctx, params)
	if err != nil {
		return nil, err
	}
	m.Track(call)
	return call, nil
}

// Track marks call as the device's active connection.
func (m *DeviceManager) Track(call telephony.Call) {
	m.mu.Lock()
	m.active = call
	m.mu.Unlock()
}

// Release clears call if it is still the active connection.
func (m *DeviceManager) Release(call telephony.Call) {
	m.mu.Lock()
	if m.active == call {
		m.active = nil
	}
	m.mu.Unlock()
}

// Destroy disconnects the active call, tears the device down and clears
// every cache. Safe to call more than once.
func (m *DeviceManager) Destroy() {
	m.mu.Lock()
	dev := m.device
	call := m.active
	m.device = nil
	m.active = nil
	m.ready = false
	m.initializing = false
	m.mu.Unlock()

	if call != nil {
		if err := call.Disconnect(); err != nil {
			m.log.Warn("disconnect on destroy failed", "err", err)
		}
	}
	if dev != nil {
		dev.Destroy()
	}
	m.tokens.Invalidate()
	m.userData.Flush()
}

func (m *DeviceManager) current(dev telephony.Device) bool {
	return dev != nil && m.device == dev
}

func (m *DeviceManager) onRegistered(dev telephony.Device) {
	m.mu.Lock()
	if !m.current(dev) {
		m.mu.Unlock()
		return
	}
	m.ready = true
	m.mu.Unlock()

	m.log.Info("voice device registered")
	m.emit(func(ev DeviceEvents) {
		if ev.Registered != nil {
			ev.Registered()
		}
	})
}

func (m *DeviceManager) onUnregistered(dev telephony.Device) {
	m.mu.Lock()
	if !m.current(dev) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	// An unregistered device never receives calls again; start over.
	m.drop(dev)
	m.log.Warn("voice device unregistered")
	m.emit(func(ev DeviceEvents) {
		if ev.Unregistered != nil {
			ev.Unregistered()
		}
	})
}

func (m *DeviceManager) onError(dev telephony.Device, err error) {
	m.mu.Lock()
	if !m.current(dev) {
		m.mu.Unlock()
		return
	}
	registered := m.ready
	m.mu.Unlock()

	// Registration failed, synchronously or later: drop the device so a
	// retried call initializes again.
	if !registered {
		m.drop(dev)
	}
	m.log.Error("voice device error", "err", err, "registered", registered)
	m.emit(func(ev DeviceEvents) {
		if ev.Error != nil {
			ev.Error(err)
		}
	})
}

func (m *DeviceManager) onTokenWillExpire(dev telephony.Device) {
	m.mu.Lock()
	if !m.current(dev) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.tokens.Invalidate()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	token, err := m.tokens.Token(ctx)
	if err != nil {
		m.log.Error("voice token refresh failed", "err", err)
		return
	}
	if err := dev.UpdateToken(token); err != nil {
		m.log.Error("voice token update failed", "err", err)
	}
}

func (m *DeviceManager) onIncoming(dev telephony.Device, call telephony.Call) {
	m.mu.Lock()
	if !m.current(dev) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.emit(func(ev DeviceEvents) {
		if ev.Incoming != nil {
			ev.Incoming(call)
		}
	})
}

func (m *DeviceManager) emit(fn func(DeviceEvents)) {
	m.mu.Lock()
	subs := make([]DeviceEvents, 0, len(m.subs))
	for _, ev := range m.subs {
		subs = append(subs, ev)
	}
	m.mu.Unlock()
	for _, ev := range subs {
		fn(ev)
	}
}

func isAdminRoute(route string) bool {
	return route == "/admin" || strings.HasPrefix(route, "/admin/")
}
