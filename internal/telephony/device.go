package telephony

import "context"

// Device is the local registered endpoint that places and receives calls
// (a WebRTC voice SDK device). Implementations deliver events through the
// DeviceHandlers given to the factory; handlers may run on any goroutine.
type Device interface {
	// Register starts registration; OnRegistered or OnError follows.
	Register(ctx context.Context) error
	// Connect places an outgoing call. Params are forwarded to the voice
	// application (e.g. To, contact_id).
	Connect(ctx context.Context, params map[string]string) (Call, error)
	UpdateToken(token string) error
	Destroy()
}

// DeviceHandlers receives device level events.
type DeviceHandlers struct {
	OnRegistered      func()
	OnUnregistered    func()
	OnError           func(err error)
	OnTokenWillExpire func()
	// OnIncoming is only wired for devices registered to receive calls.
	OnIncoming func(call Call)
}

// DeviceFactory creates a device bound to an access token.
type DeviceFactory interface {
	NewDevice(token string, handlers DeviceHandlers) (Device, error)
}

// Call is one connection on a device.
type Call interface {
	// Bind replaces the event handlers for this call.
	Bind(handlers CallHandlers)
	Accept() error
	Reject() error
	Disconnect() error
	Mute(muted bool) error
	SendDigits(digits string) error
	// From is the remote party for incoming calls.
	From() string
}

// CallHandlers receives connection level events.
type CallHandlers struct {
	OnRinging    func()
	OnAccept     func()
	OnDisconnect func()
	OnCancel     func()
	OnReject     func()
	OnError      func(err error)
}
