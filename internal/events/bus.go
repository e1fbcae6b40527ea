// Package events implements the typed, single-threaded notification bus
// that components use instead of capturing each other's pointers directly.
// It replaces the Qt signal/slot pattern the original core was built
// against with an explicit Go equivalent: handlers are registered by event
// name and invoked synchronously, in registration order, on whatever
// goroutine calls Emit — which by design is always the single owning
// event-loop goroutine (coordinator, channel, or ptt scheduler tick).
package events

import "sync"

// Name identifies an event kind. Using a small closed set of string
// constants (rather than distinct Go types per event) keeps the bus
// generic while still giving each event a stable, loggable name.
type Name string

const (
	LinkStatusChanged        Name = "linkStatus"
	ServerOnlineChanged      Name = "serverOnline"
	TalkerChanged            Name = "talkerChanged"
	TalkDenied               Name = "talkDenied"
	TalkReleaseDetected      Name = "talkReleasePacketDetected"
	TalkReleasePlayoutDone   Name = "talkReleasePlayoutCompleted"
	TxLevelChanged           Name = "txLevel"
	RxLevelChanged           Name = "rxLevel"
	AudioFrameReceived       Name = "audioFrameReceived"
	Codec2LibraryLoaded      Name = "codec2LibraryLoaded"
	Codec2LibraryError       Name = "codec2LibraryError"
	OpusLibraryLoaded        Name = "opusLibraryLoaded"
	OpusLibraryError         Name = "opusLibraryError"
	ChannelConfigured        Name = "channelConfigured"
	ChannelError             Name = "channelError"
	BindFailed               Name = "bindFailed"
	ServerActivity           Name = "serverActivity"
	SessionKeyReady          Name = "sessionKeyReady"
	CodecConfigReceived      Name = "codecConfigReceived"
	TxStarted                Name = "txStarted"
	TxStopped                Name = "txStopped"
	SettingsChanged          Name = "settingsChanged"
)

// Handler receives an event's payload. The concrete type of payload is
// documented per Name at the call site that emits it; handlers type-assert.
type Handler func(payload any)

// Bus dispatches named events to registered handlers. Subscribe and Emit
// hold a mutex while touching the handler table, so they may be called
// from different goroutines; handlers run on the goroutine that calls Emit,
// with no further synchronization.
type Bus struct {
	mu       sync.Mutex
	handlers map[Name][]Handler
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[Name][]Handler)}
}

// Subscribe registers fn to be called whenever name is emitted.
func (b *Bus) Subscribe(name Name, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], fn)
}

// Emit synchronously invokes every handler registered for name, in
// registration order.
func (b *Bus) Emit(name Name, payload any) {
	b.mu.Lock()
	hs := append([]Handler(nil), b.handlers[name]...)
	b.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
}
