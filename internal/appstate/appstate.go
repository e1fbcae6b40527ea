// Package appstate holds normalized, observable application settings and
// enforces the closed value sets the protocol requires: codec selection,
// codec2/opus bitrate ladders, and gain clamps. Every mutator notifies
// subscribers via internal/events so the coordinator and UI layer stay in
// sync without polling.
package appstate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/FriedOUDON/IncomUdon/internal/config"
	"github.com/FriedOUDON/IncomUdon/internal/events"
)

// Codec identifies the negotiated audio transport.
type Codec string

const (
	CodecPCM    Codec = "PCM"
	CodecCodec2 Codec = "CODEC2"
	CodecOpus   Codec = "OPUS"
)

// codec2Bitrates is the closed set of CODEC2 bitrate modes (bits/sec).
var codec2Bitrates = []int{450, 700, 1600, 2400, 3200}

// opusBitrates is the closed set of Opus bitrate modes (bits/sec).
var opusBitrates = []int{6000, 8000, 12000, 16000, 20000, 64000, 96000, 128000}

func contains(set []int, v int) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

func nearest(set []int, v int) int {
	best := set[0]
	bestDiff := abs(set[0] - v)
	for _, x := range set[1:] {
		if d := abs(x - v); d < bestDiff {
			best, bestDiff = x, d
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// State is the live, validated application settings. Zero value is not
// usable; use New or Load.
type State struct {
	bus *events.Bus

	channelID     uint32
	serverAddress string
	serverPort    uint16
	passwordHash  string
	senderID      uint32

	codec           Codec
	priorNonPcm     Codec
	codec2Bitrate   int
	opusBitrate     int
	forcePcm        bool
	codec2LibPath   string

	fecEnabled      bool
	qosEnabled      bool
	keepMicAlwaysOn bool
	mobile          bool

	inputDeviceID  int
	outputDeviceID int

	micGain      int
	speakerGain  int
	noiseEnabled bool
	noiseLevel   int
}

// New returns a State from defaults, with no channel configured.
func New(bus *events.Bus) *State {
	return Load(config.Default(), bus)
}

// Load builds a State from a persisted Config, re-validating every closed
// value set in case the file was hand-edited or predates a ladder change.
func Load(cfg config.Config, bus *events.Bus) *State {
	s := &State{
		bus:            bus,
		channelID:      cfg.ChannelID,
		serverAddress:  cfg.ServerAddress,
		serverPort:     cfg.ServerPort,
		passwordHash:   cfg.PasswordHash,
		senderID:       cfg.SenderID,
		codec2LibPath:  cfg.Codec2LibraryPath,
		fecEnabled:     cfg.FECEnabled,
		qosEnabled:     cfg.QoSEnabled,
		keepMicAlwaysOn: cfg.KeepMicAlwaysOn,
		mobile:         cfg.Mobile,
		inputDeviceID:  cfg.InputDeviceID,
		outputDeviceID: cfg.OutputDeviceID,
		noiseEnabled:   cfg.NoiseEnabled,
		priorNonPcm:    CodecOpus,
	}
	s.codec2Bitrate = nearestOrDefault(codec2Bitrates, cfg.Codec2Bitrate, 1600)
	s.opusBitrate = nearestOrDefault(opusBitrates, cfg.OpusBitrate, 16000)
	s.micGain = clamp(cfg.MicGain, 0, 100)
	s.speakerGain = clamp(cfg.SpeakerGain, 0, 100)
	s.noiseLevel = clamp(cfg.NoiseLevel, 0, 100)

	switch Codec(cfg.Codec) {
	case CodecCodec2, CodecOpus:
		s.codec = Codec(cfg.Codec)
		s.priorNonPcm = s.codec
	default:
		s.codec = CodecPCM
	}
	if cfg.ForcePcm {
		s.forcePcm = true
		s.codec = CodecPCM
	}
	return s
}

func nearestOrDefault(set []int, v, def int) int {
	if contains(set, v) {
		return v
	}
	if v == 0 {
		return def
	}
	return nearest(set, v)
}

// ToConfig snapshots the current state for persistence.
func (s *State) ToConfig() config.Config {
	return config.Config{
		ChannelID:       s.channelID,
		ServerAddress:   s.serverAddress,
		ServerPort:      s.serverPort,
		PasswordHash:    s.passwordHash,
		SenderID:        s.senderID,
		Codec:           string(s.codec),
		Codec2Bitrate:   s.codec2Bitrate,
		OpusBitrate:     s.opusBitrate,
		ForcePcm:        s.forcePcm,
		Codec2LibraryPath: s.codec2LibPath,
		FECEnabled:      s.fecEnabled,
		QoSEnabled:      s.qosEnabled,
		KeepMicAlwaysOn: s.keepMicAlwaysOn,
		Mobile:          s.mobile,
		InputDeviceID:   s.inputDeviceID,
		OutputDeviceID:  s.outputDeviceID,
		MicGain:         s.micGain,
		SpeakerGain:     s.speakerGain,
		NoiseEnabled:    s.noiseEnabled,
		NoiseLevel:      s.noiseLevel,
	}
}

// Save persists the current state to disk.
func (s *State) Save() error {
	return config.Save(s.ToConfig())
}

func (s *State) notify() {
	if s.bus != nil {
		s.bus.Emit(events.SettingsChanged, nil)
	}
}

// HashPassword returns the sha256-hex digest stored in place of a raw
// password, matching the wire's "password | sha256-hex" acceptance rule.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// SetChannel updates the channel identity and credentials.
func (s *State) SetChannel(channelID uint32, serverAddress string, serverPort uint16, password string) {
	s.channelID = channelID
	s.serverAddress = serverAddress
	s.serverPort = serverPort
	s.passwordHash = HashPassword(password)
	s.notify()
}

func (s *State) ChannelID() uint32        { return s.channelID }
func (s *State) ServerAddress() string    { return s.serverAddress }
func (s *State) ServerPort() uint16       { return s.serverPort }
func (s *State) PasswordHash() string     { return s.passwordHash }
func (s *State) SenderID() uint32         { return s.senderID }
func (s *State) SetSenderID(id uint32)    { s.senderID = id; s.notify() }

// Codec returns the effective codec selection (always PCM when ForcePcm).
func (s *State) Codec() Codec { return s.codec }

// SetCodec changes the codec selection unless ForcePcm overrides it, in
// which case the request is remembered as the "prior non-PCM selection"
// to restore once ForcePcm is cleared.
func (s *State) SetCodec(codec Codec) error {
	switch codec {
	case CodecPCM, CodecCodec2, CodecOpus:
	default:
		return fmt.Errorf("appstate: invalid codec %q", codec)
	}
	if codec != CodecPCM {
		s.priorNonPcm = codec
	}
	if s.forcePcm {
		s.codec = CodecPCM
	} else {
		s.codec = codec
	}
	s.notify()
	return nil
}

// SetForcePcm forces PCM selection when true; when cleared, restores the
// last-requested non-PCM codec.
func (s *State) SetForcePcm(force bool) {
	s.forcePcm = force
	if force {
		s.codec = CodecPCM
	} else {
		s.codec = s.priorNonPcm
	}
	s.notify()
}

func (s *State) ForcePcm() bool { return s.forcePcm }

// SetCodec2Bitrate snaps to the nearest value in the closed bitrate ladder.
func (s *State) SetCodec2Bitrate(bps int) {
	s.codec2Bitrate = nearest(codec2Bitrates, bps)
	s.notify()
}

func (s *State) Codec2Bitrate() int { return s.codec2Bitrate }

// SetOpusBitrate snaps to the nearest value in the closed bitrate ladder.
func (s *State) SetOpusBitrate(bps int) {
	s.opusBitrate = nearest(opusBitrates, bps)
	s.notify()
}

func (s *State) OpusBitrate() int { return s.opusBitrate }

func (s *State) SetCodec2LibraryPath(path string) { s.codec2LibPath = path; s.notify() }
func (s *State) Codec2LibraryPath() string        { return s.codec2LibPath }

func (s *State) SetFECEnabled(enabled bool) { s.fecEnabled = enabled; s.notify() }
func (s *State) FECEnabled() bool           { return s.fecEnabled }

func (s *State) SetQoSEnabled(enabled bool) { s.qosEnabled = enabled; s.notify() }
func (s *State) QoSEnabled() bool           { return s.qosEnabled }

func (s *State) SetKeepMicAlwaysOn(always bool) { s.keepMicAlwaysOn = always; s.notify() }
func (s *State) KeepMicAlwaysOn() bool          { return s.keepMicAlwaysOn }

func (s *State) SetMobile(mobile bool) { s.mobile = mobile; s.notify() }
func (s *State) Mobile() bool          { return s.mobile }

func (s *State) SetInputDevice(id int)  { s.inputDeviceID = id; s.notify() }
func (s *State) SetOutputDevice(id int) { s.outputDeviceID = id; s.notify() }
func (s *State) InputDevice() int       { return s.inputDeviceID }
func (s *State) OutputDevice() int      { return s.outputDeviceID }

// SetMicGain clamps to [0, 100].
func (s *State) SetMicGain(level int) { s.micGain = clamp(level, 0, 100); s.notify() }
func (s *State) MicGain() int         { return s.micGain }

// SetSpeakerGain clamps to [0, 100].
func (s *State) SetSpeakerGain(level int) { s.speakerGain = clamp(level, 0, 100); s.notify() }
func (s *State) SpeakerGain() int         { return s.speakerGain }

func (s *State) SetNoiseEnabled(enabled bool) { s.noiseEnabled = enabled; s.notify() }
func (s *State) NoiseEnabled() bool           { return s.noiseEnabled }

// SetNoiseLevel clamps to [0, 100].
func (s *State) SetNoiseLevel(level int) { s.noiseLevel = clamp(level, 0, 100); s.notify() }
func (s *State) NoiseLevel() int         { return s.noiseLevel }
