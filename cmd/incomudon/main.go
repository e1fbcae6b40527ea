// Command incomudon is the CLI entry point: it parses flags, loads the
// persisted settings bundle, wires the voice pipeline together, joins the
// configured channel, and runs until SIGINT/SIGTERM.
package main

import (
	"bufio"
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gordonklaus/portaudio"
	"github.com/spf13/pflag"

	"github.com/FriedOUDON/IncomUdon/internal/aead"
	"github.com/FriedOUDON/IncomUdon/internal/appstate"
	"github.com/FriedOUDON/IncomUdon/internal/codecio"
	"github.com/FriedOUDON/IncomUdon/internal/config"
	"github.com/FriedOUDON/IncomUdon/internal/coordinator"
	"github.com/FriedOUDON/IncomUdon/internal/events"
	"github.com/FriedOUDON/IncomUdon/internal/fec"
	"github.com/FriedOUDON/IncomUdon/internal/jitter"
	"github.com/FriedOUDON/IncomUdon/internal/kex"
	"github.com/FriedOUDON/IncomUdon/internal/netutil"
	"github.com/FriedOUDON/IncomUdon/internal/transport"
)

// tickInterval matches the 20ms frame period the codec/device layer runs at.
const tickInterval = 20 * time.Millisecond

func main() {
	channelID := pflag.Uint32P("channel", "c", 0, "Channel id to join.")
	server := pflag.StringP("server", "s", "", "Server address, host:port.")
	password := pflag.StringP("password", "p", "", "Channel password.")
	codec := pflag.String("codec", "", "Codec: PCM, CODEC2, or OPUS.")
	codec2Bitrate := pflag.Int("codec2-bitrate", 0, "CODEC2 bitrate in bits/sec.")
	opusBitrate := pflag.Int("opus-bitrate", 0, "Opus bitrate in bits/sec.")
	forcePcm := pflag.Bool("force-pcm", false, "Force PCM regardless of codec selection.")
	fecEnabled := pflag.Bool("fec", true, "Enable forward error correction.")
	qosEnabled := pflag.Bool("qos", true, "Mark outgoing datagrams DSCP EF.")
	micGain := pflag.Int("mic-gain", -1, "Mic gain, 0-100.")
	speakerGain := pflag.Int("speaker-gain", -1, "Speaker gain, 0-100.")
	noiseEnabled := pflag.Bool("noise-suppression", true, "Enable the AEC/AGC/VAD/noise-gate chain.")
	noiseLevel := pflag.Int("noise-level", -1, "Noise gate threshold, 0-100.")
	keepMicOn := pflag.Bool("keep-mic-on", false, "Keep the capture stream open between transmissions.")
	codec2LibPath := pflag.String("codec2-lib", "", "Path to a libcodec2 shared library.")
	mobile := pflag.Bool("mobile", false, "Use the wider mobile-network playout target.")
	help := pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		log.Printf("usage: incomudon [flags]")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		return
	}

	instanceID := uuid.New().String()
	log.Printf("[coordinator] starting instance %s", instanceID)

	bus := events.New()
	cfg := appstate.Load(config.Load(), bus)
	applyFlags(cfg, channelID, server, password, codec, codec2Bitrate, opusBitrate,
		forcePcm, fecEnabled, qosEnabled, micGain, speakerGain, noiseEnabled,
		noiseLevel, keepMicOn, codec2LibPath, mobile)

	bus.Subscribe(events.LinkStatusChanged, func(payload any) {
		log.Printf("[coordinator] link status changed: %v", payload)
	})
	bus.Subscribe(events.ChannelError, func(payload any) {
		log.Printf("[coordinator] channel error: %v", payload)
	})
	bus.Subscribe(events.TalkerChanged, func(payload any) {
		log.Printf("[coordinator] talker changed: %v", payload)
	})
	bus.Subscribe(events.BindFailed, func(payload any) {
		log.Printf("[coordinator] bind failed: %v", payload)
	})

	if err := portaudio.Initialize(); err != nil {
		log.Fatalf("[coordinator] portaudio init: %v", err)
	}
	defer portaudio.Terminate()

	device := codecio.NewDevice()
	device.SetInputDevice(cfg.InputDevice())
	device.SetOutputDevice(cfg.OutputDevice())
	device.SetAEC(cfg.NoiseEnabled())
	device.SetAGC(cfg.NoiseEnabled())
	device.SetAGCLevel(cfg.SpeakerGain())
	device.SetVAD(cfg.NoiseEnabled())
	device.SetNoiseGate(cfg.NoiseEnabled())
	device.SetNoiseGateThreshold(cfg.NoiseLevel())

	activeCodec, err := selectCodec(cfg, bus)
	if err != nil {
		log.Fatalf("[coordinator] codec init: %v", err)
	}

	sock, err := transport.Bind(":0", cfg.QoSEnabled())
	if err != nil {
		bus.Emit(events.BindFailed, err.Error())
		waitForShutdown()
		return
	}
	defer sock.Close()

	coord := coordinator.New(coordinator.Deps{
		Socket: sock,
		State:  cfg,
		Bus:    bus,
		Cipher: aead.New(aead.AesGcm),
		Exch:   kex.New(kex.AesGcm),
		Codec:  activeCodec,
		FecEnc: fec.NewEncoder(),
		FecDec: fec.NewDecoder(),
		Jitter: jitter.New(3),
		Mic:    device,
	})

	device.SetPlayoutSource(coord.PlayoutFrame)

	rxCh := make(chan transport.Datagram, 64)
	rxCtx, cancelRx := context.WithCancel(context.Background())
	defer cancelRx()
	go sock.Listen(rxCtx, func(d transport.Datagram) { rxCh <- d })

	if err := device.Start(); err != nil {
		log.Fatalf("[coordinator] audio device start: %v", err)
	}
	defer device.Stop()

	go pumpMicFrames(device, coord)

	if cfg.ChannelID() != 0 && cfg.ServerAddress() != "" {
		if err := coord.JoinChannel(time.Now()); err != nil {
			bus.Emit(events.ChannelError, err.Error())
		}
	} else {
		log.Printf("[coordinator] no channel configured; pass -c and -s to join one")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	pttCh := make(chan struct{}, 1)
	go pumpStdinPTT(pttCh)

	pttHeld := false
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			coord.Tick(now)
		case d := <-rxCh:
			coord.HandleDatagram(d.From, d.Data, time.Now())
		case <-pttCh:
			now := time.Now()
			if pttHeld {
				coord.ReleasePTT(now)
			} else {
				coord.PressPTT(now)
			}
			pttHeld = !pttHeld
		case <-sigCh:
			log.Printf("[coordinator] shutting down")
			coord.Leave()
			return
		}
	}
}

func applyFlags(cfg *appstate.State,
	channelID *uint32, server, password, codec *string,
	codec2Bitrate, opusBitrate *int, forcePcm, fecEnabled, qosEnabled *bool,
	micGain, speakerGain *int, noiseEnabled *bool, noiseLevel *int,
	keepMicOn *bool, codec2LibPath *string, mobile *bool,
) {
	if *channelID != 0 {
		host, port := cfg.ServerAddress(), cfg.ServerPort()
		if *server != "" {
			normalized, err := netutil.NormalizeServerAddr(*server)
			if err != nil {
				log.Fatalf("[coordinator] %v", err)
			}
			host, port, err = netutil.SplitHostPort(normalized)
			if err != nil {
				log.Fatalf("[coordinator] %v", err)
			}
		}
		cfg.SetChannel(*channelID, host, port, orDefault(*password, ""))
	}
	if *codec != "" {
		if err := cfg.SetCodec(appstate.Codec(*codec)); err != nil {
			log.Printf("[coordinator] %v", err)
		}
	}
	if *codec2Bitrate != 0 {
		cfg.SetCodec2Bitrate(*codec2Bitrate)
	}
	if *opusBitrate != 0 {
		cfg.SetOpusBitrate(*opusBitrate)
	}
	cfg.SetForcePcm(*forcePcm)
	cfg.SetFECEnabled(*fecEnabled)
	cfg.SetQoSEnabled(*qosEnabled)
	if *micGain >= 0 {
		cfg.SetMicGain(*micGain)
	}
	if *speakerGain >= 0 {
		cfg.SetSpeakerGain(*speakerGain)
	}
	cfg.SetNoiseEnabled(*noiseEnabled)
	if *noiseLevel >= 0 {
		cfg.SetNoiseLevel(*noiseLevel)
	}
	cfg.SetKeepMicAlwaysOn(*keepMicOn)
	if *codec2LibPath != "" {
		cfg.SetCodec2LibraryPath(*codec2LibPath)
	}
	cfg.SetMobile(*mobile)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// selectCodec builds the codecio.Codec matching the effective app-state
// selection, falling back to PCM per the codec-unavailable error taxonomy
// when CODEC2 is requested (cgo-only, never available in this build).
// Every success/failure branch is also surfaced on the bus so a UI-layer
// listener can show the same library-loading status the original reported.
func selectCodec(cfg *appstate.State, bus *events.Bus) (codecio.Codec, error) {
	switch cfg.Codec() {
	case appstate.CodecOpus:
		c, err := codecio.NewOpus()
		if err != nil {
			log.Printf("[coordinator] opus unavailable, falling back to PCM: %v", err)
			bus.Emit(events.OpusLibraryError, err.Error())
			return codecio.NewPCM(), nil
		}
		bus.Emit(events.OpusLibraryLoaded, nil)
		return c, nil
	case appstate.CodecCodec2:
		c, err := codecio.NewCodec2(cfg.Codec2LibraryPath())
		if err != nil {
			log.Printf("[coordinator] codec2 unavailable, falling back to PCM: %v", err)
			bus.Emit(events.Codec2LibraryError, err.Error())
			return codecio.NewPCM(), nil
		}
		bus.Emit(events.Codec2LibraryLoaded, nil)
		return c, nil
	default:
		return codecio.NewPCM(), nil
	}
}

// waitForShutdown blocks until SIGINT/SIGTERM, for the degraded-but-alive
// state after an unrecoverable startup failure (e.g. bind failure) that
// the BindFailed event already reported — the process stays up rather than
// exiting so a supervisor or attached UI sees the event, not a crash.
func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Printf("[coordinator] shutting down")
}

// pumpMicFrames relays captured microphone frames into the TX scheduler.
func pumpMicFrames(device *codecio.Device, coord *coordinator.Coordinator) {
	for frame := range device.MicOut {
		coord.PushMicFrame(frame.PCM, frame.Level)
	}
}

// pumpStdinPTT turns each Enter keypress on stdin into a PTT toggle, since
// a headless CLI has no hardware push-to-talk key to bind.
func pumpStdinPTT(pttCh chan<- struct{}) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case pttCh <- struct{}{}:
		default:
		}
	}
}
