package codecio

import (
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"

	"github.com/FriedOUDON/IncomUdon/internal/aec"
	"github.com/FriedOUDON/IncomUdon/internal/agc"
	"github.com/FriedOUDON/IncomUdon/internal/noisegate"
	"github.com/FriedOUDON/IncomUdon/internal/vad"

	"github.com/gordonklaus/portaudio"
)

// MicFrame is one 20 ms frame of captured, DSP-processed PCM samples handed
// to the PTT scheduler for encoding.
type MicFrame struct {
	PCM   []int16
	Level float32 // pre-gate RMS, for a UI level meter
}

// Device owns the microphone capture stream and the speaker playback
// stream. It runs the same capture DSP chain the teacher's AudioEngine ran
// (AEC → noise gate → AGC → VAD gating) but emits a single PCM stream rather
// than encoding to Opus itself — encoding is the PTT scheduler's job so it
// can choose PCM/CODEC2/OPUS per the negotiated transport.
type Device struct {
	mu             sync.Mutex
	inputDeviceID  int
	outputDeviceID int

	captureStream *portaudio.Stream
	playbackStream *portaudio.Stream

	aecProc    *aec.AEC
	aecEnabled atomic.Bool
	agcProc    *agc.AGC
	agcEnabled atomic.Bool
	vadProc    *vad.VAD
	gateProc   *noisegate.Gate

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// MicOut delivers captured, gated frames to the PTT scheduler.
	MicOut chan MicFrame

	inputLevel atomic.Uint32
}

const micChannelBuf = 8

// NewDevice returns a Device with default (system-default) input/output
// devices. AEC and AGC start disabled until SetAEC/SetAGC enable them; the
// noise gate and VAD start enabled, as their packages default.
func NewDevice() *Device {
	return &Device{
		inputDeviceID:  -1,
		outputDeviceID: -1,
		aecProc:        aec.New(FrameSamples),
		agcProc:        agc.New(),
		vadProc:        vad.New(),
		gateProc:       noisegate.New(),
		MicOut:         make(chan MicFrame, micChannelBuf),
		stopCh:         make(chan struct{}),
	}
}

func (d *Device) SetInputDevice(id int)  { d.mu.Lock(); d.inputDeviceID = id; d.mu.Unlock() }
func (d *Device) SetOutputDevice(id int) { d.mu.Lock(); d.outputDeviceID = id; d.mu.Unlock() }

func (d *Device) SetAEC(enabled bool)  { d.aecProc.SetEnabled(enabled); d.aecEnabled.Store(enabled) }
func (d *Device) SetAGC(enabled bool) {
	if enabled {
		d.agcProc.Reset()
	}
	d.agcEnabled.Store(enabled)
}
func (d *Device) SetAGCLevel(level int)        { d.agcProc.SetTarget(level) }
func (d *Device) SetVAD(enabled bool)          { d.vadProc.SetEnabled(enabled) }
func (d *Device) SetVADThreshold(level int)    { d.vadProc.SetThreshold(level) }
func (d *Device) SetNoiseGate(enabled bool)    { d.gateProc.SetEnabled(enabled) }
func (d *Device) SetNoiseGateThreshold(l int)  { d.gateProc.SetThreshold(l) }

// InputLevel returns the most recent pre-gate RMS mic input level (0.0-1.0).
func (d *Device) InputLevel() float32 { return math.Float32frombits(d.inputLevel.Load()) }

func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// Start opens and starts the capture and playback streams.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running.Load() {
		return nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("list audio devices: %w", err)
	}

	inputDev, err := resolveDevice(devices, d.inputDeviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return fmt.Errorf("resolve input device: %w", err)
	}
	outputDev, err := resolveDevice(devices, d.outputDeviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return fmt.Errorf("resolve output device: %w", err)
	}

	captureBuf := make([]float32, FrameSamples)
	captureStream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDev,
			Channels: 1,
			Latency:  inputDev.DefaultLowInputLatency,
		},
		SampleRate:      SampleRate,
		FramesPerBuffer: FrameSamples,
	}, captureBuf)
	if err != nil {
		return fmt.Errorf("open capture stream: %w", err)
	}

	playbackBuf := make([]float32, FrameSamples)
	playbackStream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: 1,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      SampleRate,
		FramesPerBuffer: FrameSamples,
	}, playbackBuf)
	if err != nil {
		captureStream.Close()
		return fmt.Errorf("open playback stream: %w", err)
	}

	if err := captureStream.Start(); err != nil {
		captureStream.Close()
		playbackStream.Close()
		return fmt.Errorf("start capture: %w", err)
	}
	if err := playbackStream.Start(); err != nil {
		captureStream.Stop()
		captureStream.Close()
		playbackStream.Close()
		return fmt.Errorf("start playback: %w", err)
	}

	d.captureStream = captureStream
	d.playbackStream = playbackStream
	d.stopCh = make(chan struct{})
	d.running.Store(true)

	d.wg.Add(2)
	go func() { defer d.wg.Done(); d.captureLoop(captureBuf) }()
	go func() { defer d.wg.Done(); d.playbackLoop(playbackBuf) }()

	log.Printf("[codecio] started capture=%s playback=%s", inputDev.Name, outputDev.Name)
	return nil
}

// Stop halts capture and playback. Stream.Stop unblocks any in-flight
// Read/Write calls before Close frees the native stream, avoiding a
// use-after-free in the portaudio C binding.
func (d *Device) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	close(d.stopCh)

	d.mu.Lock()
	if d.captureStream != nil {
		d.captureStream.Stop()
	}
	if d.playbackStream != nil {
		d.playbackStream.Stop()
	}
	d.mu.Unlock()

	d.wg.Wait()

	d.mu.Lock()
	if d.captureStream != nil {
		d.captureStream.Close()
		d.captureStream = nil
	}
	if d.playbackStream != nil {
		d.playbackStream.Close()
		d.playbackStream = nil
	}
	d.mu.Unlock()
}

func clampFloat32(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

func (d *Device) captureLoop(buf []float32) {
	pcm := make([]int16, FrameSamples)

	for d.running.Load() {
		if err := d.captureStream.Read(); err != nil {
			if d.running.Load() {
				log.Printf("[codecio] capture read: %v", err)
			}
			return
		}

		if d.aecEnabled.Load() {
			d.aecProc.Process(buf)
		}

		preGateRMS := d.gateProc.Process(buf)
		d.inputLevel.Store(math.Float32bits(preGateRMS))

		if d.agcEnabled.Load() {
			d.agcProc.Process(buf)
		}

		if !d.vadProc.ShouldSend(vad.RMS(buf)) {
			// PTT gating happens upstream (only mic sessions during a held
			// PTT key feed this loop its ticks worth caring about); VAD here
			// just avoids handing pure silence to the encoder.
			continue
		}

		for i, s := range buf {
			pcm[i] = int16(clampFloat32(s) * 32767)
		}

		out := make([]int16, FrameSamples)
		copy(out, pcm)

		select {
		case d.MicOut <- MicFrame{PCM: out, Level: preGateRMS}:
		default:
		}
	}
}

// Playback has no push channel: playbackLoop pulls each frame from the
// function installed with SetPlayoutSource.
var _ = struct{}{}

func (d *Device) playbackLoop(buf []float32) {
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		frame := d.NextPlayoutFrame()
		if frame == nil {
			for i := range buf {
				buf[i] = 0
			}
		} else {
			for i := 0; i < len(buf) && i < len(frame); i++ {
				buf[i] = clampFloat32(float32(frame[i]) / 32768.0)
			}
		}

		d.aecProc.FeedFarEnd(buf)

		if err := d.playbackStream.Write(); err != nil {
			if d.running.Load() {
				log.Printf("[codecio] playback write: %v", err)
			}
			return
		}
	}
}

// PlayoutSource supplies one int16 PCM frame (FrameSamples long, or nil for
// silence) per playback tick. Installed with SetPlayoutSource.
var playoutSource func() []int16
var playoutSourceMu sync.Mutex

// SetPlayoutSource installs the function the playback loop pulls frames
// from. cmd/incomudon calls this once at startup with
// Coordinator.PlayoutFrame, which runs the channel engine's playout tick.
func (d *Device) SetPlayoutSource(fn func() []int16) {
	playoutSourceMu.Lock()
	playoutSource = fn
	playoutSourceMu.Unlock()
}

// NextPlayoutFrame pulls the next frame from the installed playout source.
func (d *Device) NextPlayoutFrame() []int16 {
	playoutSourceMu.Lock()
	fn := playoutSource
	playoutSourceMu.Unlock()
	if fn == nil {
		return nil
	}
	return fn()
}
