// Package fec implements the (2,k) forward error correction scheme used to
// recover up to two lost packets per block of audio frames: a P parity
// (plain XOR) and a Q parity (XOR weighted by alpha^index in GF(2^8)).
package fec

import "sort"

// ParityPacket is one of the two parity packets emitted when a block fills.
type ParityPacket struct {
	BlockStart  uint16
	BlockSize   uint8
	ParityIndex uint8 // 0 = P, 1 = Q
	Data        []byte
}

// DecodedFrame is an audio frame recovered (or passed through) by the decoder.
type DecodedFrame struct {
	Seq   uint16
	Frame []byte
}

// Encoder accumulates frames into blocks of BlockSize and emits a P/Q parity
// pair each time a block fills.
type Encoder struct {
	enabled    bool
	blockSize  int
	frameSize  int
	blockStart uint16
	inBlock    int
	parityP    []byte
	parityQ    []byte
}

// NewEncoder returns an Encoder with the default block size of 6, matching
// the decoder's default and the wire FecPayload framing.
func NewEncoder() *Encoder {
	gfInit()
	return &Encoder{blockSize: 6}
}

func (e *Encoder) SetEnabled(enabled bool) {
	if e.enabled == enabled {
		return
	}
	e.enabled = enabled
	e.Reset()
}

func (e *Encoder) Enabled() bool { return e.enabled }

func (e *Encoder) Reset() {
	e.frameSize = 0
	e.blockStart = 0
	e.inBlock = 0
	e.parityP = nil
	e.parityQ = nil
}

func (e *Encoder) SetBlockSize(blockSize int) {
	if blockSize <= 0 || e.blockSize == blockSize {
		return
	}
	e.blockSize = blockSize
	e.Reset()
}

func (e *Encoder) BlockSize() int { return e.blockSize }

func (e *Encoder) beginBlock(blockStart uint16, frameSize int) {
	e.blockStart = blockStart
	e.inBlock = 0
	e.frameSize = frameSize
	e.parityP = make([]byte, frameSize)
	e.parityQ = make([]byte, frameSize)
}

// AddFrame folds one audio frame into the current block's parity accumulators
// and, once the block fills, returns the P and Q parity packets for it (empty
// otherwise).
func (e *Encoder) AddFrame(audioSeq uint16, frame []byte) []ParityPacket {
	if !e.enabled || len(frame) == 0 || e.blockSize <= 0 {
		return nil
	}

	index := int(audioSeq) % e.blockSize
	blockStart := audioSeq - uint16(index)

	if e.inBlock == 0 || len(frame) != e.frameSize || blockStart != e.blockStart {
		e.beginBlock(blockStart, len(frame))
	}

	xorBytes(e.parityP, frame)
	xorMulBytes(e.parityQ, frame, gfPow2(index))

	e.inBlock++
	if e.inBlock < e.blockSize {
		return nil
	}

	out := []ParityPacket{
		{BlockStart: e.blockStart, BlockSize: uint8(e.blockSize), ParityIndex: 0, Data: e.parityP},
		{BlockStart: e.blockStart, BlockSize: uint8(e.blockSize), ParityIndex: 1, Data: e.parityQ},
	}

	e.inBlock = 0
	e.parityP = nil
	e.parityQ = nil
	return out
}

type block struct {
	start         uint16
	blockSize     int
	frameSize     int
	data          [][]byte
	present       []bool
	parity        [2][]byte
	parityPresent [2]bool
}

// Decoder reassembles blocks from data and parity packets, recovering up to
// two missing frames per block, and evicts the oldest block once more than
// 24 are outstanding.
type Decoder struct {
	enabled   bool
	blockSize int
	blocks    map[uint16]*block
}

// NewDecoder returns a Decoder with the default block size of 6.
func NewDecoder() *Decoder {
	gfInit()
	return &Decoder{blockSize: 6, blocks: make(map[uint16]*block)}
}

func (d *Decoder) SetEnabled(enabled bool) {
	if d.enabled == enabled {
		return
	}
	d.enabled = enabled
	d.Reset()
}

func (d *Decoder) Enabled() bool { return d.enabled }

func (d *Decoder) Reset() {
	d.blocks = make(map[uint16]*block)
}

func (d *Decoder) SetBlockSize(blockSize int) {
	if blockSize <= 0 || d.blockSize == blockSize {
		return
	}
	d.blockSize = blockSize
	d.Reset()
}

func (d *Decoder) BlockSize() int { return d.blockSize }

func (d *Decoder) ensureBlock(blockStart uint16, frameSize int) *block {
	if b, ok := d.blocks[blockStart]; ok {
		if b.frameSize != frameSize && frameSize > 0 {
			delete(d.blocks, blockStart)
		}
	}

	b, ok := d.blocks[blockStart]
	if !ok {
		b = &block{
			start:     blockStart,
			blockSize: d.blockSize,
			frameSize: frameSize,
			data:      make([][]byte, d.blockSize),
			present:   make([]bool, d.blockSize),
		}
		d.blocks[blockStart] = b
	}

	if frameSize > 0 && b.frameSize == 0 {
		b.frameSize = frameSize
	}
	return b
}

func canRecover(b *block) (missingCount int, missingIdx []int) {
	for i := 0; i < b.blockSize; i++ {
		if !b.present[i] {
			missingCount++
			missingIdx = append(missingIdx, i)
		}
	}
	return missingCount, missingIdx
}

func recoverable(b *block, missingCount int) bool {
	switch missingCount {
	case 0:
		return true
	case 1:
		return b.parityPresent[0] || b.parityPresent[1]
	case 2:
		return b.parityPresent[0] && b.parityPresent[1]
	default:
		return false
	}
}

func (d *Decoder) outputBlock(b *block, force bool) []DecodedFrame {
	if b.blockSize <= 0 {
		return nil
	}

	missingCount, missingIdx := canRecover(b)
	ok := recoverable(b, missingCount)
	if !ok && !force {
		return nil
	}
	if b.frameSize <= 0 || missingCount == 0 {
		return nil
	}

	missingBefore := missingIdx

	if (missingCount == 1 || missingCount == 2) && ok {
		sumP := make([]byte, b.frameSize)
		sumQ := make([]byte, b.frameSize)
		for i := 0; i < b.blockSize; i++ {
			if !b.present[i] {
				continue
			}
			xorBytes(sumP, b.data[i])
			xorMulBytes(sumQ, b.data[i], gfPow2(i))
		}

		switch missingCount {
		case 1:
			mi := missingIdx[0]
			recovered := make([]byte, b.frameSize)
			switch {
			case b.parityPresent[0]:
				copy(recovered, b.parity[0])
				xorBytes(recovered, sumP)
			case b.parityPresent[1]:
				copy(recovered, b.parity[1])
				xorBytes(recovered, sumQ)
				coef := gfPow2(mi)
				for i := range recovered {
					recovered[i] = gfDiv(recovered[i], coef)
				}
			}
			b.data[mi] = recovered
			b.present[mi] = true

		case 2:
			mi, mj := missingIdx[0], missingIdx[1]
			s := append([]byte(nil), b.parity[0]...)
			xorBytes(s, sumP)
			t := append([]byte(nil), b.parity[1]...)
			xorBytes(t, sumQ)

			gi, gj := gfPow2(mi), gfPow2(mj)
			denom := gi ^ gj
			if denom != 0 {
				di := make([]byte, b.frameSize)
				for k := range di {
					numerator := t[k] ^ gfMul(s[k], gj)
					di[k] = gfDiv(numerator, denom)
				}
				dj := append([]byte(nil), di...)
				xorBytes(dj, s)

				b.data[mi] = di
				b.data[mj] = dj
				b.present[mi] = true
				b.present[mj] = true
			}
		}
	}

	var out []DecodedFrame
	for _, idx := range missingBefore {
		if idx < 0 || idx >= b.blockSize {
			continue
		}
		if !b.present[idx] && !force {
			continue
		}
		frame := b.data[idx]
		if len(frame) == 0 && !force {
			continue
		}
		out = append(out, DecodedFrame{Seq: b.start + uint16(idx), Frame: frame})
	}
	return out
}

func (d *Decoder) tryOutput(force bool) []DecodedFrame {
	if len(d.blocks) == 0 {
		return nil
	}

	keys := make([]uint16, 0, len(d.blocks))
	for k := range d.blocks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var out []DecodedFrame
	completed := make([]uint16, 0)
	for _, key := range keys {
		b := d.blocks[key]
		missingCount, _ := canRecover(b)
		if recoverable(b, missingCount) && missingCount > 0 {
			out = append(out, d.outputBlock(b, force)...)
		}
		afterMissing, _ := canRecover(b)
		if afterMissing == 0 {
			completed = append(completed, key)
		}
	}

	for _, key := range completed {
		delete(d.blocks, key)
	}

	for len(d.blocks) > 24 {
		oldest := keys[0]
		for _, k := range keys {
			if _, ok := d.blocks[k]; ok {
				oldest = k
				break
			}
		}
		delete(d.blocks, oldest)
		keys = keys[1:]
	}

	return out
}

// PushData feeds an in-sequence audio frame into the decoder. When FEC is
// disabled the frame passes straight through.
func (d *Decoder) PushData(audioSeq uint16, frame []byte) []DecodedFrame {
	if !d.enabled {
		return []DecodedFrame{{Seq: audioSeq, Frame: frame}}
	}
	if len(frame) == 0 || d.blockSize <= 0 {
		return nil
	}

	index := int(audioSeq) % d.blockSize
	blockStart := audioSeq - uint16(index)

	b := d.ensureBlock(blockStart, len(frame))
	if index >= 0 && index < len(b.data) {
		b.data[index] = frame
		b.present[index] = true
	}

	return d.tryOutput(false)
}

// PushParity feeds a received P or Q parity packet into the decoder.
func (d *Decoder) PushParity(blockStart uint16, blockSize uint8, parityIndex uint8, data []byte) []DecodedFrame {
	if !d.enabled {
		return nil
	}
	if blockSize != uint8(d.blockSize) {
		return nil
	}
	if parityIndex > 1 {
		return nil
	}

	b := d.ensureBlock(blockStart, len(data))
	if b.frameSize != len(data) {
		b.frameSize = len(data)
	}
	b.parity[parityIndex] = data
	b.parityPresent[parityIndex] = true

	return d.tryOutput(false)
}
