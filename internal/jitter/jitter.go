// Package jitter implements a single-stream jitter buffer for voice frames.
//
// It reorders packets that arrive out of sequence, withholds output while
// fewer than a minimum number of frames are buffered, and tolerates a
// bounded wait for a slightly-late frame before jumping ahead to the nearest
// available sequence number. The channel layer owns one Buffer per active
// talker and clears it on talker changeover.
package jitter

// Buffer is not safe for concurrent use; the owning playout timer is the
// sole reader/writer.
type Buffer struct {
	frames           map[uint16][]byte
	order            []uint16 // kept sorted ascending by raw uint16 value
	minBufferedFrames int
	expectedSeqValid bool
	expectedSeq      uint16
}

// New returns a Buffer requiring minBufferedFrames before Pop will yield
// anything (unless called with requireMin=false).
func New(minBufferedFrames int) *Buffer {
	if minBufferedFrames < 1 {
		minBufferedFrames = 1
	}
	return &Buffer{
		frames:            make(map[uint16][]byte),
		minBufferedFrames: minBufferedFrames,
	}
}

// MinBufferedFrames reports the configured priming depth.
func (b *Buffer) MinBufferedFrames() int { return b.minBufferedFrames }

// SetMinBufferedFrames updates the priming depth used by future Pop calls.
func (b *Buffer) SetMinBufferedFrames(frames int) {
	if frames < 1 {
		frames = 1
	}
	b.minBufferedFrames = frames
}

// Size returns the number of frames currently buffered.
func (b *Buffer) Size() int { return len(b.frames) }

// seqForwardDistance is the unsigned forward distance from 'from' to 'to' in
// sequence-number space, wrapping modulo 2^16.
func seqForwardDistance(from, to uint16) int {
	return int(uint32(to)-uint32(from)) & 0xFFFF
}

// insertSorted inserts seq into b.order keeping it ascending, unless already
// present.
func (b *Buffer) insertSorted(seq uint16) {
	i := 0
	for i < len(b.order) && b.order[i] < seq {
		i++
	}
	if i < len(b.order) && b.order[i] == seq {
		return
	}
	b.order = append(b.order, 0)
	copy(b.order[i+1:], b.order[i:])
	b.order[i] = seq
}

func (b *Buffer) removeSorted(seq uint16) {
	for i, s := range b.order {
		if s == seq {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

// Push inserts a received frame. Frames that arrive behind the next frame
// due for playback, or that duplicate one already buffered, are dropped
// silently.
func (b *Buffer) Push(seq uint16, frame []byte) {
	if len(frame) == 0 {
		return
	}

	if b.expectedSeqValid {
		behind := seqForwardDistance(seq, b.expectedSeq)
		if behind > 0 && behind < 32768 {
			return
		}
	}

	if _, exists := b.frames[seq]; exists {
		return
	}

	b.frames[seq] = frame
	b.insertSorted(seq)
	if !b.expectedSeqValid {
		b.expectedSeq = seq
		b.expectedSeqValid = true
	}
}

// Pop returns the next frame in sequence order, or nil if none is ready.
// With requireMin true (the normal playout-timer case), Pop returns nil
// whenever fewer than minBufferedFrames are queued; the check runs on every
// call, so a caller draining the tail passes false. With enough frames
// queued it still waits up to a small window for a nearly-arrived frame
// rather than immediately jumping ahead on a single missing packet.
func (b *Buffer) Pop(requireMin bool) []byte {
	if requireMin && len(b.frames) < b.minBufferedFrames {
		return nil
	}
	if len(b.frames) == 0 {
		return nil
	}

	if !b.expectedSeqValid {
		b.expectedSeq = b.order[0]
		b.expectedSeqValid = true
	}

	if frame, ok := b.frames[b.expectedSeq]; ok {
		delete(b.frames, b.expectedSeq)
		b.removeSorted(b.expectedSeq)
		b.expectedSeq++
		return frame
	}

	nearestSeq := uint16(0)
	nearestDist := int(^uint(0) >> 1)
	for _, seq := range b.order {
		d := seqForwardDistance(b.expectedSeq, seq)
		if d < nearestDist {
			nearestDist = d
			nearestSeq = seq
		}
	}

	waitWindow := b.minBufferedFrames / 3
	if waitWindow > 2 {
		waitWindow = 2
	}
	if waitWindow < 1 {
		waitWindow = 1
	}
	shouldWait := requireMin &&
		nearestDist <= waitWindow &&
		len(b.frames) < b.minBufferedFrames+waitWindow
	if shouldWait {
		return nil
	}

	b.expectedSeq = nearestSeq
	frame := b.frames[b.expectedSeq]
	delete(b.frames, b.expectedSeq)
	b.removeSorted(b.expectedSeq)
	b.expectedSeq++
	return frame
}

// Clear discards all buffered frames and resets the expected-sequence
// cursor, e.g. on talker changeover or channel rejoin.
func (b *Buffer) Clear() {
	if len(b.frames) == 0 && !b.expectedSeqValid {
		return
	}
	b.frames = make(map[uint16][]byte)
	b.order = nil
	b.expectedSeqValid = false
	b.expectedSeq = 0
}
