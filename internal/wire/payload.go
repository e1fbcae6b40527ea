package wire

import "encoding/binary"

// SplitAudioPayload implements the dual-format AUDIO payload rule: if the
// payload is exactly expectedFrameSize bytes, it is headerless (the caller
// should use the packet-level Seq); otherwise the first two bytes are a
// big-endian audioSeq followed by the codec frame.
func SplitAudioPayload(payload []byte, expectedFrameSize int, packetSeq uint16) (audioSeq uint16, frame []byte, headerless bool) {
	if expectedFrameSize > 0 && len(payload) == expectedFrameSize {
		return packetSeq, payload, true
	}
	if len(payload) < 2 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint16(payload[:2]), payload[2:], false
}

// BuildAudioPayload always emits the audioSeq form, per spec: "For TX the
// audioSeq form is always used."
func BuildAudioPayload(audioSeq uint16, frame []byte) []byte {
	buf := make([]byte, 2+len(frame))
	binary.BigEndian.PutUint16(buf, audioSeq)
	copy(buf[2:], frame)
	return buf
}

// FecPayload is the decoded FEC parity payload.
type FecPayload struct {
	BlockStart  uint16
	BlockSize   uint8
	ParityIndex uint8
	Parity      []byte
}

// BuildFecPayload serializes a FecPayload.
func BuildFecPayload(p FecPayload) []byte {
	buf := make([]byte, 4+len(p.Parity))
	binary.BigEndian.PutUint16(buf[0:2], p.BlockStart)
	buf[2] = p.BlockSize
	buf[3] = p.ParityIndex
	copy(buf[4:], p.Parity)
	return buf
}

// ParseFecPayload parses a FecPayload, returning false if too short.
func ParseFecPayload(payload []byte) (FecPayload, bool) {
	if len(payload) < 4 {
		return FecPayload{}, false
	}
	return FecPayload{
		BlockStart:  binary.BigEndian.Uint16(payload[0:2]),
		BlockSize:   payload[2],
		ParityIndex: payload[3],
		Parity:      payload[4:],
	}, true
}

// CodecConfigPayload is the CODEC_CONFIG control payload.
type CodecConfigPayload struct {
	ForcePcm bool
	CodecID  CodecTransportID
	Mode     uint16
}

const forcePcmBit = 1 << 0

// BuildCodecConfigPayload serializes a CodecConfigPayload.
func BuildCodecConfigPayload(p CodecConfigPayload) []byte {
	var flags uint8
	if p.ForcePcm {
		flags |= forcePcmBit
	}
	buf := make([]byte, 4)
	buf[0] = flags
	buf[1] = uint8(p.CodecID)
	binary.BigEndian.PutUint16(buf[2:4], p.Mode)
	return buf
}

// ParseCodecConfigPayload parses a CodecConfigPayload, returning false if too short.
func ParseCodecConfigPayload(payload []byte) (CodecConfigPayload, bool) {
	if len(payload) < 4 {
		return CodecConfigPayload{}, false
	}
	return CodecConfigPayload{
		ForcePcm: payload[0]&forcePcmBit != 0,
		CodecID:  CodecTransportID(payload[1]),
		Mode:     binary.BigEndian.Uint16(payload[2:4]),
	}, true
}

// BuildTalkPayload serializes a TALK_GRANT/TALK_RELEASE/TALK_DENY payload.
func BuildTalkPayload(talkerID uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, talkerID)
	return buf
}

// ParseTalkPayload parses a talkerId from a TALK_* payload, falling back to
// fallbackSenderID when the payload is too short (the spec allows senderId
// as the talker identity source).
func ParseTalkPayload(payload []byte, fallbackSenderID uint32) uint32 {
	if len(payload) < 4 {
		return fallbackSenderID
	}
	return binary.BigEndian.Uint32(payload[:4])
}
