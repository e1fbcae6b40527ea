// Package wire serializes and parses the on-wire packet format: a fixed
// header (modern or legacy framing), an optional security header, the
// payload, and a trailing AEAD auth tag.
package wire

import (
	"encoding/binary"
	"errors"
)

// Protocol constants, matching the legacy C++ core byte-for-byte.
const (
	ProtocolVersion     = 1
	FixedHeaderSize     = 16
	LegacyFixedHeaderSize = 14
	SecurityHeaderSize  = 12
	AuthTagSize         = 16
)

// PacketType enumerates the control/data packet kinds.
type PacketType uint8

const (
	PktAudio        PacketType = 0x01
	PktPttOn        PacketType = 0x02
	PktPttOff       PacketType = 0x03
	PktKeepalive    PacketType = 0x04
	PktJoin         PacketType = 0x05
	PktLeave        PacketType = 0x06
	PktTalkGrant    PacketType = 0x07
	PktTalkRelease  PacketType = 0x08
	PktTalkDeny     PacketType = 0x09
	PktKeyExchange  PacketType = 0x0A
	PktCodecConfig  PacketType = 0x0B
	PktFec          PacketType = 0x0C
	PktServerConfig PacketType = 0x0D
)

// CodecTransportID enumerates the codec carried in an AUDIO/CODEC_CONFIG payload.
type CodecTransportID uint8

const (
	CodecTransportPCM    CodecTransportID = 0x00
	CodecTransportCodec2 CodecTransportID = 0x01
	CodecTransportOpus   CodecTransportID = 0x02
)

// Header is the fixed packet header (modern framing carries Flags; legacy
// framing omits it and Flags reads back as 0).
type Header struct {
	Version   uint8
	Type      PacketType
	HeaderLen uint16
	ChannelID uint32
	SenderID  uint32
	Seq       uint16
	Flags     uint16
}

// SecurityHeader carries the AEAD nonce and key generation id. Present iff
// Header.HeaderLen includes SecurityHeaderSize.
type SecurityHeader struct {
	Nonce uint64
	KeyID uint32
}

// Packet is the fully decoded datagram.
type Packet struct {
	Header  Header
	Sec     SecurityHeader
	Secured bool // true iff a security header + tag were present
	Payload []byte
	Tag     []byte
}

var (
	// ErrTooShort is returned by Parse when the datagram is shorter than the
	// legacy fixed header.
	ErrTooShort = errors.New("wire: datagram shorter than minimum header")
	// ErrBadFraming is returned by Parse when HeaderLen does not match any
	// known modern/legacy framing value.
	ErrBadFraming = errors.New("wire: unrecognised header length")
)

// headerLen returns the wire HeaderLen value for the given framing choice.
func headerLen(legacy, secured bool) uint16 {
	base := uint16(FixedHeaderSize)
	if legacy {
		base = LegacyFixedHeaderSize
	}
	if secured {
		base += SecurityHeaderSize
	}
	return base
}

// Serialize writes header, optional security header, payload and tag into a
// single datagram. legacy selects the 14-byte vs 16-byte fixed header.
// secured must be true iff sec/tag are meaningful; when false, the security
// header and tag are omitted entirely.
func Serialize(h Header, legacy bool, secured bool, sec SecurityHeader, payload, tag []byte) []byte {
	hl := headerLen(legacy, secured)
	h.HeaderLen = hl

	size := int(hl) + len(payload)
	if secured {
		size += AuthTagSize
	}
	buf := make([]byte, 0, size)

	buf = append(buf, h.Version, uint8(h.Type))
	buf = binary.BigEndian.AppendUint16(buf, h.HeaderLen)
	buf = binary.BigEndian.AppendUint32(buf, h.ChannelID)
	buf = binary.BigEndian.AppendUint32(buf, h.SenderID)
	buf = binary.BigEndian.AppendUint16(buf, h.Seq)
	if !legacy {
		buf = binary.BigEndian.AppendUint16(buf, h.Flags)
	}

	if secured {
		buf = binary.BigEndian.AppendUint64(buf, sec.Nonce)
		buf = binary.BigEndian.AppendUint32(buf, sec.KeyID)
		buf = append(buf, payload...)
		buf = append(buf, tag...)
		return buf
	}

	buf = append(buf, payload...)
	return buf
}

// Parse decodes a raw datagram. Malformed input returns an error; callers
// must treat any error as "silently drop the datagram" per the protocol's
// error taxonomy — Parse itself never panics on truncated input.
func Parse(datagram []byte) (Packet, error) {
	var pkt Packet

	if len(datagram) < LegacyFixedHeaderSize {
		return pkt, ErrTooShort
	}

	h := Header{
		Version:   datagram[0],
		Type:      PacketType(datagram[1]),
		HeaderLen: binary.BigEndian.Uint16(datagram[2:4]),
		ChannelID: binary.BigEndian.Uint32(datagram[4:8]),
		SenderID:  binary.BigEndian.Uint32(datagram[8:12]),
		Seq:       binary.BigEndian.Uint16(datagram[12:14]),
	}

	offset := 14
	var fixedUsed int

	switch h.HeaderLen {
	case FixedHeaderSize, FixedHeaderSize + SecurityHeaderSize:
		if len(datagram) < FixedHeaderSize {
			return pkt, ErrTooShort
		}
		h.Flags = binary.BigEndian.Uint16(datagram[14:16])
		offset = 16
		fixedUsed = FixedHeaderSize
	case LegacyFixedHeaderSize, LegacyFixedHeaderSize + SecurityHeaderSize:
		h.Flags = 0
		fixedUsed = LegacyFixedHeaderSize
	default:
		return pkt, ErrBadFraming
	}

	pkt.Header = h

	if int(h.HeaderLen) >= fixedUsed+SecurityHeaderSize &&
		len(datagram) >= fixedUsed+SecurityHeaderSize+AuthTagSize {

		sec := SecurityHeader{
			Nonce: binary.BigEndian.Uint64(datagram[offset : offset+8]),
			KeyID: binary.BigEndian.Uint32(datagram[offset+8 : offset+12]),
		}
		offset += SecurityHeaderSize

		payloadSize := len(datagram) - offset - AuthTagSize
		if payloadSize < 0 {
			return pkt, ErrBadFraming
		}

		pkt.Sec = sec
		pkt.Secured = true
		pkt.Payload = datagram[offset : offset+payloadSize]
		pkt.Tag = datagram[offset+payloadSize:]
		return pkt, nil
	}

	if int(h.HeaderLen) != fixedUsed {
		return pkt, ErrBadFraming
	}

	pkt.Sec = SecurityHeader{}
	pkt.Secured = false
	pkt.Payload = datagram[offset:]
	pkt.Tag = nil
	return pkt, nil
}

// IsLegacyFraming reports whether a HeaderLen value denotes legacy (14-byte)
// framing, for callers deciding whether to flip their own TX framing to
// match a peer (see the legacy field of channel.Engine).
func IsLegacyFraming(headerLen uint16) bool {
	return headerLen == LegacyFixedHeaderSize || headerLen == LegacyFixedHeaderSize+SecurityHeaderSize
}
