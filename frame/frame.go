// Package frame implements the wire codec for the channel multiplexer: a
// small bit-packed header (3 or 7 bytes) followed by an opaque payload tail.
package frame

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Command identifies the system command carried by a frame's flags byte.
type Command uint8

const (
	// CommandData carries a payload destined for an existing channel.
	CommandData Command = 0
	// CommandOpen requests that a new channel be created with the frame's
	// channel id, carrying an optional initial payload.
	CommandOpen Command = 1
	// CommandClose requests or confirms that a channel be torn down.
	CommandClose Command = 2
	// commandReserved is the fourth, unused command value. Any frame
	// carrying it is a fatal protocol violation.
	commandReserved Command = 3
)

const (
	flagReservedBit0  = 0x01
	flagShortID       = 0x02
	flagReservedBit2  = 0x04
	flagReservedBit3  = 0x08
	flagCommandMask   = 0x30
	flagCommandShift  = 4
	flagReservedBit6  = 0x40
	flagWarningExtend = 0x80

	// breakingReservedMask covers every flag bit that must be zero on any
	// frame this codec accepts. Bit 7 (flagWarningExtend) is deliberately
	// excluded: it is a non-breaking extension point.
	breakingReservedMask = flagReservedBit0 | flagReservedBit2 | flagReservedBit3 | flagReservedBit6

	// shortIDThreshold is the smallest channel id that requires the long
	// (4-byte) id tail instead of the short (2-byte) one.
	shortIDThreshold = 0x10000

	// MaxChannelID is the largest channel id representable in 48 bits.
	MaxChannelID = 1<<48 - 1

	// MaxHeaderLen is the largest header this codec ever writes: 1 flags
	// byte plus a 6-byte channel id. This is the "reserve" a caller should
	// leave before a payload buffer to satisfy the zero-copy encode
	// contract in every case, matching what the source calls
	// kReserveMuxConnectionHeaderSiwe (see DESIGN.md).
	MaxHeaderLen = 7

	shortHeaderLen = 3
)

// Frame is a decoded wire unit: a system command, the channel it targets,
// and a payload view into the original buffer.
type Frame struct {
	Command   Command
	ChannelID uint64
	// Payload is a sub-slice of the buffer passed to Decode. It is only
	// valid for as long as that buffer is not reused.
	Payload []byte
	// Warning is set when the non-breaking reserved bit (0x80) was set on
	// the inbound frame. The frame is still processed normally; this is
	// surfaced purely for diagnostics.
	Warning bool
}

// ErrShortFrame indicates the input had fewer bytes than its own header
// demands.
var ErrShortFrame = errors.New("frame: fewer bytes than the header requires")

// ErrReservedBit indicates a breaking reserved flag bit was set.
var ErrReservedBit = errors.New("frame: breaking reserved flag bit set")

// ErrReservedCommand indicates the reserved system command (3) was used.
var ErrReservedCommand = errors.New("frame: reserved system command")

// Decode parses a single frame out of buf. The returned Frame's Payload is a
// zero-copy view into buf.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < 1 {
		return Frame{}, ErrShortFrame
	}
	flags := buf[0]

	if flags&breakingReservedMask != 0 {
		return Frame{}, errors.Wrapf(ErrReservedBit, "flags=0x%02x", flags)
	}

	command := Command((flags & flagCommandMask) >> flagCommandShift)
	if command == commandReserved {
		return Frame{}, ErrReservedCommand
	}

	headerLen := MaxHeaderLen
	if flags&flagShortID != 0 {
		headerLen = shortHeaderLen
	}
	if len(buf) < headerLen {
		return Frame{}, ErrShortFrame
	}

	var channelID uint64
	if headerLen == shortHeaderLen {
		channelID = uint64(binary.LittleEndian.Uint16(buf[1:3]))
	} else {
		channelID = uint64(binary.LittleEndian.Uint16(buf[1:3]))
		channelID |= uint64(buf[3]) << 16
		channelID |= uint64(buf[4]) << 24
		channelID |= uint64(buf[5]) << 32
		channelID |= uint64(buf[6]) << 40
	}

	return Frame{
		Command:   command,
		ChannelID: channelID,
		Payload:   buf[headerLen:],
		Warning:   flags&flagWarningExtend != 0,
	}, nil
}

// HeaderLen returns the number of header bytes a frame for channelID would
// require: 3 if it fits in the short (16-bit) form, 7 otherwise.
func HeaderLen(channelID uint64) int {
	if channelID < shortIDThreshold {
		return shortHeaderLen
	}
	return MaxHeaderLen
}

// encodeHeader writes the header for (command, channelID) into the start of
// dst, which must hold at least HeaderLen(channelID) bytes, and returns the
// number of header bytes written. It never touches any payload; AppendEncode
// and EncodeInPlace place the payload around it.
func encodeHeader(dst []byte, command Command, channelID uint64) int {
	headerLen := HeaderLen(channelID)
	flags := byte(command) << flagCommandShift
	if headerLen == shortHeaderLen {
		flags |= flagShortID
	}
	dst[0] = flags
	binary.LittleEndian.PutUint16(dst[1:3], uint16(channelID))
	if headerLen == MaxHeaderLen {
		dst[3] = byte(channelID >> 16)
		dst[4] = byte(channelID >> 24)
		dst[5] = byte(channelID >> 32)
		dst[6] = byte(channelID >> 40)
	}
	return headerLen
}

// AppendEncode encodes (command, channelID, payload) as a complete wire
// frame. The header is appended after buf's current contents and payload is
// copied in after it; append allocates a new backing array when buf lacks the
// capacity for both. The returned slice is buf[:len(buf)] extended by the
// encoded frame.
func AppendEncode(buf []byte, command Command, channelID uint64, payload []byte) []byte {
	headerLen := HeaderLen(channelID)
	start := len(buf)
	buf = append(buf, make([]byte, headerLen)...)
	encodeHeader(buf[start:start+headerLen], command, channelID)
	return append(buf, payload...)
}

// EncodeInPlace writes a complete frame into payloadBuf, whose first
// headerReserve bytes are a reserved prefix and whose payload starts at
// payloadBuf[headerReserve]. headerReserve (typically MaxHeaderLen) must be
// >= HeaderLen(channelID); otherwise an error is returned. The header is
// written immediately before the payload and the payload itself is never
// copied. The returned slice is the full encoded frame.
func EncodeInPlace(payloadBuf []byte, headerReserve int, command Command, channelID uint64) ([]byte, error) {
	headerLen := HeaderLen(channelID)
	if headerReserve < headerLen {
		return nil, errors.Errorf("frame: header reserve %d too small for %d-byte header", headerReserve, headerLen)
	}
	start := headerReserve - headerLen
	header := payloadBuf[start:headerReserve]
	encodeHeader(header, command, channelID)
	return payloadBuf[start:], nil
}
