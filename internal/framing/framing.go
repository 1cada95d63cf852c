// Package framing recovers message boundaries from a raw ordered byte
// stream via a uvarint length prefix, for transports (like AF_VSOCK) that
// deliver a byte stream rather than discrete messages.
package framing

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// maximumMessageSize bounds a single framed message to avoid
	// exhausting memory on a corrupt or hostile length prefix.
	maximumMessageSize = 25 * 1024 * 1024
	// maximumMessageUvarintLength is how many bytes maximumMessageSize
	// takes to encode as a uvarint.
	maximumMessageUvarintLength = 4
	// reusableBufferSize is the size of the buffer an Encoder/Decoder
	// retains across calls; larger messages allocate a temporary buffer.
	reusableBufferSize = 64 * 1024
)

// Encoder writes length-prefixed messages onto an underlying stream.
type Encoder struct {
	writer io.Writer
	buffer []byte
}

// NewEncoder creates a framing encoder writing to writer.
func NewEncoder(writer io.Writer) *Encoder {
	return &Encoder{
		writer: writer,
		buffer: make([]byte, maximumMessageUvarintLength+reusableBufferSize),
	}
}

// Encode writes one length-prefixed message.
func (e *Encoder) Encode(message []byte) error {
	size := len(message)
	if size > maximumMessageSize {
		return errors.New("framing: message too large to frame")
	}

	buffer := e.buffer
	if size > reusableBufferSize {
		buffer = make([]byte, maximumMessageUvarintLength+size)
	}

	headerSize := binary.PutUvarint(buffer, uint64(size))
	copy(buffer[headerSize:headerSize+size], message)

	if _, err := e.writer.Write(buffer[:headerSize+size]); err != nil {
		return errors.Wrap(err, "framing: unable to transmit message")
	}
	return nil
}

// Decoder reads length-prefixed messages from an underlying stream.
type Decoder struct {
	reader *bufio.Reader
	buffer []byte
}

// NewDecoder creates a framing decoder reading from reader.
func NewDecoder(reader io.Reader) *Decoder {
	return &Decoder{
		reader: bufio.NewReader(reader),
		buffer: make([]byte, reusableBufferSize),
	}
}

// Decode reads the next length-prefixed message. The returned slice is only
// valid until the next call to Decode.
func (d *Decoder) Decode() ([]byte, error) {
	size, err := binary.ReadUvarint(d.reader)
	if err != nil {
		return nil, errors.Wrap(err, "framing: unable to read header")
	}
	if size > maximumMessageSize {
		return nil, errors.New("framing: message too large to receive")
	}

	buffer := d.buffer
	if size > uint64(len(buffer)) {
		buffer = make([]byte, size)
	}

	if _, err := io.ReadFull(d.reader, buffer[:size]); err != nil {
		return nil, errors.Wrap(err, "framing: unable to read message body")
	}
	return buffer[:size], nil
}
