package udp

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the size of the fragment header in bytes.
	// The header format is (all little-endian):
	// - MessageID (4 bytes): groups the fragments of one voice clip
	// - TotalFragments (2 bytes): number of fragments in the clip
	// - FragmentIndex (2 bytes): index of this fragment
	//
	// There is no magic, version or checksum field; peers built against the
	// same layout interoperate byte for byte.
	HeaderSize = 8

	// MaxFragments is the largest fragment count a header can describe.
	MaxFragments = 0xFFFF
)

// Header is the fixed 8-byte prefix of every datagram.
type Header struct {
	MessageID      uint32 // Transfer identifier, random per clip
	TotalFragments uint16 // Total number of fragments
	FragmentIndex  uint16 // Index of this fragment
}

// Valid reports whether the header describes a possible fragment.
func (h Header) Valid() bool {
	return h.TotalFragments >= 1 && h.FragmentIndex < h.TotalFragments
}

func (h Header) String() string {
	return fmt.Sprintf("{MsgID:%08x Frag:%d/%d}", h.MessageID, h.FragmentIndex, h.TotalFragments)
}

// EncodeHeader serializes a header to its 8-byte wire form.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, h)
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.MessageID)
	binary.LittleEndian.PutUint16(buf[4:6], h.TotalFragments)
	binary.LittleEndian.PutUint16(buf[6:8], h.FragmentIndex)
}

// DecodeHeader parses a header from the start of data. Only the length is
// checked here; index/total consistency is enforced by the reassembly table.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("datagram of %d bytes is shorter than the %d byte header: %w", len(data), HeaderSize, ErrMalformedPacket)
	}

	return Header{
		MessageID:      binary.LittleEndian.Uint32(data[0:4]),
		TotalFragments: binary.LittleEndian.Uint16(data[4:6]),
		FragmentIndex:  binary.LittleEndian.Uint16(data[6:8]),
	}, nil
}

// FragmentCount returns ceil(size/maxPayloadSize).
func FragmentCount(size, maxPayloadSize int) int {
	return (size + maxPayloadSize - 1) / maxPayloadSize
}

// Fragment splits message into datagrams of at most HeaderSize+maxPayloadSize
// bytes, all carrying messageID. Nothing is built when the message is empty
// or would need more than MaxFragments fragments.
func Fragment(messageID uint32, message []byte, maxPayloadSize int) ([][]byte, error) {
	if maxPayloadSize <= 0 {
		return nil, fmt.Errorf("max payload size must be positive, got %d", maxPayloadSize)
	}
	if len(message) == 0 {
		return nil, ErrEmptyMessage
	}

	totalFragments := FragmentCount(len(message), maxPayloadSize)
	if totalFragments > MaxFragments {
		return nil, fmt.Errorf("%d bytes at %d bytes per fragment needs %d fragments: %w",
			len(message), maxPayloadSize, totalFragments, ErrMessageTooLarge)
	}

	datagrams := make([][]byte, 0, totalFragments)
	for i := 0; i < totalFragments; i++ {
		start := i * maxPayloadSize
		end := min(start+maxPayloadSize, len(message))

		packet := make([]byte, HeaderSize+end-start)
		putHeader(packet, Header{
			MessageID:      messageID,
			TotalFragments: uint16(totalFragments),
			FragmentIndex:  uint16(i),
		})
		copy(packet[HeaderSize:], message[start:end])
		datagrams = append(datagrams, packet)
	}

	return datagrams, nil
}
