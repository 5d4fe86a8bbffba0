package packets

import (
	"errors"
	"fmt"
)

// ErrNeedMore is returned by DecodeStream when buf does not yet hold a
// complete packet. The caller should read more bytes from the connection
// and retry with the extended buffer; nothing in buf should be discarded.
var ErrNeedMore = errors.New("packets: need more data")

// DecodeStream attempts to decode a single MQTT packet from the front of
// buf without blocking on a reader. It is the non-blocking counterpart to
// ReadPacket, for callers (such as a broker connection goroutine) that
// cannot afford to block on a partial TCP read.
//
// On success it returns the decoded packet and the number of bytes from
// buf it consumed; the caller should drop those bytes before the next
// call. If buf does not yet contain a full packet, it returns ErrNeedMore
// and the caller should wait for more data to arrive. Any other error
// indicates a malformed packet and the connection should be closed.
func DecodeStream(buf []byte, version uint8, maxLen int) (Packet, int, error) {
	if len(buf) < 1 {
		return nil, 0, ErrNeedMore
	}

	remLen, n, err := decodeVarIntBuf(buf[1:])
	if err != nil {
		if errors.Is(err, errVarIntTooShort) {
			return nil, 0, ErrNeedMore
		}
		return nil, 0, err
	}

	const mqttSpecMax = 268435455
	maxPacketSize := maxLen
	if maxPacketSize <= 0 || maxPacketSize > mqttSpecMax {
		maxPacketSize = mqttSpecMax
	}
	if remLen > maxPacketSize {
		return nil, 0, fmt.Errorf("packet size %d exceeds maximum %d", remLen, maxPacketSize)
	}

	headerLen := 1 + n
	total := headerLen + remLen
	if len(buf) < total {
		return nil, 0, ErrNeedMore
	}

	header := &FixedHeader{
		PacketType:      buf[0] >> 4,
		Flags:           buf[0] & 0x0F,
		RemainingLength: remLen,
	}

	decoder, ok := packetDecoders[header.PacketType]
	if !ok {
		return nil, 0, fmt.Errorf("unknown packet type: %d", header.PacketType)
	}

	pkt, err := decoder(buf[headerLen:total], header, version)
	if err != nil {
		return nil, 0, err
	}

	return pkt, total, nil
}
