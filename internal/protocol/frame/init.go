package frame

import (
	"encoding/binary"
	"math"

	"github.com/danmuck/gamewire/internal/protocol"
)

// Init frame lengths including the tag byte. Handshake and Init are constant;
// Raw has a constant prefix and carries diagnostic text only.
const (
	HandshakeLen = 1 + 7 + 3*4
	InitLen      = 1 + 16 + 8 + 16
	RawPrefixLen = 1 + 2

	MaxRawLen = math.MaxUint16
)

// InitFrame is exchanged before the session frames are active.
type InitFrame interface {
	initTag() uint8
}

type Handshake struct {
	Magic   [7]byte
	Version [3]uint32
}

// Init carries the sender's identity and the stream id offset it allocates from.
type Init struct {
	Pid            protocol.Pid
	StreamIDOffset protocol.Sid
	Secret         protocol.Secret
}

// Raw carries diagnostic text for a peer that failed the handshake.
type Raw struct {
	Data []byte
}

func (Handshake) initTag() uint8 { return TagHandshake }
func (Init) initTag() uint8      { return TagInit }
func (Raw) initTag() uint8       { return TagRaw }

// AppendInit encodes f onto dst. Raw text beyond MaxRawLen is truncated.
func AppendInit(dst []byte, f InitFrame) []byte {
	switch f := f.(type) {
	case Handshake:
		dst = append(dst, TagHandshake)
		dst = append(dst, f.Magic[:]...)
		for _, v := range f.Version {
			dst = binary.LittleEndian.AppendUint32(dst, v)
		}
	case Init:
		dst = append(dst, TagInit)
		dst = append(dst, f.Pid[:]...)
		dst = binary.LittleEndian.AppendUint64(dst, uint64(f.StreamIDOffset))
		dst = append(dst, f.Secret[:]...)
	case Raw:
		data := f.Data
		if len(data) > MaxRawLen {
			data = data[:MaxRawLen]
		}
		dst = append(dst, TagRaw)
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(data)))
		dst = append(dst, data...)
	}
	return dst
}

// DecodeInit parses the init frame at the front of b. A nil frame means more
// bytes are needed. Bytes that do not start with a known tag decode as Raw.
func DecodeInit(b []byte) (InitFrame, int) {
	if len(b) == 0 {
		return nil, 0
	}
	switch b[0] {
	case TagHandshake:
		if len(b) < HandshakeLen {
			return nil, 0
		}
		var f Handshake
		copy(f.Magic[:], b[1:8])
		for i := range f.Version {
			f.Version[i] = binary.LittleEndian.Uint32(b[8+4*i : 12+4*i])
		}
		return f, HandshakeLen
	case TagInit:
		if len(b) < InitLen {
			return nil, 0
		}
		var f Init
		copy(f.Pid[:], b[1:17])
		f.StreamIDOffset = protocol.Sid(binary.LittleEndian.Uint64(b[17:25]))
		copy(f.Secret[:], b[25:41])
		return f, InitLen
	case TagRaw:
		if len(b) < RawPrefixLen {
			return nil, 0
		}
		n := int(binary.LittleEndian.Uint16(b[1:3]))
		if avail := len(b) - RawPrefixLen; n > avail {
			n = avail
		}
		data := make([]byte, n)
		copy(data, b[RawPrefixLen:RawPrefixLen+n])
		return Raw{Data: data}, RawPrefixLen + n
	default:
		data := make([]byte, len(b))
		copy(data, b)
		return Raw{Data: data}, len(b)
	}
}
