package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/danmuck/gamewire/internal/protocol"
)

// Tags share one byte space with the init frames.
const (
	TagHandshake   uint8 = 1
	TagInit        uint8 = 2
	TagShutdown    uint8 = 3
	TagOpenStream  uint8 = 4
	TagCloseStream uint8 = 5
	TagDataHeader  uint8 = 6
	TagData        uint8 = 7
	TagRaw         uint8 = 8
)

// Encoded lengths including the tag byte.
const (
	ShutdownLen    = 1
	OpenStreamLen  = 1 + 8 + 1 + 1 + 8
	CloseStreamLen = 1 + 8
	DataHeaderLen  = 1 + 8 + 8 + 8
	DataPrefixLen  = 1 + 8 + 8 + 2

	MaxDataLen = math.MaxUint16
)

var (
	ErrUnknownFrame = errors.New("frame: unknown tag")
	ErrDataTooLarge = errors.New("frame: data fragment too large")
)

// Frame is one in-session wire unit.
type Frame interface {
	tag() uint8
}

type Shutdown struct{}

type OpenStream struct {
	Sid                 protocol.Sid
	Prio                protocol.Prio
	Promises            protocol.Promises
	GuaranteedBandwidth protocol.Bandwidth
}

type CloseStream struct {
	Sid protocol.Sid
}

// DataHeader announces the total length of message Mid on stream Sid.
type DataHeader struct {
	Mid    protocol.Mid
	Sid    protocol.Sid
	Length uint64
}

// Data is one fragment of message Mid starting at byte offset Start.
type Data struct {
	Mid   protocol.Mid
	Start uint64
	Data  []byte
}

func (Shutdown) tag() uint8    { return TagShutdown }
func (OpenStream) tag() uint8  { return TagOpenStream }
func (CloseStream) tag() uint8 { return TagCloseStream }
func (DataHeader) tag() uint8  { return TagDataHeader }
func (Data) tag() uint8        { return TagData }

// Kind names the frame variant for logs and metric labels.
func Kind(f Frame) string {
	switch f.(type) {
	case Shutdown:
		return "shutdown"
	case OpenStream:
		return "open_stream"
	case CloseStream:
		return "close_stream"
	case DataHeader:
		return "data_header"
	case Data:
		return "data"
	default:
		return "unknown"
	}
}

// EncodedLen returns the number of bytes Append writes for f.
func EncodedLen(f Frame) int {
	switch f := f.(type) {
	case Shutdown:
		return ShutdownLen
	case OpenStream:
		return OpenStreamLen
	case CloseStream:
		return CloseStreamLen
	case DataHeader:
		return DataHeaderLen
	case Data:
		return DataPrefixLen + len(f.Data)
	default:
		return 0
	}
}

// Append encodes f onto dst.
func Append(dst []byte, f Frame) ([]byte, error) {
	switch f := f.(type) {
	case Shutdown:
		dst = append(dst, TagShutdown)
	case OpenStream:
		dst = append(dst, TagOpenStream)
		dst = binary.LittleEndian.AppendUint64(dst, uint64(f.Sid))
		dst = append(dst, byte(f.Prio), byte(f.Promises))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(f.GuaranteedBandwidth))
	case CloseStream:
		dst = append(dst, TagCloseStream)
		dst = binary.LittleEndian.AppendUint64(dst, uint64(f.Sid))
	case DataHeader:
		dst = append(dst, TagDataHeader)
		dst = binary.LittleEndian.AppendUint64(dst, uint64(f.Mid))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(f.Sid))
		dst = binary.LittleEndian.AppendUint64(dst, f.Length)
	case Data:
		if len(f.Data) > MaxDataLen {
			return dst, fmt.Errorf("%w: %d bytes", ErrDataTooLarge, len(f.Data))
		}
		dst = append(dst, TagData)
		dst = binary.LittleEndian.AppendUint64(dst, uint64(f.Mid))
		dst = binary.LittleEndian.AppendUint64(dst, f.Start)
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(f.Data)))
		dst = append(dst, f.Data...)
	default:
		return dst, fmt.Errorf("frame: cannot encode %T", f)
	}
	return dst, nil
}

// Decode parses the frame at the front of b and reports how many bytes it used.
// A nil frame with a nil error means b does not yet hold a complete frame.
func Decode(b []byte) (Frame, int, error) {
	if len(b) == 0 {
		return nil, 0, nil
	}
	switch b[0] {
	case TagShutdown:
		return Shutdown{}, ShutdownLen, nil
	case TagOpenStream:
		if len(b) < OpenStreamLen {
			return nil, 0, nil
		}
		return OpenStream{
			Sid:                 protocol.Sid(binary.LittleEndian.Uint64(b[1:9])),
			Prio:                protocol.Prio(b[9]),
			Promises:            protocol.Promises(b[10]) & protocol.KnownPromises,
			GuaranteedBandwidth: protocol.Bandwidth(binary.LittleEndian.Uint64(b[11:19])),
		}, OpenStreamLen, nil
	case TagCloseStream:
		if len(b) < CloseStreamLen {
			return nil, 0, nil
		}
		return CloseStream{Sid: protocol.Sid(binary.LittleEndian.Uint64(b[1:9]))}, CloseStreamLen, nil
	case TagDataHeader:
		if len(b) < DataHeaderLen {
			return nil, 0, nil
		}
		return DataHeader{
			Mid:    protocol.Mid(binary.LittleEndian.Uint64(b[1:9])),
			Sid:    protocol.Sid(binary.LittleEndian.Uint64(b[9:17])),
			Length: binary.LittleEndian.Uint64(b[17:25]),
		}, DataHeaderLen, nil
	case TagData:
		if len(b) < DataPrefixLen {
			return nil, 0, nil
		}
		n := int(binary.LittleEndian.Uint16(b[17:19]))
		total := DataPrefixLen + n
		if len(b) < total {
			return nil, 0, nil
		}
		data := make([]byte, n)
		copy(data, b[DataPrefixLen:total])
		return Data{
			Mid:   protocol.Mid(binary.LittleEndian.Uint64(b[1:9])),
			Start: binary.LittleEndian.Uint64(b[9:17]),
			Data:  data,
		}, total, nil
	default:
		return nil, 0, fmt.Errorf("%w %d: %w", ErrUnknownFrame, b[0], protocol.ErrViolated)
	}
}

// WriteFrame encodes f and writes it to w in a single call.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := Append(make([]byte, 0, EncodedLen(f)), f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Limits constrains receiver memory use.
type Limits struct {
	MaxMessageBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxMessageBytes: 8 * 1024 * 1024,
	}
}
