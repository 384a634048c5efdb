package frame

import (
	"reflect"
	"testing"

	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/testutil/testlog"
)

func TestInitFramesHaveConstantLength(t *testing.T) {
	testlog.Start(t)
	secret, err := protocol.NewSecret()
	if err != nil {
		t.Fatalf("new secret: %v", err)
	}
	cases := []struct {
		in   InitFrame
		want int
	}{
		{in: Handshake{Magic: protocol.MagicNumber, Version: protocol.NetworkVersion}, want: HandshakeLen},
		{in: Handshake{}, want: HandshakeLen},
		{in: Init{Pid: protocol.NewPid(), StreamIDOffset: protocol.StreamIDOffset2, Secret: secret}, want: InitLen},
		{in: Init{}, want: InitLen},
	}
	for _, tc := range cases {
		buf := AppendInit(nil, tc.in)
		if len(buf) != tc.want {
			t.Fatalf("%T encoded len: got=%d want=%d", tc.in, len(buf), tc.want)
		}
		out, n := DecodeInit(buf)
		if n != tc.want {
			t.Fatalf("%T consumed: got=%d want=%d", tc.in, n, tc.want)
		}
		if !reflect.DeepEqual(out, tc.in) {
			t.Fatalf("init frame mismatch: got=%#v want=%#v", out, tc.in)
		}
		if f, _ := DecodeInit(buf[:len(buf)-1]); f != nil {
			t.Fatalf("%T decoded from short buffer", tc.in)
		}
	}
}

func TestRawRoundTripAndShortLength(t *testing.T) {
	testlog.Start(t)
	buf := AppendInit(nil, Raw{Data: []byte("wrong magic")})
	out, n := DecodeInit(buf)
	if n != len(buf) {
		t.Fatalf("raw consumed: got=%d want=%d", n, len(buf))
	}
	if raw, ok := out.(Raw); !ok || string(raw.Data) != "wrong magic" {
		t.Fatalf("unexpected raw: %#v", out)
	}

	// a declared length beyond the available bytes yields what is present
	out, n = DecodeInit(buf[:RawPrefixLen+5])
	if raw, ok := out.(Raw); !ok || string(raw.Data) != "wrong" || n != RawPrefixLen+5 {
		t.Fatalf("unexpected truncated raw: %#v n=%d", out, n)
	}
	if f, _ := DecodeInit(buf[:2]); f != nil {
		t.Fatalf("raw decoded without full prefix")
	}
}

func TestUnknownInitTagDecodesAsRaw(t *testing.T) {
	testlog.Start(t)
	in := []byte("GET / HTTP/1.1\r\n")
	out, n := DecodeInit(in)
	if n != len(in) {
		t.Fatalf("consumed: got=%d want=%d", n, len(in))
	}
	raw, ok := out.(Raw)
	if !ok || string(raw.Data) != string(in) {
		t.Fatalf("unexpected frame: %#v", out)
	}
}

func TestBufferNextInitLeavesSessionBytes(t *testing.T) {
	testlog.Start(t)
	wire := AppendInit(nil, Init{Pid: protocol.NewPid()})
	wire, _ = Append(wire, OpenStream{Sid: 4, Prio: 1})

	var b Buffer
	b.Write(wire)
	f, ok := b.NextInit()
	if !ok {
		t.Fatalf("expected init frame")
	}
	if _, isInit := f.(Init); !isInit {
		t.Fatalf("unexpected init frame: %#v", f)
	}
	next, err := b.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if os, ok := next.(OpenStream); !ok || os.Sid != 4 {
		t.Fatalf("unexpected session frame: %#v", next)
	}
}
