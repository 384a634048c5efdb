package session

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// InitDrain sends init frames. SendProtocol implements it.
type InitDrain interface {
	SendInit(ctx context.Context, f frame.InitFrame) error
}

// InitSink receives init frames. RecvProtocol implements it.
type InitSink interface {
	RecvInit(ctx context.Context) (frame.InitFrame, error)
}

type InitErrorKind int

const (
	InitWrongMagic InitErrorKind = iota + 1
	InitWrongVersion
	InitNotHandshake
	InitNotInit
	InitOffsetConflict
)

func (k InitErrorKind) String() string {
	switch k {
	case InitWrongMagic:
		return "wrong_magic"
	case InitWrongVersion:
		return "wrong_version"
	case InitNotHandshake:
		return "not_handshake"
	case InitNotInit:
		return "not_init"
	case InitOffsetConflict:
		return "offset_conflict"
	default:
		return "unknown"
	}
}

// InitError is a fatal handshake failure. It matches protocol.ErrViolated.
type InitError struct {
	Kind    InitErrorKind
	Magic   [7]byte
	Version [3]uint32
	// Raw holds diagnostic text the peer sent instead of the expected frame.
	Raw string
}

func (e *InitError) Error() string {
	switch e.Kind {
	case InitWrongMagic:
		return fmt.Sprintf("session: handshake wrong magic %q", e.Magic[:])
	case InitWrongVersion:
		return fmt.Sprintf("session: handshake wrong version %v, local %v", e.Version, protocol.NetworkVersion)
	default:
		if e.Raw != "" {
			return fmt.Sprintf("session: handshake %s: peer said %q", e.Kind, e.Raw)
		}
		return fmt.Sprintf("session: handshake %s", e.Kind)
	}
}

func (e *InitError) Unwrap() error {
	return protocol.ErrViolated
}

// Local is this side's identity for Initialize.
type Local struct {
	Pid         protocol.Pid
	Secret      protocol.Secret
	Initializer bool
	// Diagnostics sends a Raw text frame before failing on a bad handshake.
	Diagnostics bool
}

// Handshake is the outcome of a successful Initialize.
type Handshake struct {
	RemotePid    protocol.Pid
	RemoteSecret protocol.Secret
	LocalOffset  protocol.Sid
	RemoteOffset protocol.Sid
}

const (
	wrongMagicText   = "handshake does not carry the expected magic number, closing the connection"
	wrongVersionText = "handshake carries the expected magic number but an incompatible version"
)

// Initialize runs the pre-session exchange. The initializer sends Handshake,
// the responder validates it and answers with Handshake, the initializer then
// sends Init and the responder answers with Init. Bound it with ctx.
func Initialize(ctx context.Context, drain InitDrain, sink InitSink, local Local) (Handshake, error) {
	localOffset := protocol.StreamIDOffset1
	if !local.Initializer {
		localOffset = protocol.StreamIDOffset2
	}
	hello := frame.Handshake{Magic: protocol.MagicNumber, Version: protocol.NetworkVersion}
	ident := frame.Init{Pid: local.Pid, StreamIDOffset: localOffset, Secret: local.Secret}

	if local.Initializer {
		if err := drain.SendInit(ctx, hello); err != nil {
			return Handshake{}, err
		}
	}

	f, err := sink.RecvInit(ctx)
	if err != nil {
		return Handshake{}, err
	}
	switch f := f.(type) {
	case frame.Handshake:
		if f.Magic != protocol.MagicNumber {
			log.Error().Bytes("magic", f.Magic[:]).Msg("session.Initialize invalid magic")
			diagnose(ctx, drain, local.Diagnostics, wrongMagicText)
			return Handshake{}, &InitError{Kind: InitWrongMagic, Magic: f.Magic}
		}
		if !protocol.VersionCompatible(f.Version, protocol.NetworkVersion) {
			log.Error().Interface("version", f.Version).Msg("session.Initialize wrong version")
			diagnose(ctx, drain, local.Diagnostics, fmt.Sprintf("%s local=%v remote=%v", wrongVersionText, protocol.NetworkVersion, f.Version))
			return Handshake{}, &InitError{Kind: InitWrongVersion, Magic: f.Magic, Version: f.Version}
		}
		next := frame.InitFrame(hello)
		if local.Initializer {
			next = ident
		}
		if err := drain.SendInit(ctx, next); err != nil {
			return Handshake{}, err
		}
	case frame.Raw:
		text := rawText(f)
		log.Error().Str("raw", text).Msg("session.Initialize peer sent raw diagnostics")
		return Handshake{}, &InitError{Kind: InitNotHandshake, Raw: text}
	default:
		return Handshake{}, &InitError{Kind: InitNotHandshake}
	}

	f, err = sink.RecvInit(ctx)
	if err != nil {
		return Handshake{}, err
	}
	switch f := f.(type) {
	case frame.Init:
		if f.StreamIDOffset == localOffset {
			return Handshake{}, &InitError{Kind: InitOffsetConflict}
		}
		if !local.Initializer {
			if err := drain.SendInit(ctx, ident); err != nil {
				return Handshake{}, err
			}
		}
		log.Debug().
			Str("remote_pid", f.Pid.String()).
			Bool("initializer", local.Initializer).
			Msg("session.Initialize completed")
		return Handshake{
			RemotePid:    f.Pid,
			RemoteSecret: f.Secret,
			LocalOffset:  localOffset,
			RemoteOffset: f.StreamIDOffset,
		}, nil
	case frame.Raw:
		text := rawText(f)
		log.Error().Str("raw", text).Msg("session.Initialize peer sent raw diagnostics")
		return Handshake{}, &InitError{Kind: InitNotInit, Raw: text}
	default:
		return Handshake{}, &InitError{Kind: InitNotInit}
	}
}

func diagnose(ctx context.Context, drain InitDrain, enabled bool, text string) {
	if !enabled {
		return
	}
	if err := drain.SendInit(ctx, frame.Raw{Data: []byte(text)}); err != nil {
		log.Debug().Err(err).Msg("session.Initialize diagnostics not delivered")
	}
}

func rawText(f frame.Raw) string {
	if utf8.Valid(f.Data) {
		return string(f.Data)
	}
	return fmt.Sprintf("%x", f.Data)
}
