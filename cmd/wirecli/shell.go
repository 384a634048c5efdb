package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/danmuck/gamewire/internal/client"
	"github.com/danmuck/gamewire/internal/config"
	"github.com/danmuck/gamewire/internal/conn"
	"github.com/danmuck/gamewire/internal/protocol"
)

var errQuit = errors.New("quit")

// shutdownReplyTimeout bounds the answer to a server Shutdown.
const shutdownReplyTimeout = 5 * time.Second

type command struct {
	usage string
	run   func(ctx context.Context, s *shell, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"send":     {"send <stream> <text...>", cmdSend},
		"open":     {"open <stream> <prio> [promises] [guaranteed_bandwidth]", cmdOpen},
		"close":    {"close <stream>", cmdClose},
		"streams":  {"streams", cmdStreams},
		"stats":    {"stats", cmdStats},
		"shutdown": {"shutdown", cmdShutdown},
		"quit":     {"quit", cmdQuit},
		"help":     {"help", cmdHelp},
	}
}

func newCompleter() *readline.PrefixCompleter {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	items := make([]readline.PrefixCompleterInterface, 0, len(names))
	for _, name := range names {
		items = append(items, readline.PcItem(name))
	}
	return readline.NewPrefixCompleter(items...)
}

// shell owns one connection at a time and reconnects when it is lost.
type shell struct {
	client *client.Client
	specs  []config.StreamSpec
	out    io.Writer

	mu      sync.Mutex
	cn      *conn.Conn
	streams map[string]protocol.Sid
	names   map[protocol.Sid]string
}

func newShell(c *client.Client, specs []config.StreamSpec, out io.Writer) *shell {
	return &shell{client: c, specs: specs, out: out}
}

// connect dials, reopens every known stream and starts printing events.
func (s *shell) connect(ctx context.Context) error {
	cn, err := s.client.Connect(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cn = cn
	s.streams = make(map[string]protocol.Sid, len(s.specs))
	s.names = make(map[protocol.Sid]string, len(s.specs))
	specs := append([]config.StreamSpec(nil), s.specs...)
	s.mu.Unlock()

	for _, spec := range specs {
		if err := s.open(ctx, spec); err != nil {
			cn.Close()
			return err
		}
	}
	go s.print(cn)
	fmt.Fprintf(s.out, "connected server=%s streams=%d\n", cn.Handshake().RemotePid, len(specs))
	return nil
}

func (s *shell) open(ctx context.Context, spec config.StreamSpec) error {
	cn := s.conn()
	sid, err := cn.OpenStream(ctx, spec.Prio, spec.Promises, spec.GuaranteedBandwidth)
	if err != nil {
		return fmt.Errorf("open %s: %w", spec.Name, err)
	}
	s.mu.Lock()
	s.streams[spec.Name] = sid
	s.names[sid] = spec.Name
	s.mu.Unlock()
	return nil
}

func (s *shell) conn() *conn.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cn
}

func (s *shell) streamName(sid protocol.Sid) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.names[sid]; ok {
		return name
	}
	return strconv.FormatUint(uint64(sid), 10)
}

func (s *shell) print(cn *conn.Conn) {
	for ev := range cn.Events() {
		switch ev := ev.(type) {
		case protocol.Message:
			fmt.Fprintf(s.out, "[%s] %s\n", s.streamName(ev.Sid), ev.Data)
		case protocol.OpenStream:
			fmt.Fprintf(s.out, "server opened stream %d prio=%d promises=%s\n", ev.Sid, ev.Prio, ev.Promises)
		case protocol.CloseStream:
			fmt.Fprintf(s.out, "server closed stream %d\n", ev.Sid)
		case protocol.Shutdown:
			fmt.Fprintln(s.out, "server shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownReplyTimeout)
			if err := cn.Shutdown(ctx); err != nil {
				fmt.Fprintf(s.out, "shutdown reply: %v\n", err)
			}
			cancel()
		}
	}
}

// ensure reconnects when the current connection has ended.
func (s *shell) ensure(ctx context.Context) error {
	cn := s.conn()
	if cn != nil {
		select {
		case <-cn.Done():
		default:
			return nil
		}
		fmt.Fprintf(s.out, "connection lost: %v, reconnecting\n", cn.Err())
	}
	return s.connect(ctx)
}

func (s *shell) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, ok := commands[fields[0]]
	if !ok {
		return fmt.Errorf("unknown command %q, try help", fields[0])
	}
	if fields[0] != "quit" && fields[0] != "help" {
		if err := s.ensure(ctx); err != nil {
			return err
		}
	}
	return cmd.run(ctx, s, fields[1:])
}

func (s *shell) lookup(name string) (protocol.Sid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid, ok := s.streams[name]
	if !ok {
		return 0, fmt.Errorf("no stream %q", name)
	}
	return sid, nil
}

func cmdSend(ctx context.Context, s *shell, args []string) error {
	if len(args) < 2 {
		return errors.New(commands["send"].usage)
	}
	sid, err := s.lookup(args[0])
	if err != nil {
		return err
	}
	return s.conn().SendMessage(ctx, sid, []byte(strings.Join(args[1:], " ")))
}

func cmdOpen(ctx context.Context, s *shell, args []string) error {
	if len(args) < 2 {
		return errors.New(commands["open"].usage)
	}
	if _, err := s.lookup(args[0]); err == nil {
		return fmt.Errorf("stream %q already open", args[0])
	}
	entry := config.StreamConfig{Name: args[0]}
	prio, err := strconv.ParseUint(args[1], 10, 8)
	if err != nil {
		return fmt.Errorf("prio: %w", err)
	}
	entry.Prio = uint8(prio)
	if len(args) > 2 {
		entry.Promises = args[2]
	}
	if len(args) > 3 {
		if entry.GuaranteedBandwidth, err = strconv.ParseUint(args[3], 10, 64); err != nil {
			return fmt.Errorf("guaranteed_bandwidth: %w", err)
		}
	}
	spec, err := entry.Spec()
	if err != nil {
		return err
	}
	if err := s.open(ctx, spec); err != nil {
		return err
	}
	s.mu.Lock()
	s.specs = append(s.specs, spec)
	s.mu.Unlock()
	return nil
}

func cmdClose(ctx context.Context, s *shell, args []string) error {
	if len(args) != 1 {
		return errors.New(commands["close"].usage)
	}
	sid, err := s.lookup(args[0])
	if err != nil {
		return err
	}
	if err := s.conn().CloseStream(ctx, sid); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.streams, args[0])
	kept := s.specs[:0]
	for _, spec := range s.specs {
		if spec.Name != args[0] {
			kept = append(kept, spec)
		}
	}
	s.specs = kept
	s.mu.Unlock()
	return nil
}

func cmdStreams(_ context.Context, s *shell, _ []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, spec := range s.specs {
		fmt.Fprintf(s.out, "%-12s sid=%d prio=%d promises=%s guaranteed=%d\n",
			spec.Name, s.streams[spec.Name], spec.Prio, spec.Promises, spec.GuaranteedBandwidth)
	}
	return nil
}

func cmdStats(_ context.Context, s *shell, _ []string) error {
	cn := s.conn()
	snap := cn.Metrics().FrameSnapshot()
	fmt.Fprintf(s.out, "up=%s data_out=%d data_in=%d\n",
		time.Since(cn.Started()).Truncate(time.Millisecond), snap.DataBytesOut, snap.DataBytesIn)
	kinds := make([]string, 0, len(snap.Out))
	for kind := range snap.Out {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		fmt.Fprintf(s.out, "  out %-12s %d\n", kind, snap.Out[kind])
	}
	return nil
}

func cmdShutdown(ctx context.Context, s *shell, _ []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.conn().Shutdown(ctx); err != nil {
		return err
	}
	return errQuit
}

func cmdQuit(context.Context, *shell, []string) error {
	return errQuit
}

func cmdHelp(_ context.Context, s *shell, _ []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(s.out, "  %s\n", commands[name].usage)
	}
	return nil
}

// Close aborts the current connection.
func (s *shell) Close() {
	if cn := s.conn(); cn != nil {
		cn.Close()
	}
}
