package supervisor

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// MessageKind tags an sd_notify style message.
type MessageKind int

const (
	MsgUnknown MessageKind = iota
	MsgReady
	MsgStopping
	MsgReloading
	MsgWatchdog
	MsgWatchdogTrigger
	MsgExtendTimeout
	MsgStatus
)

// Message is one line received on the notify socket.
type Message struct {
	Kind MessageKind
	// Usec is set for EXTEND_TIMEOUT_USEC.
	Usec uint64
	// Text is the STATUS= value, or the raw line for unknown messages.
	Text string
}

// ParseNotify splits a datagram into messages, one per non-empty line.
func ParseNotify(data string) []Message {
	var msgs []Message
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			msgs = append(msgs, Message{Kind: MsgUnknown, Text: line})
			continue
		}
		m := Message{Kind: MsgUnknown, Text: line}
		switch {
		case key == "READY" && value == "1":
			m = Message{Kind: MsgReady}
		case key == "STOPPING" && value == "1":
			m = Message{Kind: MsgStopping}
		case key == "RELOADING" && value == "1":
			m = Message{Kind: MsgReloading}
		case key == "WATCHDOG" && value == "1":
			m = Message{Kind: MsgWatchdog}
		case key == "WATCHDOG" && value == "trigger":
			m = Message{Kind: MsgWatchdogTrigger}
		case key == "EXTEND_TIMEOUT_USEC":
			if usec, err := strconv.ParseUint(value, 10, 64); err == nil {
				m = Message{Kind: MsgExtendTimeout, Usec: usec}
			}
		case key == "STATUS":
			m = Message{Kind: MsgStatus, Text: value}
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// NotifySocket is a unixgram socket a child reports readiness and
// watchdog pings on through NOTIFY_SOCKET.
type NotifySocket struct {
	conn *net.UnixConn
	path string
	done chan struct{}
	once sync.Once
	C    <-chan []Message
}

// ListenNotify binds dir/<name>.sock, replacing a stale socket file.
func ListenNotify(dir, name string) (*NotifySocket, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create notify dir: %w", err)
	}
	path := filepath.Join(dir, sanitize(name)+".sock")
	_ = os.Remove(path)
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("bind notify socket %s: %w", path, err)
	}
	ch := make(chan []Message, 16)
	s := &NotifySocket{conn: conn, path: path, done: make(chan struct{}), C: ch}
	go func() {
		defer close(ch)
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if msgs := ParseNotify(string(buf[:n])); len(msgs) > 0 {
				select {
				case ch <- msgs:
				case <-s.done:
					return
				}
			}
		}
	}()
	return s, nil
}

func (s *NotifySocket) Path() string { return s.path }

func (s *NotifySocket) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
		_ = os.Remove(s.path)
	})
	return err
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == ':' || r == ' ' {
			return '_'
		}
		return r
	}, name)
}
