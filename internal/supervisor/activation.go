package supervisor

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/loykin/devtasks/internal/task"
)

const defaultBacklog = 128

// Sockets are listening sockets created ahead of spawn and inherited by the
// child as fds 3, 4, ... (socket activation).
type Sockets struct {
	files []*os.File
	names []string
	paths []string
}

// OpenSockets creates every listen socket of a process.
func OpenSockets(specs []task.Listen) (*Sockets, error) {
	s := &Sockets{}
	for _, l := range specs {
		f, err := openSocket(l)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("listen %q: %w", l.Name, err)
		}
		s.files = append(s.files, f)
		s.names = append(s.names, l.Name)
		if l.Kind == task.ListenUnixStream {
			s.paths = append(s.paths, l.Path)
		}
	}
	return s, nil
}

func openSocket(l task.Listen) (*os.File, error) {
	backlog := l.Backlog
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	switch l.Kind {
	case task.ListenTCP:
		addr, err := net.ResolveTCPAddr("tcp", l.Address)
		if err != nil {
			return nil, err
		}
		family, sa := unix.AF_INET, unix.Sockaddr(nil)
		if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
			in := &unix.SockaddrInet4{Port: addr.Port}
			if ip4 != nil {
				copy(in.Addr[:], ip4)
			}
			sa = in
		} else {
			family = unix.AF_INET6
			in := &unix.SockaddrInet6{Port: addr.Port}
			copy(in.Addr[:], addr.IP.To16())
			sa = in
		}
		return bindListen(family, sa, backlog, l.Name, func(fd int) error {
			return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
	case task.ListenUnixStream:
		if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
			return nil, err
		}
		_ = os.Remove(l.Path)
		f, err := bindListen(unix.AF_UNIX, &unix.SockaddrUnix{Name: l.Path}, backlog, l.Name, nil)
		if err != nil {
			return nil, err
		}
		if l.Mode != 0 {
			if err := os.Chmod(l.Path, os.FileMode(l.Mode)); err != nil {
				_ = f.Close()
				return nil, err
			}
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported listen kind %d", l.Kind)
	}
}

func bindListen(family int, sa unix.Sockaddr, backlog int, name string, setup func(fd int) error) (*os.File, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(fd)
	fail := func(err error) (*os.File, error) {
		_ = unix.Close(fd)
		return nil, err
	}
	if setup != nil {
		if err := setup(fd); err != nil {
			return fail(err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail(err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail(err)
	}
	return os.NewFile(uintptr(fd), name), nil
}

// Files are passed to the child in order as fds 3, 4, ...
func (s *Sockets) Files() []*os.File {
	if s == nil {
		return nil
	}
	return s.files
}

// Env returns LISTEN_FDS and LISTEN_FDNAMES; LISTEN_PID is set by the
// spawn wrapper once the child pid is known.
func (s *Sockets) Env() []string {
	if s == nil || len(s.files) == 0 {
		return nil
	}
	return []string{
		"LISTEN_FDS=" + strconv.Itoa(len(s.files)),
		"LISTEN_FDNAMES=" + strings.Join(s.names, ":"),
	}
}

func (s *Sockets) Close() error {
	if s == nil {
		return nil
	}
	var first error
	for _, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, p := range s.paths {
		_ = os.Remove(p)
	}
	s.files = nil
	return first
}
