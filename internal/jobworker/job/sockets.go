package job

import (
	"fmt"
	"net"
	"os"
)

// listenFile opens the listening socket described by spec and returns its
// backing *os.File, suitable for inclusion in a spawned grandchild's
// ExtraFiles. The supervisor owns the listener until spawn time (spec
// §4.6): the net.Listener itself is closed before returning, and the
// returned *os.File is the only remaining handle on the socket. A unix
// socket's path is left in place when that listener is closed.
func listenFile(spec SocketSpec) (*os.File, error) {
	switch spec.Network {
	case "unix":
		l, err := net.Listen("unix", spec.Address)
		if err != nil {
			return nil, fmt.Errorf("listen unix %q: %w", spec.Address, err)
		}
		if ul, ok := l.(*net.UnixListener); ok {
			ul.SetUnlinkOnClose(false)
		}
		return fileFromListener(l)
	case "tcp", "tcp4", "tcp6":
		l, err := net.Listen(spec.Network, spec.Address)
		if err != nil {
			return nil, fmt.Errorf("listen %s %q: %w", spec.Network, spec.Address, err)
		}
		return fileFromListener(l)
	default:
		return nil, fmt.Errorf("unsupported socket network %q", spec.Network)
	}
}

// fileFromListener extracts a dup'd *os.File from a net.Listener and
// closes the original listener, leaving the file as the sole owner of
// the underlying descriptor.
func fileFromListener(l net.Listener) (*os.File, error) {
	type filer interface {
		File() (*os.File, error)
	}
	fl, ok := l.(filer)
	if !ok {
		l.Close()
		return nil, fmt.Errorf("listener does not support file extraction")
	}
	f, err := fl.File()
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("extract listener file: %w", err)
	}
	l.Close()
	return f, nil
}
