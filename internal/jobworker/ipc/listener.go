package ipc

import "net"

// Listener wraps a *net.UnixListener, handing back framed, fd-carrying
// Conns instead of raw net.Conns.
type Listener struct {
	uln *net.UnixListener
}

// NewListener wraps uln.
func NewListener(uln *net.UnixListener) *Listener {
	return &Listener{uln: uln}
}

// Accept blocks for the next incoming connection.
func (l *Listener) Accept() (*Conn, error) {
	uc, err := l.uln.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return NewConn(uc), nil
}

// Close closes the underlying listener.
func (l *Listener) Close() error {
	return l.uln.Close()
}
