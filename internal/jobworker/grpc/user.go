package grpc

import (
	"context"
	"net"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

// peerAuthInfo carries the admin API caller's uid, resolved from the
// unix-domain socket's SO_PEERCRED rather than a client certificate: the
// admin socket is filesystem-permission-gated the same way the job
// control socket is (spec Non-goal: no crypto-based authentication), so
// the kernel's own peer-credential accounting is the trust boundary.
type peerAuthInfo struct {
	UID uint32
	GID uint32
}

func (peerAuthInfo) AuthType() string { return "so_peercred" }

// ucredConn remembers the credentials captured at Accept time; UnixConn
// offers no later way to recover them once wrapped by grpc's transport.
type ucredConn struct {
	net.Conn
	cred *unix.Ucred
}

// ucredListener wraps a unix listener, attaching SO_PEERCRED to each
// accepted connection.
type ucredListener struct {
	*net.UnixListener
}

// NewPeerCredListener wraps uln so accepted connections carry their
// peer's uid/gid for PeerCredentials to expose as AuthInfo.
func NewPeerCredListener(uln *net.UnixListener) net.Listener {
	return &ucredListener{UnixListener: uln}
}

func (l *ucredListener) Accept() (net.Conn, error) {
	uc, err := l.UnixListener.AcceptUnix()
	if err != nil {
		return nil, err
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return uc, nil
	}
	var cred *unix.Ucred
	raw.Control(func(fd uintptr) {
		cred, _ = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	return &ucredConn{Conn: uc, cred: cred}, nil
}

// PeerCredentials implements credentials.TransportCredentials by reading
// the SO_PEERCRED captured at accept time instead of performing a TLS
// handshake.
type PeerCredentials struct{}

func (PeerCredentials) ClientHandshake(_ context.Context, _ string, conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	return conn, peerAuthInfo{}, nil
}

func (PeerCredentials) ServerHandshake(conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	uc, ok := conn.(*ucredConn)
	if !ok || uc.cred == nil {
		return conn, peerAuthInfo{}, nil
	}
	return conn, peerAuthInfo{UID: uint32(uc.cred.Uid), GID: uint32(uc.cred.Gid)}, nil
}

func (PeerCredentials) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{SecurityProtocol: "so_peercred"}
}

func (PeerCredentials) Clone() credentials.TransportCredentials { return PeerCredentials{} }

func (PeerCredentials) OverrideServerName(string) error { return nil }

// userFromContext extracts the calling uid from ctx, if the connection
// carried SO_PEERCRED information.
func userFromContext(ctx context.Context) (uid uint32, ok bool) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return 0, false
	}
	info, ok := p.AuthInfo.(peerAuthInfo)
	if !ok {
		return 0, false
	}
	return info.UID, true
}
