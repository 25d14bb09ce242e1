// Package bootstrap creates and locks the per-uid control-socket
// directory and binds the control socket itself (spec §4.8/§6).
package bootstrap

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrAnotherInstance indicates the per-uid directory is already flocked
// by a live supervisor; the caller should exit successfully (spec §6:
// "if contested, the second instance exits successfully").
var ErrAnotherInstance = fmt.Errorf("another supervisor instance owns this uid")

// dirMode/prefixMode/socketUmask match spec §6 exactly.
const (
	prefixMode  os.FileMode = 0755
	dirMode     os.FileMode = 0700
	socketUmask             = 0077
)

// Listen creates prefix (0755) and prefix/<uid> (0700), flocks the uid
// directory (LOCK_EX|LOCK_NB), and binds a Unix stream socket at
// prefix/<uid>/sock under a 0077 umask, restoring the prior umask
// immediately after bind. release must be called when the supervisor
// shuts down to drop the flock and remove the socket.
func Listen(prefix string) (lis *net.UnixListener, release func(), err error) {
	if err := os.MkdirAll(prefix, prefixMode); err != nil {
		return nil, nil, fmt.Errorf("create prefix %q: %w", prefix, err)
	}

	uidDir := filepath.Join(prefix, strconv.Itoa(os.Getuid()))
	if err := os.MkdirAll(uidDir, dirMode); err != nil {
		return nil, nil, fmt.Errorf("create uid directory %q: %w", uidDir, err)
	}

	lockFile, err := os.Open(uidDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open uid directory %q: %w", uidDir, err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFile.Close()
		if err == unix.EWOULDBLOCK {
			return nil, nil, ErrAnotherInstance
		}
		return nil, nil, fmt.Errorf("flock %q: %w", uidDir, err)
	}

	sockPath := filepath.Join(uidDir, "sock")
	os.Remove(sockPath)

	prevUmask := unix.Umask(socketUmask)
	lis, err = net.ListenUnix("unix", &net.UnixAddr{Name: sockPath, Net: "unix"})
	unix.Umask(prevUmask)
	if err != nil {
		lockFile.Close()
		return nil, nil, fmt.Errorf("listen %q: %w", sockPath, err)
	}

	release = func() {
		lis.Close()
		os.Remove(sockPath)
		unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
	}
	return lis, release, nil
}
