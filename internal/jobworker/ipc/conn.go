package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// maxFrame bounds a single frame's JSON payload, guarding against a
// misbehaving peer requesting an unbounded allocation.
const maxFrame = 1 << 20

// maxAncillaryFDs bounds the number of descriptors accepted in a single
// frame's ancillary data.
const maxAncillaryFDs = 16

// NewConn wraps uc as a framed, fd-carrying IPC connection (spec §3's
// "Connection record"). job stays nil unless the connection is a job's
// trusted channel, which the supervisor marks with SetJob at spawn time.
func NewConn(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc}
}

// Conn is one client IPC session: the underlying stream plus the
// optional job back-pointer set only once this connection is a job's
// trusted channel (spec §3).
type Conn struct {
	uc *net.UnixConn

	mutex sync.Mutex
	// job is stored as an opaque value to avoid an import cycle with the
	// job package; the supervisor wires the concrete *job.Job in with SetJob.
	job interface{}
}

// Job retrieves the connection's associated job, if any.
func (c *Conn) Job() interface{} {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.job
}

// SetJob associates j with this connection, marking it as j's trusted
// channel.
func (c *Conn) SetJob(j interface{}) {
	c.mutex.Lock()
	c.job = j
	c.mutex.Unlock()
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.uc.Close()
}

// File returns the *os.File backing this connection's socket, suitable
// for handing to job.Job as its supervisor-side trusted descriptor
// counterpart. The caller takes ownership of the returned file; it holds
// a duplicate of c's descriptor, so closing one does not close the other.
func (c *Conn) File() (*os.File, error) {
	return c.uc.File()
}

// WriteMessage frames v, attaching fds as ancillary data, and writes the
// frame to the peer (spec §6's wire format).
func (c *Conn) WriteMessage(v Value, fds []int) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(payload) > maxFrame {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	buf := append(header, payload...)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	rawConn, err := c.uc.SyscallConn()
	if err != nil {
		return fmt.Errorf("raw conn: %w", err)
	}

	var sendErr error
	ctrlErr := rawConn.Write(func(fd uintptr) bool {
		sendErr = unix.Sendmsg(int(fd), buf, oob, nil, 0)
		return sendErr != unix.EAGAIN
	})
	if ctrlErr != nil {
		return fmt.Errorf("write frame: %w", ctrlErr)
	}
	return sendErr
}

// ReadMessage reads one frame from the peer, returning the decoded
// Value and any file descriptors that rode alongside it as ancillary
// data. Descriptors referenced by a KindFD leaf in the returned Value
// are at fds[leaf.FDIndex]; the caller owns them.
func (c *Conn) ReadMessage() (Value, []*os.File, error) {
	header, _, err := c.readFull(4)
	if err != nil {
		return Value{}, nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxFrame {
		return Value{}, nil, fmt.Errorf("frame too large: %d bytes", n)
	}

	payload, fds, err := c.readFull(int(n))
	if err != nil {
		return Value{}, nil, err
	}

	var v Value
	if err := json.Unmarshal(payload, &v); err != nil {
		closeAll(fds)
		return Value{}, nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return v, fds, nil
}

// readFull reads exactly n bytes from the connection's raw fd via
// Recvmsg, collecting any ancillary file descriptors the kernel
// delivers alongside the data.
func (c *Conn) readFull(n int) ([]byte, []*os.File, error) {
	buf := make([]byte, n)
	oob := make([]byte, unix.CmsgSpace(maxAncillaryFDs*4))

	rawConn, err := c.uc.SyscallConn()
	if err != nil {
		return nil, nil, fmt.Errorf("raw conn: %w", err)
	}

	read := 0
	var fds []*os.File
	for read < n {
		var rn, oobn int
		var recvErr error
		ctrlErr := rawConn.Read(func(fd uintptr) bool {
			rn, oobn, _, _, recvErr = unix.Recvmsg(int(fd), buf[read:], oob, 0)
			return recvErr != unix.EAGAIN
		})
		if ctrlErr != nil {
			return nil, nil, fmt.Errorf("read frame: %w", ctrlErr)
		}
		if recvErr != nil {
			return nil, nil, recvErr
		}
		if rn == 0 {
			return nil, nil, fmt.Errorf("peer closed connection")
		}
		if oobn > 0 {
			fds, err = parseRights(oob[:oobn])
			if err != nil {
				return nil, nil, err
			}
		}
		read += rn
	}
	return buf, fds, nil
}

// parseRights extracts the file descriptors carried in a SCM_RIGHTS
// control message.
func parseRights(oob []byte) ([]*os.File, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var files []*os.File
	for _, msg := range msgs {
		rights, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		for _, fd := range rights {
			files = append(files, os.NewFile(uintptr(fd), "ipc-ancillary"))
		}
	}
	return files, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
