// Package configload reads the supervisor's declarative job config and
// submits each entry over an IPC connection (spec §4.9/§6). It is the
// companion `cmd/overseerctl` process's core: a newline-delimited JSON
// stream of job.Descriptor values, each becoming a framed SUBMIT_JOB
// request.
package configload

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/tjper/overseerd/internal/jobworker"
	"github.com/tjper/overseerd/internal/jobworker/ipc"
	"github.com/tjper/overseerd/internal/jobworker/job"
	"github.com/tjper/overseerd/internal/log"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "configload")

// DefaultPath returns the config file path for this process: the
// system-wide file for the init instance, else a per-user dotfile
// (spec §4.9).
func DefaultPath(isInit bool) string {
	if isInit {
		return "/etc/overseerd.conf"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".overseerd.conf"
	}
	return home + "/.overseerd.conf"
}

// Stream reads newline-delimited JSON job.Descriptor values from r and
// submits each over conn as a framed SUBMIT_JOB request, logging (but
// not aborting on) a response other than SUCCESS/JOBEXISTS. It returns
// when r is exhausted or ctx is canceled.
func Stream(ctx context.Context, r io.Reader, conn *ipc.Conn) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var d job.Descriptor
		if err := json.Unmarshal(line, &d); err != nil {
			logger.Warnf("decode config line; error: %s", err)
			continue
		}

		if err := submit(conn, d); err != nil {
			return fmt.Errorf("submit job %q: %w", d.Label, err)
		}
	}
	return scanner.Err()
}

func submit(conn *ipc.Conn, d job.Descriptor) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	req := ipc.Dict(map[string]ipc.Value{jobworker.CmdSubmitJob: ipc.Opaque(b)})
	if err := conn.WriteMessage(req, nil); err != nil {
		return err
	}

	resp, fds, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	for _, f := range fds {
		f.Close()
	}

	if s, err := resp.AsString(); err == nil {
		switch s {
		case jobworker.RespSuccess, jobworker.RespJobExists:
		default:
			logger.Warnf("submit job; label: %s, response: %s", d.Label, s)
		}
	}
	return nil
}
