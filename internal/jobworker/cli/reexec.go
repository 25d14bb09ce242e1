package cli

import (
	"context"
	"os"

	"github.com/tjper/overseerd/internal/jobworker/reexec"
	"github.com/tjper/overseerd/internal/log"
)

var logger = log.New(os.Stdout, "cli")

func runReexec(ctx context.Context) int {
	exitCode, err := reexec.Exec(ctx)
	if err != nil {
		logger.Errorf("reexec; error: %s", err)
	}
	return exitCode
}
