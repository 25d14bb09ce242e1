// Command overseerd supervises per-user/per-host declared services.
package main

import (
	"os"

	"github.com/tjper/overseerd/internal/jobworker/cli"
)

func main() {
	os.Exit(cli.Run())
}
