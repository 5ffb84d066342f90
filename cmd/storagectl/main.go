// Command storagectl drives a diskmedium.DiskMedium against a real file
// from the command line, exercising the storage core's end-to-end
// scenarios by hand: create, write+commit, read, rollback, inspect.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/openhistorian/storage-core/cmd/storagectl/root"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := root.NewCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("storagectl: command failed")
		os.Exit(1)
	}
}
