// Command cbwdemo wires the block-copy engine, the copy-before-write
// filter, a backup job and the replication state machine together over
// in-memory nodes, to exercise the whole stack end to end without a real
// disk. It is not a management interface for a running backup system;
// see backupjob.Job and replication.State for the pieces a real frontend
// would drive.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/blockbackup/cbw/backupjob"
	"github.com/blockbackup/cbw/node"
	"github.com/blockbackup/cbw/replication"
)

func main() {
	size := flag.Int64("size", 16<<20, "size in bytes of the demo source disk")
	cluster := flag.Int64("cluster", 64<<10, "backup cluster size in bytes")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	runBackupDemo(*size, *cluster)
	runReplicationDemo(*size, *cluster)
}

func runBackupDemo(size, cluster int64) {
	logger := slog.With("demo", "backup")
	logger.Info("starting backup demo", "size", size, "cluster", cluster)

	source := node.NewMemNode(size, 4096)
	source.Fill(0x5A)
	target := node.NewMemNode(size, 4096)

	job, err := backupjob.Create(source, target,
		backupjob.WithSyncMode(backupjob.SyncFull),
		backupjob.WithClusterSize(uint64(cluster)),
	)
	if err != nil {
		logger.Error("create backup job", "err", err)
		os.Exit(1)
	}

	filter := job.Filter()

	guestWrite := make([]byte, 4096)
	for i := range guestWrite {
		guestWrite[i] = 0xEE
	}
	ctx := context.Background()
	if _, err := filter.PWriteAt(ctx, guestWrite, 0, 0); err != nil {
		logger.Error("guest write through filter", "err", err)
		os.Exit(1)
	}
	logger.Info("guest wrote through the CBW filter before the backup loop reached that cluster")

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := job.Run(runCtx); err != nil {
		logger.Error("run backup job", "err", err)
		os.Exit(1)
	}

	done, total := job.Progress()
	logger.Info("backup job finished", "done", done, "total", total)
}

func runReplicationDemo(size, cluster int64) {
	logger := slog.With("demo", "replication")
	logger.Info("starting replication demo", "size", size, "cluster", cluster)

	active := node.NewMemNode(size, 4096)
	hidden := node.NewMemNode(size, 4096)
	secondary := node.NewMemNode(size, 4096)
	secondary.Fill(0x3C)

	state, err := replication.New(replication.ModeSecondary, active, hidden, secondary,
		replication.WithSpeed(0))
	if err != nil {
		logger.Error("create replication state", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := state.Start(ctx); err != nil {
		logger.Error("start replication", "err", err)
		os.Exit(1)
	}
	logger.Info("replication running", "stage", state.Stage())

	if err := state.Checkpoint(ctx); err != nil {
		logger.Error("checkpoint replication", "err", err)
		os.Exit(1)
	}
	logger.Info("checkpointed replication")

	failoverCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := state.Failover(failoverCtx); err != nil {
		logger.Error("fail over replication", "err", err)
		os.Exit(1)
	}
	logger.Info("failover complete", "stage", state.Stage())
}
