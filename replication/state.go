// Package replication implements the replication filter: the component
// that keeps a secondary disk consistent by copying each cluster the
// secondary is about to lose into a hidden disk before the write lands,
// and that can checkpoint, fail over to, or stop that arrangement.
//
// Ported from original_source/block/replication.c
// (replication_start/replication_do_checkpoint/replication_stop/
// secondary_do_checkpoint/backup_job_completed), composing backupjob.Job
// the way the original composes an internal backup_job_create call.
package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/blockbackup/cbw/backupjob"
	"github.com/blockbackup/cbw/node"
)

// State is one side of a replication pair.
type State struct {
	mu sync.Mutex

	mode  Mode
	stage Stage

	active, hidden, secondary node.Node
	speed                     uint64

	job       *backupjob.Job
	jobCancel context.CancelFunc
	err       error
}

// New constructs a State. For ModeSecondary, active, hidden and secondary
// must all report the same size, mirroring the length cross-check in
// replication_start.
func New(mode Mode, active, hidden, secondary node.Node, opts ...Option) (*State, error) {
	o := defaultStateOptions()
	for _, opt := range opts {
		opt(o)
	}

	if mode == ModeSecondary {
		if hidden == nil || secondary == nil {
			return nil, node.NewError("replication.New", node.KindBadArgument, false,
				fmt.Errorf("secondary mode requires a hidden disk and a secondary disk"))
		}
		if active.Size() != hidden.Size() || hidden.Size() != secondary.Size() {
			return nil, node.NewError("replication.New", node.KindBadArgument, false,
				fmt.Errorf("active, hidden and secondary disk lengths differ"))
		}
	}

	return &State{
		mode:      mode,
		stage:     StageNone,
		active:    active,
		hidden:    hidden,
		secondary: secondary,
		speed:     o.speed,
	}, nil
}

// Stage returns the current stage.
func (s *State) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Start implements replication_start: on the primary side it just marks
// the pair running; on the secondary side it launches a sync=none backup
// job from secondary to hidden and runs an initial checkpoint.
func (s *State) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stage == StageDone || s.stage == StageFailover {
		s.mu.Unlock()
		return nil
	}
	if s.stage != StageNone {
		s.mu.Unlock()
		return node.NewError("replication.Start", node.KindBusy, false,
			fmt.Errorf("replication is running or done"))
	}

	if s.mode == ModeSecondary {
		job, err := backupjob.Create(s.secondary, s.hidden,
			backupjob.WithSyncMode(backupjob.SyncNone),
			backupjob.WithSpeed(s.speed),
			backupjob.WithClusterSize(uint64(s.secondary.NaturalGranularity())),
			backupjob.WithErrorActions(backupjob.ErrorReport, backupjob.ErrorReport),
		)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.job = job
		jobCtx, cancel := context.WithCancel(context.Background())
		s.jobCancel = cancel
		go func() {
			err := job.Run(jobCtx)
			s.mu.Lock()
			if s.stage != StageFailover && err != nil {
				s.err = err
			}
			s.mu.Unlock()
		}()
	}

	s.stage = StageRunning
	s.mu.Unlock()

	if s.mode == ModeSecondary {
		return s.secondaryCheckpoint(ctx)
	}
	return nil
}

// secondaryCheckpoint implements secondary_do_checkpoint: it checkpoints
// the backup job, then empties the active and hidden disks so the next
// round of copy-before-write starts from a clean slate.
func (s *State) secondaryCheckpoint(ctx context.Context) error {
	s.mu.Lock()
	job := s.job
	s.mu.Unlock()
	if job == nil {
		return node.NewError("replication.Checkpoint", node.KindNotFound, false,
			fmt.Errorf("backup job was cancelled unexpectedly"))
	}

	if err := job.Checkpoint(); err != nil {
		return err
	}
	if err := s.active.DiscardAt(ctx, 0, s.active.Size()); err != nil {
		return err
	}
	return s.hidden.DiscardAt(ctx, 0, s.hidden.Size())
}

// Checkpoint implements replication_do_checkpoint.
func (s *State) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	stage := s.stage
	mode := s.mode
	s.mu.Unlock()

	if stage == StageDone || stage == StageFailover {
		return nil
	}
	if mode == ModeSecondary {
		return s.secondaryCheckpoint(ctx)
	}
	return nil
}

// Error implements replication_get_error.
func (s *State) Error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage == StageNone {
		return node.NewError("replication.Error", node.KindNotFound, false,
			fmt.Errorf("block replication is not running"))
	}
	return s.err
}

// Failover implements the failover path of replication_stop: it cancels
// the standing backup job, then commits the secondary disk's accumulated
// writes onto the active disk, promoting the secondary to primary.
func (s *State) Failover(ctx context.Context) error {
	s.mu.Lock()
	if s.stage != StageRunning {
		s.mu.Unlock()
		return node.NewError("replication.Failover", node.KindBadArgument, false,
			fmt.Errorf("block replication is not running"))
	}
	if s.mode != ModeSecondary {
		s.mu.Unlock()
		return node.NewError("replication.Failover", node.KindUnsupported, false,
			fmt.Errorf("only the secondary side can fail over"))
	}
	s.stage = StageFailover
	job := s.job
	cancel := s.jobCancel
	s.mu.Unlock()

	if job != nil && cancel != nil {
		job.Cancel()
		cancel()
	}

	commitJob, err := backupjob.Create(s.secondary, s.active,
		backupjob.WithSyncMode(backupjob.SyncFull),
		backupjob.WithClusterSize(uint64(s.secondary.NaturalGranularity())),
		backupjob.WithErrorActions(backupjob.ErrorReport, backupjob.ErrorReport),
	)
	if err != nil {
		s.mu.Lock()
		s.stage = StageFailoverFailed
		s.err = err
		s.mu.Unlock()
		return err
	}
	if err := commitJob.Run(ctx); err != nil {
		s.mu.Lock()
		s.stage = StageFailoverFailed
		s.err = err
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.stage = StageDone
	s.err = nil
	s.mu.Unlock()
	return nil
}

// Stop implements replication_stop for the non-failover path: it cancels
// the backup job, runs a final checkpoint, and marks the pair done.
func (s *State) Stop(ctx context.Context, failover bool) error {
	s.mu.Lock()
	if s.stage == StageDone || s.stage == StageFailover {
		s.mu.Unlock()
		return nil
	}
	if s.stage != StageRunning {
		s.mu.Unlock()
		return node.NewError("replication.Stop", node.KindBadArgument, false,
			fmt.Errorf("block replication is not running"))
	}
	mode := s.mode
	s.mu.Unlock()

	if mode == ModePrimary {
		s.mu.Lock()
		s.stage = StageDone
		s.err = nil
		s.mu.Unlock()
		return nil
	}

	if failover {
		return s.Failover(ctx)
	}

	s.mu.Lock()
	job := s.job
	cancel := s.jobCancel
	s.mu.Unlock()
	if job != nil && cancel != nil {
		job.Cancel()
		cancel()
	}

	if err := s.secondaryCheckpoint(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.stage = StageDone
	s.mu.Unlock()
	return nil
}
