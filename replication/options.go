package replication

// Mode selects which end of a replication pair a State represents,
// mirroring ReplicationMode from original_source/block/replication.h.
type Mode int

const (
	// ModePrimary is the production side: writes pass straight through
	// and Start/Checkpoint/Stop are near no-ops.
	ModePrimary Mode = iota
	// ModeSecondary is the standby side: Start launches a sync=none
	// backup job copying the secondary disk's old data into the hidden
	// disk ahead of every write, so Checkpoint and Failover can recover a
	// consistent point.
	ModeSecondary
)

// Stage is the replication state machine's current position, mirroring
// ReplicationStage.
type Stage int

const (
	StageNone Stage = iota
	StageRunning
	StageFailover
	StageFailoverFailed
	StageDone
)

// Option configures a State at construction time.
type Option func(*stateOptions)

type stateOptions struct {
	speed uint64
}

func defaultStateOptions() *stateOptions {
	return &stateOptions{}
}

// WithSpeed caps the backup job's throughput in bytes/second.
func WithSpeed(bytesPerSec uint64) Option {
	return func(o *stateOptions) { o.speed = bytesPerSec }
}
