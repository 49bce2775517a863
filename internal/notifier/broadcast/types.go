package broadcast

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	rtsup "chargewatch/internal/runtime/supervisor"
	"chargewatch/internal/transport"
	logx "chargewatch/pkg/logx"
)

type Config struct {
	Enabled    bool
	Workers    int
	RatePerSec int
	RetryMax   int
}

type job struct {
	id      string
	name    string
	targets []transport.ChatTarget
	text    string
	opt     *transport.SendOptions
}

// JobStatus is a point-in-time copy of a broadcast job's progress.
type JobStatus struct {
	ID       string
	Name     string
	Total    int
	Done     int
	Failed   int
	Failures []transport.ChatTarget
	// CreatedAt is set by NewJob, so jobs that never start still age out.
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
}

// Finished reports whether every target has been attempted or the job was
// dropped.
func (s JobStatus) Finished() bool { return !s.DoneAt.IsZero() }

type Service struct {
	mu sync.Mutex

	cfg    Config
	sender transport.Sender
	log    logx.Logger

	limiter *rate.Limiter
	queue   chan job
	sup     *rtsup.Supervisor

	statusMu  sync.RWMutex
	status    map[string]*JobStatus
	statusMax int
	statusTTL time.Duration
}
