package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	rtsup "chargewatch/internal/runtime/supervisor"
	"chargewatch/internal/transport"
	logx "chargewatch/pkg/logx"
)

var ErrNotRunning = errors.New("broadcast not running")

func New(cfg Config, sender transport.Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg,
		sender:    sender,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(ratePerSec(cfg)), ratePerSec(cfg)),
		queue:     make(chan job, 64),
		status:    map[string]*JobStatus{},
		statusMax: 200,
		statusTTL: 24 * time.Hour,
	}
}

func ratePerSec(cfg Config) int {
	if cfg.RatePerSec <= 0 {
		return 2
	}
	return cfg.RatePerSec
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps config and limiter. The worker count only changes on restart.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(ratePerSec(cfg)), ratePerSec(cfg))
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	q := s.queue
	for i := 0; i < workers; i++ {
		s.sup.Go0(fmt.Sprintf("worker.%d", i), func(c context.Context) {
			s.worker(c, q)
		})
	}
	s.log.Debug("broadcast started", logx.Int("workers", workers))
}

// Stop cancels workers. Queued jobs stay pending for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

// NewJob enqueues text for every target and returns the job id.
func (s *Service) NewJob(name string, targets []transport.ChatTarget, text string, opt *transport.SendOptions) (string, error) {
	now := time.Now()
	id := "bc:" + uuid.NewString()[:8]
	s.pruneStatus(now)

	s.statusMu.Lock()
	s.status[id] = &JobStatus{ID: id, Name: name, Total: len(targets), CreatedAt: now}
	s.statusMu.Unlock()

	s.mu.Lock()
	running := s.sup != nil
	q := s.queue
	s.mu.Unlock()
	if !running {
		s.dropJob(id)
		return id, ErrNotRunning
	}

	select {
	case q <- job{id: id, name: name, targets: targets, text: text, opt: opt}:
		s.log.Debug("broadcast job enqueued", logx.String("job", id), logx.Int("total", len(targets)))
		return id, nil
	default:
		s.log.Warn("broadcast queue full; dropping job", logx.String("job", id), logx.Int("queue_cap", cap(q)))
		s.dropJob(id)
		return id, errors.New("broadcast queue full")
	}
}

func (s *Service) dropJob(id string) {
	s.update(id, func(st *JobStatus) {
		st.DoneAt = time.Now()
		st.Running = false
		st.Failed = st.Total
	})
}

func (s *Service) Status(jobID string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[jobID]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	cp := *st
	cp.Failures = append([]transport.ChatTarget(nil), st.Failures...)
	return cp, true
}

func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	for id, st := range s.status {
		if st == nil || (!st.Running && now.Sub(st.CreatedAt) > s.statusTTL) {
			delete(s.status, id)
		}
	}
	if len(s.status) <= s.statusMax {
		return
	}
	ids := make([]string, 0, len(s.status))
	for id := range s.status {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.status[ids[i]].CreatedAt.Before(s.status[ids[j]].CreatedAt) })
	for _, id := range ids[:len(ids)-s.statusMax] {
		if !s.status[id].Running {
			delete(s.status, id)
		}
	}
}
