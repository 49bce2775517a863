package broadcast

import (
	"context"
	"time"

	"chargewatch/internal/transport"
	logx "chargewatch/pkg/logx"
)

const maxRecordedFailures = 200

func (s *Service) worker(ctx context.Context, queue <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-queue:
			s.run(ctx, j)
		}
	}
}

// run delivers j to each target in order. Progress is visible via Status
// while the job runs.
func (s *Service) run(ctx context.Context, j job) {
	began := time.Now()
	s.update(j.id, func(st *JobStatus) {
		st.StartedAt = began
		st.Running = true
	})
	log := s.log.With(logx.String("job", j.id))
	log.Info("broadcast started", logx.String("name", j.name), logx.Int("targets", len(j.targets)))

	for _, to := range j.targets {
		err := s.deliver(ctx, j, to)
		s.update(j.id, func(st *JobStatus) {
			st.Done++
			if err == nil {
				return
			}
			st.Failed++
			if len(st.Failures) < maxRecordedFailures {
				st.Failures = append(st.Failures, to)
			}
		})
		if err != nil {
			log.Warn("broadcast delivery failed", logx.String("target", to.String()), logx.Err(err))
		}
	}

	var failed int
	s.update(j.id, func(st *JobStatus) {
		st.DoneAt = time.Now()
		st.Running = false
		failed = st.Failed
	})
	log.Info("broadcast finished",
		logx.Int("targets", len(j.targets)),
		logx.Int("failed", failed),
		logx.Duration("took", time.Since(began)),
	)
}

// deliver sends to one target, retrying up to RetryMax times with a short
// linear backoff.
func (s *Service) deliver(ctx context.Context, j job, to transport.ChatTarget) error {
	s.mu.Lock()
	lim, retries, sender := s.limiter, s.cfg.RetryMax, s.sender
	s.mu.Unlock()

	var err error
	for attempt := 0; ; attempt++ {
		if werr := lim.Wait(ctx); werr != nil {
			return werr
		}
		if _, err = sender.SendText(ctx, to, j.text, j.opt); err == nil || attempt >= retries {
			return err
		}
		pause := time.NewTimer(time.Duration(200+100*attempt) * time.Millisecond)
		select {
		case <-ctx.Done():
			pause.Stop()
			return ctx.Err()
		case <-pause.C:
		}
	}
}

func (s *Service) update(id string, fn func(*JobStatus)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		fn(st)
	}
}
