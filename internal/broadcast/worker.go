package broadcast

import (
	"context"
	"time"

	logx "groupcast/pkg/logx"
)

func (s *Service) worker(ctx context.Context, queue <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-queue:
			s.exec(ctx, j)
		}
	}
}

func (s *Service) exec(ctx context.Context, j job) {
	start := time.Now()
	s.update(j.id, func(st *JobStatus) {
		st.StartedAt = start
		st.Running = true
	})
	s.log.Info("broadcast job started", logx.String("job", j.id), logx.Int("total", len(j.recipients)))

	for i, chatID := range j.recipients {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			if s.sleep(ctx, s.delay()) != nil {
				break
			}
		}
		err := s.sendOne(ctx, chatID, j.text)
		s.update(j.id, func(st *JobStatus) {
			st.Done++
			if err != nil {
				st.Failed++
				if len(st.Failures) < maxFailures {
					st.Failures = append(st.Failures, chatID)
				}
			}
		})
		if err != nil {
			s.log.Debug("broadcast send failed", logx.String("job", j.id), logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}

	s.update(j.id, func(st *JobStatus) {
		st.Running = false
		st.DoneAt = time.Now()
	})
	st, _ := s.Status(j.id)
	fields := []logx.Field{
		logx.String("job", j.id),
		logx.Int("total", st.Total),
		logx.Int("done", st.Done),
		logx.Int("failed", st.Failed),
		logx.Duration("dur", time.Since(start)),
	}
	if st.Failed > 0 {
		s.log.Warn("broadcast job finished with failures", fields...)
	} else {
		s.log.Info("broadcast job finished", fields...)
	}
	if j.onDone != nil {
		j.onDone(st)
	}
}

func (s *Service) sendOne(ctx context.Context, chatID int64, text string) error {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	return s.sender.SendText(ctx, chatID, text)
}

func (s *Service) update(id string, fn func(st *JobStatus)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		fn(st)
	}
}
