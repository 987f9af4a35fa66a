package core

import (
	"context"
	"log/slog"
)

// consumeObservations runs one reconcile pass per observation. It is the
// only caller of loop.Tick.
func (s *Service) consumeObservations(ctx context.Context) {
	defer s.wg.Done()

	obsCh := s.source.Observations()
	for {
		select {
		case <-ctx.Done():
			return
		case obs, ok := <-obsCh:
			if !ok {
				slog.Info("perception channel closed, reconcile consumer exiting")
				return
			}
			res := s.loop.Tick(ctx, obs.Seq, obs.Points)
			if len(res.Arrived)+len(res.Expired)+len(res.Dropped) > 0 {
				slog.Info("reconcile decisions",
					"seq", obs.Seq,
					"trace_id", obs.TraceID,
					"arrived", res.Arrived,
					"expired", res.Expired,
					"dropped", res.Dropped,
				)
			}
		}
	}
}
