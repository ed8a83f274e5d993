package sim

import (
	"context"

	"github.com/plcsim/plcsim/internal/memimage"
)

// Scheduler owns the set of configured producers and runs them all under a
// shared cancellation context, one goroutine each.
type Scheduler struct {
	producers []*Producer
}

// NewScheduler builds one Producer per Config, sharing img and, if
// non-nil, metrics.
func NewScheduler(confs []Config, img *memimage.Image, metrics TickObserver) *Scheduler {
	s := &Scheduler{}
	for _, c := range confs {
		p := NewProducer(c, img)
		p.Metrics = metrics
		s.producers = append(s.producers, p)
	}
	return s
}

// Producers exposes the constructed producers, e.g. for test inspection or
// reading back synthesized IDs.
func (s *Scheduler) Producers() []*Producer { return s.producers }

// Run starts every producer in its own goroutine and returns once all have
// stopped (i.e. ctx has been cancelled). Each producer's own panic/error
// recovery means a single producer failing never stops the others.
func (s *Scheduler) Run(ctx context.Context) {
	done := make(chan struct{}, len(s.producers))
	for _, p := range s.producers {
		p := p
		go func() {
			defer func() { done <- struct{}{} }()
			p.Run(ctx)
		}()
	}
	for range s.producers {
		<-done
	}
}
