// Package broadcast fans job progress events out to live observers.
// Publishing never blocks: each subscriber has a bounded buffer and the
// oldest buffered event is evicted when a subscriber cannot keep up.
// Terminal events are always delivered and close the stream.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"pkm-jobs/internal/domain/model"
	"pkm-jobs/internal/domain/ports/adapter"
	"pkm-jobs/internal/domain/ports/repository"
	"pkm-jobs/internal/infra/metrics"
)

var _ adapter.ProgressBroadcaster = (*Broadcaster)(nil)

type subscriber struct {
	id   string
	ch   chan model.ProgressEvent
	once sync.Once
}

func (s *subscriber) shutdown() {
	s.once.Do(func() {
		close(s.ch)
		metrics.AddSubscribers(-1)
	})
}

type topic struct {
	subs         map[string]*subscriber
	lastActivity time.Time
}

type Broadcaster struct {
	repo    repository.JobRepository
	log     *zerolog.Logger
	bufSize int
	idleTTL time.Duration

	mu     sync.Mutex
	topics map[string]*topic
}

func New(repo repository.JobRepository, bufSize int, idleTTL time.Duration, logger *zerolog.Logger) *Broadcaster {
	bl := logger.With().Str("component", "Broadcaster").Logger()
	if bufSize <= 0 {
		bufSize = 16
	}
	return &Broadcaster{
		repo:    repo,
		log:     &bl,
		bufSize: bufSize,
		idleTTL: idleTTL,
		topics:  make(map[string]*topic),
	}
}

// Subscribe registers an observer for a job id. The subscriber is attached
// before the snapshot is read, so nothing published after the snapshot can
// be missed; at worst the buffer holds an event older than the snapshot.
func (b *Broadcaster) Subscribe(ctx context.Context, jobID string) (*adapter.Subscription, error) {
	sub := &subscriber{
		id: ulid.Make().String(),
		ch: make(chan model.ProgressEvent, b.bufSize),
	}
	metrics.AddSubscribers(1)

	b.mu.Lock()
	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[string]*subscriber), lastActivity: time.Now()}
		b.topics[jobID] = t
	}
	t.subs[sub.id] = sub
	b.mu.Unlock()

	detach := func() {
		b.mu.Lock()
		if t, ok := b.topics[jobID]; ok {
			delete(t.subs, sub.id)
		}
		b.mu.Unlock()
		sub.shutdown()
	}

	snapshot, err := b.repo.FindByID(ctx, jobID)
	if err != nil {
		detach()
		return nil, err
	}

	// No further events will ever arrive for a terminal job: hand back the
	// snapshot with an already-closed stream.
	if snapshot.Status.IsTerminal() {
		detach()
		done := make(chan model.ProgressEvent)
		close(done)
		return adapter.NewSubscription(sub.id, snapshot, done, func() {}), nil
	}

	return adapter.NewSubscription(sub.id, snapshot, sub.ch, detach), nil
}

// Publish fans an event out to the current subscribers of the job id.
// Best-effort for intermediate events, guaranteed for terminal ones; it
// never blocks the caller.
func (b *Broadcaster) Publish(event model.ProgressEvent) {
	metrics.IncBroadcastEvent()

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[event.JobID]
	if !ok {
		return // nobody is watching
	}
	t.lastActivity = time.Now()

	for _, sub := range t.subs {
		b.offer(sub, event)
	}

	if event.Terminal {
		for _, sub := range t.subs {
			sub.shutdown()
		}
		delete(b.topics, event.JobID)
	}
}

// offer enqueues without blocking. Only one publisher runs at a time (mu),
// so evicting one slot always makes room for the new event.
func (b *Broadcaster) offer(sub *subscriber, event model.ProgressEvent) {
	for i := 0; i < 2; i++ {
		select {
		case sub.ch <- event:
			return
		default:
		}
		select {
		case <-sub.ch:
			metrics.IncBroadcastDrop()
		default:
		}
	}
	b.log.Warn().Str("job_id", event.JobID).Str("subscriber", sub.id).Msg("event not delivered")
}

// Run reclaims topics that have had no subscribers and no activity for the
// idle TTL. Terminal topics are already removed at publish time.
func (b *Broadcaster) Run(ctx context.Context) error {
	interval := b.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("Stopping broadcaster janitor")
			return ctx.Err()
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Broadcaster) sweep() {
	cutoff := time.Now().Add(-b.idleTTL)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.topics {
		if len(t.subs) == 0 && t.lastActivity.Before(cutoff) {
			delete(b.topics, id)
		}
	}
}
