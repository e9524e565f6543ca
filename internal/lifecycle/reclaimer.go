package lifecycle

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"challenge-instancer/internal/monitor"
)

// Reclaimer periodically sweeps expired instances. It exists so that expiry
// is eventually enforced even when nobody asks about an instance again;
// reads already treat expired rows as gone, the sweep just frees the
// underlying containers.
type Reclaimer struct {
	store     Store
	engine    *Engine
	interval  time.Duration
	batchSize int
	metrics   *monitor.Metrics

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewReclaimer(st Store, engine *Engine, interval time.Duration, batchSize int, metrics *monitor.Metrics) *Reclaimer {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Reclaimer{
		store:     st,
		engine:    engine,
		interval:  interval,
		batchSize: batchSize,
		metrics:   metrics,
	}
}

// Start launches the background sweep loop. Calling it twice is a no-op:
// exactly one loop runs.
func (r *Reclaimer) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	log.Info().
		Dur("interval", r.interval).
		Int("batch_size", r.batchSize).
		Msg("reclamation worker started")

	go r.run(ctx)
}

// Stop cancels the loop and waits for the in-flight sweep to finish.
func (r *Reclaimer) Stop() {
	if !r.started.Load() {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Reclaimer) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("reclamation sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("reclaimed", n).Msg("reclamation sweep complete")
			}
		}
	}
}

// Sweep runs one reclamation cycle and returns how many instances it
// reclaimed. A failure on one instance never blocks the rest; the failed
// instance stays in the table and the next cycle retries it.
func (r *Reclaimer) Sweep(ctx context.Context) (int, error) {
	now := r.engine.now()

	expired, err := r.store.ListExpired(ctx, now, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing expired instances: %w", err)
	}
	r.metrics.ReclaimBatchSize.Observe(float64(len(expired)))

	if len(expired) == r.batchSize {
		log.Warn().
			Int("batch_size", r.batchSize).
			Msg("reclamation batch full, more expired instances remain for the next cycle")
	}

	reclaimed := 0
	for i := range expired {
		inst := &expired[i]
		if err := r.engine.stopInstance(ctx, inst, ReasonReclaimed); err != nil {
			log.Error().Err(err).
				Str("instance_id", inst.ID.String()).
				Str("owner", inst.Owner).
				Str("exercise", inst.ExerciseID).
				Msg("failed to reclaim instance")
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}
