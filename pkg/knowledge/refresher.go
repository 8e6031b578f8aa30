package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Refresher periodically re-runs schema discovery so that columns added to
// the live database become visible without a restart. Discovery fails soft,
// so a refresh against a down server just keeps the prior knowledge.
type Refresher struct {
	kb       *KnowledgeBase
	registry Registry
	logger   zerolog.Logger
	timeout  time.Duration

	cron  *cron.Cron
	entry cron.EntryID
}

// NewRefresher schedules Discover on the given cron expression
// (e.g. "@every 15m").
func NewRefresher(kb *KnowledgeBase, registry Registry, schedule string, logger zerolog.Logger) (*Refresher, error) {
	r := &Refresher{
		kb:       kb,
		registry: registry,
		logger:   logger,
		timeout:  time.Minute,
		cron:     cron.New(),
	}

	entry, err := r.cron.AddFunc(schedule, r.refresh)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	r.entry = entry
	return r, nil
}

func (r *Refresher) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	r.logger.Debug().Msg("Running scheduled schema discovery")
	r.kb.Discover(ctx, r.registry)
}

// Start begins the schedule in a background goroutine.
func (r *Refresher) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for an in-flight refresh to finish.
func (r *Refresher) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
