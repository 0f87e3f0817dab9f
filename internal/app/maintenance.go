package app

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// PruneEvents deletes audit events older than the configured retention. Zero retention keeps everything.
func (e *Env) PruneEvents(ctx context.Context) (int64, error) {
	retention := e.Engine.Config().Store.EventsRetention.Duration
	if retention <= 0 {
		return 0, nil
	}
	return e.Engine.Repo.PruneEvents(ctx, e.Engine.Now().Add(-retention))
}

// StartMaintenance schedules event pruning on store.prune_schedule. The returned cron is running;
// stop it when ctx ends.
func (e *Env) StartMaintenance(ctx context.Context) (*cron.Cron, error) {
	spec := e.Engine.Config().Store.PruneSchedule
	c := cron.New()
	if spec == "" {
		return c, nil
	}
	_, err := c.AddFunc(spec, func() {
		n, err := e.PruneEvents(ctx)
		if err != nil {
			log.Error().Err(err).Msg("prune events failed")
			return
		}
		log.Info().Int64("deleted", n).Msg("pruned events")
	})
	if err != nil {
		return nil, fmt.Errorf("schedule prune: %w", err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return c, nil
}
