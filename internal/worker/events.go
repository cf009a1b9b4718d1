package worker

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/catalog"
	"github.com/JakeFAU/episode-sync/internal/id/uuid"
)

// Event is published after an episode is written.
type Event struct {
	EventID    string    `json:"event_id"`
	RunID      string    `json:"run_id,omitempty"`
	Slug       string    `json:"slug"`
	Season     int       `json:"season"`
	Episode    int       `json:"episode"`
	Servers    int       `json:"servers"`
	Outcome    string    `json:"outcome"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Attributes returns the Pub/Sub message attributes for the event.
func (e Event) Attributes() map[string]string {
	return map[string]string{
		"slug":    e.Slug,
		"season":  strconv.Itoa(e.Season),
		"episode": strconv.Itoa(e.Episode),
		"outcome": e.Outcome,
	}
}

func (w *Worker) publish(ctx context.Context, ep catalog.Episode, outcome catalog.Outcome) {
	if w.publisher == nil {
		return
	}
	runID := w.Summary().RunID
	event := Event{
		EventID:    uuid.Derive(runID, ep.Key().String()),
		RunID:      runID,
		Slug:       ep.Slug,
		Season:     ep.Season,
		Episode:    ep.Episode,
		Servers:    catalog.CountUsable(ep.Servers),
		Outcome:    string(outcome),
		OccurredAt: ep.UpdatedAt,
	}
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		w.logger.Warn("event publish failed", zap.Stringer("key", ep.Key()), zap.Error(err))
		return
	}
	w.logger.Debug("event published", zap.Stringer("key", ep.Key()), zap.String("message_id", id))
}
