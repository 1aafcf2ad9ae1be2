package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sla-engine/internal/civil"
	"sla-engine/internal/models"
)

// Holds opens and closes the pause gate. While an item is paused both scans
// skip it; unpausing makes it eligible again against its original deadline.
type Holds struct {
	store ItemStore
	clock civil.Clock
	log   logrus.FieldLogger
}

// NewHolds wires the pause gate.
func NewHolds(store ItemStore, clock civil.Clock, log logrus.FieldLogger) *Holds {
	if clock == nil {
		clock = civil.SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Holds{store: store, clock: clock, log: log}
}

// Pause closes the gate. Pausing a paused item keeps the original instant.
func (h *Holds) Pause(ctx context.Context, itemID string) (models.WorkItem, error) {
	item, err := getLive(ctx, h.store, itemID)
	if err != nil {
		return models.WorkItem{}, err
	}
	if item.Paused() {
		return item, nil
	}
	now := h.clock.Now()
	if err := h.set(ctx, itemID, &now); err != nil {
		return item, err
	}
	item.PausedAt = &now
	h.log.WithField("item_id", itemID).Info("work item paused")
	return item, nil
}

// Unpause opens the gate.
func (h *Holds) Unpause(ctx context.Context, itemID string) (models.WorkItem, error) {
	item, err := getLive(ctx, h.store, itemID)
	if err != nil {
		return models.WorkItem{}, err
	}
	if !item.Paused() {
		return item, nil
	}
	if err := h.set(ctx, itemID, nil); err != nil {
		return item, err
	}
	item.PausedAt = nil
	h.log.WithField("item_id", itemID).Info("work item unpaused")
	return item, nil
}

func (h *Holds) set(ctx context.Context, itemID string, at *time.Time) error {
	ok, err := h.store.SetPaused(ctx, itemID, at)
	if err != nil {
		return fmt.Errorf("set pause: %w", err)
	}
	if !ok {
		return fmt.Errorf("work item %s: %w", itemID, models.ErrNotFound)
	}
	return nil
}
