package sla

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"sla-engine/internal/civil"
	"sla-engine/internal/models"
	"sla-engine/internal/telemetry"
)

var (
	// ErrAlreadyResolved is returned when resolving a closed escalation.
	ErrAlreadyResolved = errors.New("escalation already resolved")
	// ErrNotEscalated is returned when the item has no escalation to resolve.
	ErrNotEscalated = fmt.Errorf("%w: no open escalation", models.ErrNotFound)
)

// ItemStore reads work items and owns the writes made by humans: resolution
// and the pause gate.
type ItemStore interface {
	GetWorkItem(ctx context.Context, id string) (models.WorkItem, error)
	ResolveEscalation(ctx context.Context, id string, note *string, at time.Time) (bool, error)
	ListEscalations(ctx context.Context, resolved bool) ([]models.WorkItem, error)
	SetPaused(ctx context.Context, id string, at *time.Time) (bool, error)
}

// Escalations is the human side of the escalation lifecycle.
type Escalations struct {
	store ItemStore
	clock civil.Clock
	log   logrus.FieldLogger
}

// NewEscalations wires the resolution workflow.
func NewEscalations(store ItemStore, clock civil.Clock, log logrus.FieldLogger) *Escalations {
	if clock == nil {
		clock = civil.SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Escalations{store: store, clock: clock, log: log}
}

// Resolve closes an open escalation with an optional note. The note is trimmed
// and an empty note is stored as absent. Resolved items are immutable here.
func (s *Escalations) Resolve(ctx context.Context, itemID, note string) (models.WorkItem, error) {
	item, err := s.lookup(ctx, itemID)
	if err != nil {
		return models.WorkItem{}, err
	}
	if item.Resolved() {
		return item, ErrAlreadyResolved
	}
	if !item.Escalated() {
		return item, ErrNotEscalated
	}

	var notePtr *string
	if trimmed := strings.TrimSpace(note); trimmed != "" {
		notePtr = &trimmed
	}
	now := s.clock.Now()
	ok, err := s.store.ResolveEscalation(ctx, itemID, notePtr, now)
	if err != nil {
		return item, fmt.Errorf("resolve escalation: %w", err)
	}
	if !ok {
		// Lost a race with another resolver.
		return item, ErrAlreadyResolved
	}

	item.EscalationResolvedAt = &now
	item.ResolutionNote = notePtr
	telemetry.EscalationsResolved.Inc()
	s.log.WithFields(logrus.Fields{"item_id": itemID, "has_note": notePtr != nil}).Info("escalation resolved")
	return item, nil
}

// List returns open escalations, or resolved ones when resolved is true.
func (s *Escalations) List(ctx context.Context, resolved bool) ([]models.WorkItem, error) {
	items, err := s.store.ListEscalations(ctx, resolved)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	return items, nil
}

func (s *Escalations) lookup(ctx context.Context, id string) (models.WorkItem, error) {
	return getLive(ctx, s.store, id)
}

func getLive(ctx context.Context, store ItemStore, id string) (models.WorkItem, error) {
	item, err := store.GetWorkItem(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.WorkItem{}, fmt.Errorf("work item %s: %w", id, models.ErrNotFound)
		}
		return models.WorkItem{}, fmt.Errorf("get work item %s: %w", id, err)
	}
	if item.DeletedAt != nil {
		return models.WorkItem{}, fmt.Errorf("work item %s: %w", id, models.ErrNotFound)
	}
	return item, nil
}
