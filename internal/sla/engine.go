// Package sla implements the deadline engine: reminder dispatch, escalation of
// overdue work items, the human resolution workflow and the pause gate.
package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sla-engine/internal/civil"
	"sla-engine/internal/ledger"
	"sla-engine/internal/models"
	"sla-engine/internal/rules"
)

// Job names registered with the ledger.
const (
	JobSLA         = "sla"
	JobReminders   = "sla-reminders"
	JobEscalations = "sla-escalations"
)

// Ledger counters.
const (
	CounterRemindersScanned   = "reminder_items_scanned"
	CounterOverdueScanned     = "overdue_items_scanned"
	CounterSkippedPaused      = "skipped_paused"
	CounterRemindersSent      = "reminders_sent"
	CounterRemindersDuplicate = "reminders_already_sent"
	CounterEscalationsRaised  = "escalations_raised"
	CounterEscalationsRaced   = "escalations_already_set"
	CounterNotifications      = "notifications_created"
)

// Store is the persistence the scans need. CreateDispatchMark is
// insert-if-absent and EscalateWithNotifications is a compare-and-swap on a
// null escalation instant that commits its notifications with it; both report
// whether this call won.
type Store interface {
	rules.Source
	ListReminderCandidates(ctx context.Context, from time.Time) ([]models.WorkItem, error)
	ListOverdueCandidates(ctx context.Context, now time.Time) ([]models.WorkItem, error)
	HasDispatchMark(ctx context.Context, itemID string, daysBefore int) (bool, error)
	CreateDispatchMark(ctx context.Context, mark models.DispatchMark) (bool, error)
	CreateNotifications(ctx context.Context, notes []models.Notification) error
	EscalateWithNotifications(ctx context.Context, itemID string, at time.Time, notes []models.Notification) (bool, error)
}

// Directory answers role-membership lookups from the user subsystem.
type Directory interface {
	RoleMembers(ctx context.Context, organizationID *string, role string) ([]string, error)
}

// Engine scans work items for due reminders and breached deadlines.
type Engine struct {
	store Store
	dir   Directory
	clock civil.Clock
	log   logrus.FieldLogger
}

// NewEngine wires an engine.
func NewEngine(store Store, dir Directory, clock civil.Clock, log logrus.FieldLogger) *Engine {
	if clock == nil {
		clock = civil.SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{store: store, dir: dir, clock: clock, log: log}
}

// Register adds the engine's jobs to a ledger.
func (e *Engine) Register(l *ledger.Ledger) {
	l.Register(JobSLA, e.RunAll)
	l.Register(JobReminders, e.RunReminders)
	l.Register(JobEscalations, e.RunEscalations)
}

// RunAll dispatches reminders and then raises escalations, against one
// snapshot of the rules and one "now".
func (e *Engine) RunAll(ctx context.Context, run *ledger.Run) error {
	now := e.clock.Now()
	resolver, err := e.loadRules(ctx, run)
	if err != nil {
		return err
	}
	if err := e.dispatchReminders(ctx, run, resolver, now); err != nil {
		return fmt.Errorf("reminders: %w", err)
	}
	if err := e.raiseEscalations(ctx, run, resolver, now); err != nil {
		return fmt.Errorf("escalations: %w", err)
	}
	return nil
}

// RunReminders runs only the reminder scan.
func (e *Engine) RunReminders(ctx context.Context, run *ledger.Run) error {
	now := e.clock.Now()
	resolver, err := e.loadRules(ctx, run)
	if err != nil {
		return err
	}
	if err := e.dispatchReminders(ctx, run, resolver, now); err != nil {
		return fmt.Errorf("reminders: %w", err)
	}
	return nil
}

// RunEscalations runs only the escalation scan.
func (e *Engine) RunEscalations(ctx context.Context, run *ledger.Run) error {
	now := e.clock.Now()
	resolver, err := e.loadRules(ctx, run)
	if err != nil {
		return err
	}
	if err := e.raiseEscalations(ctx, run, resolver, now); err != nil {
		return fmt.Errorf("escalations: %w", err)
	}
	return nil
}

func (e *Engine) loadRules(ctx context.Context, run *ledger.Run) (*rules.Resolver, error) {
	resolver, err := rules.Load(ctx, e.store)
	if err != nil {
		return nil, err
	}
	if amb := resolver.Ambiguous(); len(amb) > 0 {
		e.log.WithField("scopes", amb).Warn("ambiguous deadline rules, most recent wins")
		run.Set("ambiguous_rules", amb)
	}
	return resolver, nil
}
