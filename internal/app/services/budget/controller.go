// Package budget tracks spend for purchasing sessions. Spending is two-phase:
// Reserve sets money aside before a payment is attempted, then Commit turns
// the hold into spend once the payment settles or Release returns it.
package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/infomart/internal/app/domain/session"
	"github.com/R3E-Network/infomart/internal/app/storage"
	"github.com/R3E-Network/infomart/pkg/logger"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrInsufficientBudget  = errors.New("insufficient budget")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrSessionClosed       = errors.New("session is closed")
	ErrReservationNotFound = errors.New("reservation not found")
)

// Controller owns session budgets. Each session is guarded by its own mutex;
// no operation takes more than one session lock.
type Controller struct {
	store storage.SessionStore
	log   *logger.Logger
	now   func() time.Time

	locks sync.Map // session id -> *sync.Mutex
}

// New constructs a budget controller.
func New(store storage.SessionStore, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.NewDefault("budget")
	}
	return &Controller{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (c *Controller) lockFor(id string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Create opens a session with a generated id.
func (c *Controller) Create(ctx context.Context, budget decimal.Decimal) (session.Session, error) {
	return c.CreateWithID(ctx, "", budget)
}

// CreateWithID opens a session with the given id, or a generated one when id
// is empty.
func (c *Controller) CreateWithID(ctx context.Context, id string, budget decimal.Decimal) (session.Session, error) {
	if !budget.IsPositive() {
		return session.Session{}, fmt.Errorf("budget: %w", ErrInvalidAmount)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}

	sess, err := c.store.CreateSession(ctx, session.Session{
		ID:           id,
		Budget:       budget,
		Spent:        decimal.Zero,
		Reserved:     decimal.Zero,
		Status:       session.StatusIdle,
		Purchased:    map[string]bool{},
		Reservations: map[string]session.Reservation{},
	})
	if err != nil {
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}
	c.log.WithField("session_id", sess.ID).WithField("budget", budget.String()).Info("session created")
	return sess, nil
}

// Get returns a snapshot of the session.
func (c *Controller) Get(ctx context.Context, id string) (session.Session, error) {
	sess, err := c.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return session.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return session.Session{}, err
	}
	return sess, nil
}

// List returns every tracked session.
func (c *Controller) List(ctx context.Context) ([]session.Session, error) {
	return c.store.ListSessions(ctx)
}

// update runs fn against the session under its lock and persists the result.
func (c *Controller) update(ctx context.Context, id string, fn func(*session.Session) error) (session.Session, error) {
	mu := c.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	sess, err := c.Get(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	if sess.Purchased == nil {
		sess.Purchased = map[string]bool{}
	}
	if sess.Reservations == nil {
		sess.Reservations = map[string]session.Reservation{}
	}
	if err := fn(&sess); err != nil {
		return sess, err
	}
	return c.store.UpdateSession(ctx, sess)
}

// Reserve sets amount aside for a pending purchase. It fails without side
// effects when the session cannot afford it.
func (c *Controller) Reserve(ctx context.Context, sessionID string, amount decimal.Decimal, reference string) (session.Reservation, error) {
	if !amount.IsPositive() {
		return session.Reservation{}, ErrInvalidAmount
	}

	var res session.Reservation
	_, err := c.update(ctx, sessionID, func(sess *session.Session) error {
		if sess.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrSessionClosed, sess.Status)
		}
		remaining := sess.Remaining()
		if amount.GreaterThan(remaining) {
			return fmt.Errorf("%w: need $%s, remaining $%s", ErrInsufficientBudget, amount.StringFixed(2), remaining.StringFixed(2))
		}
		res = session.Reservation{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			Reference: reference,
			Amount:    amount,
			Status:    session.ReservationPending,
			CreatedAt: c.now(),
		}
		sess.Reserved = sess.Reserved.Add(amount)
		sess.Reservations[res.ID] = res
		return nil
	})
	if err != nil {
		return session.Reservation{}, err
	}
	return res, nil
}

// Commit converts a pending reservation into spend and records the
// transaction. The reserved amount is authoritative; record.Amount is
// overwritten with it. Committing a record id that was already applied
// releases the reservation instead of charging twice.
func (c *Controller) Commit(ctx context.Context, sessionID, reservationID string, record session.TransactionRecord) (session.Session, error) {
	return c.update(ctx, sessionID, func(sess *session.Session) error {
		res, ok := sess.Reservations[reservationID]
		if !ok || res.Status != session.ReservationPending {
			return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
		}

		sess.Reserved = sess.Reserved.Sub(res.Amount)
		if record.ID != "" && sess.HasTransaction(record.ID) {
			res.Status = session.ReservationReleased
			sess.Reservations[reservationID] = res
			return nil
		}

		res.Status = session.ReservationCommitted
		sess.Reservations[reservationID] = res
		record.Amount = res.Amount
		c.appendLocked(sess, record)
		return nil
	})
}

// Release returns a pending reservation to the budget. Unknown or settled
// reservations are ignored.
func (c *Controller) Release(ctx context.Context, sessionID, reservationID string) error {
	_, err := c.update(ctx, sessionID, func(sess *session.Session) error {
		res, ok := sess.Reservations[reservationID]
		if !ok || res.Status != session.ReservationPending {
			return nil
		}
		res.Status = session.ReservationReleased
		sess.Reservations[reservationID] = res
		sess.Reserved = sess.Reserved.Sub(res.Amount)
		return nil
	})
	return err
}

// ReleaseAll returns every pending reservation of the session and reports how
// many were released.
func (c *Controller) ReleaseAll(ctx context.Context, sessionID string) (int, error) {
	released := 0
	_, err := c.update(ctx, sessionID, func(sess *session.Session) error {
		for id, res := range sess.Reservations {
			if res.Status != session.ReservationPending {
				continue
			}
			res.Status = session.ReservationReleased
			sess.Reservations[id] = res
			sess.Reserved = sess.Reserved.Sub(res.Amount)
			released++
		}
		return nil
	})
	return released, err
}

// RecordTransaction applies a completed purchase made without a reservation.
// It is idempotent per record id: replaying a record changes nothing.
func (c *Controller) RecordTransaction(ctx context.Context, sessionID string, record session.TransactionRecord) (session.Session, error) {
	if strings.TrimSpace(record.ID) == "" {
		return session.Session{}, fmt.Errorf("transaction id is required")
	}
	if !record.Amount.IsPositive() {
		return session.Session{}, ErrInvalidAmount
	}
	return c.update(ctx, sessionID, func(sess *session.Session) error {
		if sess.HasTransaction(record.ID) {
			return nil
		}
		if sess.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrSessionClosed, sess.Status)
		}
		if record.Amount.GreaterThan(sess.Remaining()) {
			return fmt.Errorf("%w: need $%s, remaining $%s", ErrInsufficientBudget, record.Amount.StringFixed(2), sess.Remaining().StringFixed(2))
		}
		c.appendLocked(sess, record)
		return nil
	})
}

func (c *Controller) appendLocked(sess *session.Session, record session.TransactionRecord) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = c.now()
	}
	sess.Spent = sess.Spent.Add(record.Amount)
	sess.Transactions = append(sess.Transactions, record)
	if record.ProductID != "" {
		sess.Purchased[record.ProductID] = true
	}
}

// SetStatus moves a session to a non-terminal status.
func (c *Controller) SetStatus(ctx context.Context, sessionID string, status session.Status) (session.Session, error) {
	return c.transition(ctx, sessionID, status, "")
}

// Finalize marks the session complete.
func (c *Controller) Finalize(ctx context.Context, sessionID string) (session.Session, error) {
	return c.transition(ctx, sessionID, session.StatusComplete, "")
}

// Fail marks the session as errored with reason.
func (c *Controller) Fail(ctx context.Context, sessionID, reason string) (session.Session, error) {
	return c.transition(ctx, sessionID, session.StatusError, reason)
}

func (c *Controller) transition(ctx context.Context, sessionID string, status session.Status, reason string) (session.Session, error) {
	return c.update(ctx, sessionID, func(sess *session.Session) error {
		if sess.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrSessionClosed, sess.Status)
		}
		sess.Status = status
		if reason != "" {
			sess.Error = reason
		}
		return nil
	})
}

// Evict removes terminal sessions last updated before cutoff and returns how
// many were removed.
func (c *Controller) Evict(ctx context.Context, cutoff time.Time) (int, error) {
	sessions, err := c.store.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, sess := range sessions {
		if !sess.Status.Terminal() || !sess.UpdatedAt.Before(cutoff) {
			continue
		}
		mu := c.lockFor(sess.ID)
		mu.Lock()
		err := c.store.DeleteSession(ctx, sess.ID)
		mu.Unlock()
		// Drop the entry only if no caller has replaced it since.
		c.locks.CompareAndDelete(sess.ID, mu)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return removed, err
		}
		if err == nil {
			removed++
		}
	}
	if removed > 0 {
		c.log.WithField("removed", removed).Info("evicted finished sessions")
	}
	return removed, nil
}
