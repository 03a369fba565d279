package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/infomart/internal/app/domain/market"
	"github.com/R3E-Network/infomart/internal/app/domain/session"
	"github.com/R3E-Network/infomart/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use; state is lost on restart.
type Store struct {
	mu       sync.RWMutex
	products map[string]market.Product
	sessions map[string]session.Session
}

var _ storage.ProductStore = (*Store)(nil)
var _ storage.SessionStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		products: make(map[string]market.Product),
		sessions: make(map[string]session.Session),
	}
}

// ProductStore implementation -------------------------------------------------

func (s *Store) CreateProduct(_ context.Context, product market.Product) (market.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = uuid.NewString()
	} else if _, exists := s.products[product.ID]; exists {
		return market.Product{}, fmt.Errorf("product %s: %w", product.ID, storage.ErrAlreadyExists)
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	s.products[product.ID] = product
	return product, nil
}

func (s *Store) UpdateProduct(_ context.Context, product market.Product) (market.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.products[product.ID]
	if !ok {
		return market.Product{}, fmt.Errorf("product %s: %w", product.ID, storage.ErrNotFound)
	}

	product.CreatedAt = original.CreatedAt
	product.Price = original.Price

	s.products[product.ID] = product
	return product, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (market.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return market.Product{}, fmt.Errorf("product %s: %w", id, storage.ErrNotFound)
	}
	return product, nil
}

// ListProducts returns products newest first.
func (s *Store) ListProducts(_ context.Context) ([]market.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]market.Product, 0, len(s.products))
	for _, product := range s.products {
		result = append(result, product)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// SessionStore implementation -------------------------------------------------

func (s *Store) CreateSession(_ context.Context, sess session.Session) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	} else if _, exists := s.sessions[sess.ID]; exists {
		return session.Session{}, fmt.Errorf("session %s: %w", sess.ID, storage.ErrAlreadyExists)
	}

	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	s.sessions[sess.ID] = sess.Clone()
	return sess.Clone(), nil
}

func (s *Store) UpdateSession(_ context.Context, sess session.Session) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.sessions[sess.ID]
	if !ok {
		return session.Session{}, fmt.Errorf("session %s: %w", sess.ID, storage.ErrNotFound)
	}

	sess.CreatedAt = original.CreatedAt
	sess.Budget = original.Budget
	sess.UpdatedAt = time.Now().UTC()

	s.sessions[sess.ID] = sess.Clone()
	return sess.Clone(), nil
}

func (s *Store) GetSession(_ context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return sess.Clone(), nil
}

func (s *Store) ListSessions(_ context.Context) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		result = append(result, sess.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	delete(s.sessions, id)
	return nil
}
