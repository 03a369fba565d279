package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/infomart/internal/app/domain/market"
	"github.com/R3E-Network/infomart/internal/app/domain/session"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("record already exists")
)

// ProductStore persists marketplace products. Implementations return copies;
// callers serialise read-modify-write sequences themselves.
type ProductStore interface {
	CreateProduct(ctx context.Context, product market.Product) (market.Product, error)
	UpdateProduct(ctx context.Context, product market.Product) (market.Product, error)
	GetProduct(ctx context.Context, id string) (market.Product, error)
	ListProducts(ctx context.Context) ([]market.Product, error)
}

// SessionStore persists purchasing sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, sess session.Session) (session.Session, error)
	UpdateSession(ctx context.Context, sess session.Session) (session.Session, error)
	GetSession(ctx context.Context, id string) (session.Session, error)
	ListSessions(ctx context.Context) ([]session.Session, error)
	DeleteSession(ctx context.Context, id string) error
}
