package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/terarelay/terarelay/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// Deliveries form the dedup cache: one record per canonical link.
	LookupDelivery(ctx context.Context, link string) (*models.Delivery, error)
	RecordDelivery(ctx context.Context, d *models.Delivery) error
	PruneDeliveries(ctx context.Context, keep int) (int64, error)
	CountDeliveries(ctx context.Context) (int, error)

	CreateAccessKey(ctx context.Context, key *models.AccessKey) error
	GetAccessKeysByPrefix(ctx context.Context, prefix string) ([]*models.AccessKey, error)
	ListAccessKeys(ctx context.Context) ([]*models.AccessKey, error)
	RevokeAccessKey(ctx context.Context, id uuid.UUID) error
	UpdateAccessKeyLastUsed(ctx context.Context, id uuid.UUID) error
}
