package suppliers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/obraplan/obraplan/internal/ledger"
)

const directoryTTL = 15 * time.Minute

// Directory serves supplier lookups for ledger denormalization through a
// Redis cache. Concurrent misses for the same supplier collapse into one
// database read.
type Directory struct {
	service *Service
	redis   *redis.Client
	group   singleflight.Group
}

// NewDirectory builds a Directory. redis may be nil, in which case every
// lookup goes to the database.
func NewDirectory(service *Service, redisClient *redis.Client) *Directory {
	return &Directory{service: service, redis: redisClient}
}

type cachedSupplier struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// GetSupplier implements ledger.SupplierDirectory.
func (d *Directory) GetSupplier(ctx context.Context, id int64) (ledger.Supplier, error) {
	key := cacheKey(id)
	if d.redis != nil {
		raw, err := d.redis.Get(ctx, key).Bytes()
		if err == nil {
			var cached cachedSupplier
			if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
				return ledger.Supplier{ID: cached.ID, Name: cached.Name}, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			return ledger.Supplier{}, fmt.Errorf("suppliers: cache get: %w", err)
		}
	}

	v, err, _ := d.group.Do(key, func() (any, error) {
		supplier, err := d.service.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		record := cachedSupplier{ID: supplier.ID, Name: supplier.Name}
		if d.redis != nil {
			if raw, err := json.Marshal(record); err == nil {
				d.redis.Set(ctx, key, raw, directoryTTL)
			}
		}
		return record, nil
	})
	if err != nil {
		return ledger.Supplier{}, err
	}
	record := v.(cachedSupplier)
	return ledger.Supplier{ID: record.ID, Name: record.Name}, nil
}

// Invalidate drops the cached record after a supplier edit.
func (d *Directory) Invalidate(ctx context.Context, id int64) {
	if d.redis != nil {
		d.redis.Del(ctx, cacheKey(id))
	}
}

func cacheKey(id int64) string {
	return "supplier:" + strconv.FormatInt(id, 10)
}
