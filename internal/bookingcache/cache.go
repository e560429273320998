package bookingcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/coaching-payflow/internal/flowstore"
	pkgerrors "github.com/angelmondragon/coaching-payflow/pkg/errors"
	"github.com/angelmondragon/coaching-payflow/pkg/logger"
	"github.com/angelmondragon/coaching-payflow/pkg/redis"
)

const DefaultTTL = 30 * time.Minute

type store interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	BookingKey(bookingID string) string
}

// Cache keeps the last observed flow snapshot per booking so reads survive in-memory cleanup.
type Cache struct {
	store store
	ttl   time.Duration
	logg  *logger.Logger
}

// New builds a booking cache on top of the redis helpers.
func New(kv store, ttl time.Duration, logg *logger.Logger) (*Cache, error) {
	if kv == nil {
		return nil, fmt.Errorf("redis store required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Cache{store: kv, ttl: ttl, logg: logg}, nil
}

// Put stores the flow under its booking id. Flows without a booking are skipped.
func (c *Cache) Put(ctx context.Context, flow flowstore.Flow) error {
	bookingID := strings.TrimSpace(flow.BookingID)
	if bookingID == "" {
		return nil
	}
	payload, err := json.Marshal(flow)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode booking snapshot")
	}
	if err := c.store.Set(ctx, c.store.BookingKey(bookingID), payload, c.ttl); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cache booking snapshot")
	}
	return nil
}

// Get returns the cached snapshot for bookingID. A miss is reported with ok=false.
func (c *Cache) Get(ctx context.Context, bookingID string) (flowstore.Flow, bool, error) {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return flowstore.Flow{}, false, pkgerrors.New(pkgerrors.CodeValidation, "booking id is required")
	}
	raw, err := c.store.Get(ctx, c.store.BookingKey(bookingID))
	if redis.IsNil(err) {
		return flowstore.Flow{}, false, nil
	}
	if err != nil {
		return flowstore.Flow{}, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read booking snapshot")
	}

	var flow flowstore.Flow
	if err := json.Unmarshal([]byte(raw), &flow); err != nil {
		c.logg.Warn(c.logg.WithBookingID(ctx, bookingID), "dropping unreadable booking snapshot")
		_ = c.store.Del(ctx, c.store.BookingKey(bookingID))
		return flowstore.Flow{}, false, nil
	}
	return flow, true, nil
}

// Invalidate drops the cached snapshot for bookingID.
func (c *Cache) Invalidate(ctx context.Context, bookingID string) error {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return nil
	}
	if err := c.store.Del(ctx, c.store.BookingKey(bookingID)); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "invalidate booking snapshot")
	}
	c.logg.Debug(c.logg.WithBookingID(ctx, bookingID), "booking snapshot invalidated")
	return nil
}
