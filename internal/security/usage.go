package security

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// UsageCounter reports how often a user exercised a permission since periodStart.
type UsageCounter interface {
	Count(ctx context.Context, userID, permissionID int64, periodStart time.Time) (int64, error)
}

// UsageRecorder records one use of a permission.
type UsageRecorder interface {
	Record(ctx context.Context, userID, permissionID int64, at time.Time) error
}

// ZeroUsage reports no usage. It is the default until a metering store is wired.
type ZeroUsage struct{}

// Count always returns zero.
func (ZeroUsage) Count(context.Context, int64, int64, time.Time) (int64, error) {
	return 0, nil
}

// MonthStart returns the first instant of the calendar month containing t, in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// RedisUsageCounter keeps one INCR counter per user, permission and month.
type RedisUsageCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisUsageCounter builds a counter whose keys start with prefix.
func NewRedisUsageCounter(client *redis.Client, prefix string) *RedisUsageCounter {
	if prefix == "" {
		prefix = "security:usage"
	}
	return &RedisUsageCounter{client: client, prefix: prefix}
}

func (c *RedisUsageCounter) key(userID, permissionID int64, periodStart time.Time) string {
	return fmt.Sprintf("%s:%d:%d:%s", c.prefix, userID, permissionID, periodStart.UTC().Format("2006-01"))
}

// Count reads the counter for the month of periodStart.
func (c *RedisUsageCounter) Count(ctx context.Context, userID, permissionID int64, periodStart time.Time) (int64, error) {
	raw, err := c.client.Get(ctx, c.key(userID, permissionID, periodStart)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("security: usage counter: %w", err)
	}
	return n, nil
}

// Record increments the counter for the month of at. The key expires once the month is over.
func (c *RedisUsageCounter) Record(ctx context.Context, userID, permissionID int64, at time.Time) error {
	start := MonthStart(at)
	key := c.key(userID, permissionID, start)
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, start.AddDate(0, 1, 0).Add(24*time.Hour))
	_, err := pipe.Exec(ctx)
	return err
}

// SQLUsageCounter counts rows in permission_usage.
type SQLUsageCounter struct {
	pool *pgxpool.Pool
}

// NewSQLUsageCounter builds a counter backed by the permission_usage table.
func NewSQLUsageCounter(pool *pgxpool.Pool) *SQLUsageCounter {
	return &SQLUsageCounter{pool: pool}
}

// Count returns the number of usage rows recorded since periodStart.
func (c *SQLUsageCounter) Count(ctx context.Context, userID, permissionID int64, periodStart time.Time) (int64, error) {
	var n int64
	err := c.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM permission_usage WHERE user_id = $1 AND permission_id = $2 AND created_at >= $3`,
		userID, permissionID, periodStart).Scan(&n)
	return n, err
}

// Record inserts a usage row.
func (c *SQLUsageCounter) Record(ctx context.Context, userID, permissionID int64, at time.Time) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO permission_usage (user_id, permission_id, created_at) VALUES ($1, $2, $3)`,
		userID, permissionID, at)
	return err
}
