package paymentwatch

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"storefront/internal/constants"
)

// RedisRegistry shares the in-flight guard between processes, e.g. two CLI
// instances or a bot and a web view acting for the same buyer. Keys expire
// after ttl so a crashed holder cannot block an order forever.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
	owner  string
}

// NewRedisRegistry connects to redis and checks the connection, as the settings store does.
func NewRedisRegistry(host, port, password string, db int, ttl time.Duration) (*RedisRegistry, error) {
	addr := fmt.Sprintf("%s:%s", host, port)
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		return nil, errors.Wrapf(err, "failed to connect to redis at %s", addr)
	}
	glog.Infof("payment registry connected to redis at %s", addr)
	return NewRedisRegistryWithClient(rdb, ttl), nil
}

// releaseScript deletes the key only while it still names this holder, so a
// holder that outlived its ttl cannot free an order someone else acquired since.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func newOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
}

func NewRedisRegistryWithClient(client *redis.Client, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = constants.DefaultPaymentDeadline + constants.InFlightTTLSlack
	}
	return &RedisRegistry{
		client: client,
		ttl:    ttl,
		owner:  newOwner(),
	}
}

func inFlightKey(orderID int64) string {
	return fmt.Sprintf("%s%d", constants.InFlightKeyPrefix, orderID)
}

func (r *RedisRegistry) Acquire(ctx context.Context, orderID int64) (bool, error) {
	ok, err := r.client.SetNX(ctx, inFlightKey(orderID), r.owner, r.ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "acquire in-flight key for order %d", orderID)
	}
	return ok, nil
}

func (r *RedisRegistry) Release(ctx context.Context, orderID int64) error {
	n, err := releaseScript.Run(ctx, r.client, []string{inFlightKey(orderID)}, r.owner).Int()
	if err != nil {
		return errors.Wrapf(err, "release in-flight key for order %d", orderID)
	}
	if n == 0 {
		glog.Warningf("in-flight key for order %d expired or taken over before release", orderID)
	}
	return nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
