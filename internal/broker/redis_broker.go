package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker on top of go-redis v9. It is the extended,
// domain-specific descendant of a thinner generic Redis adapter: the
// original only exposed Set/Get/Del/SAdd/SRem/SMembers/Publish/Subscribe
// for a hub-presence store; this one adds the sorted-set priority queue,
// hash-backed job/processing maps, and SETNX-based singleflight locking the
// synthesis core needs.
type RedisBroker struct {
	rdb *redis.Client
}

// Options configures the underlying pool.
type Options struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
}

// NewRedisBroker dials Redis and pings it before returning, so startup fails
// fast on misconfiguration rather than on the first loop iteration.
func NewRedisBroker(opts Options) (*RedisBroker, error) {
	dialTimeout := opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 3 * time.Second
	}
	poolSize := opts.PoolSize
	if poolSize == 0 {
		poolSize = 20
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("[Broker] connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisBroker{rdb: rdb}, nil
}

func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}

// --- Singleflight -----------------------------------------------------------

func (b *RedisBroker) AcquireSingleflight(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, InflightKey(fingerprint), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire singleflight %s: %w", fingerprint, err)
	}
	return ok, nil
}

func (b *RedisBroker) ReleaseSingleflight(ctx context.Context, fingerprint string) (bool, error) {
	n, err := b.rdb.Del(ctx, InflightKey(fingerprint)).Result()
	if err != nil {
		return false, fmt.Errorf("release singleflight %s: %w", fingerprint, err)
	}
	return n > 0, nil
}

// --- Queue -------------------------------------------------------------------

func (b *RedisBroker) QueuePush(ctx context.Context, modelSlug, jobID string, body []byte, score float64) error {
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, JobsKey(modelSlug), jobID, body)
	pipe.ZAdd(ctx, QueueName(modelSlug), redis.Z{Score: score, Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue push %s/%s: %w", modelSlug, jobID, err)
	}
	return nil
}

// QueuePopMin blocks until a job is available or the timeout elapses,
// mirroring BZPOPMIN. On timeout it returns ErrTimeout, which callers treat
// as a normal empty iteration, not a fault.
func (b *RedisBroker) QueuePopMin(ctx context.Context, modelSlug string, timeout time.Duration) (string, float64, error) {
	res, err := b.rdb.BZPopMin(ctx, timeout, QueueName(modelSlug)).Result()
	if err == redis.Nil {
		return "", 0, ErrTimeout
	}
	if err != nil {
		return "", 0, fmt.Errorf("queue pop min %s: %w", modelSlug, err)
	}
	jobID, _ := res.Member.(string)
	return jobID, res.Score, nil
}

func (b *RedisBroker) QueuePeekHead(ctx context.Context, modelSlug string) (string, float64, bool, error) {
	res, err := b.rdb.ZRangeWithScores(ctx, QueueName(modelSlug), 0, 0).Result()
	if err != nil {
		return "", 0, false, fmt.Errorf("queue peek head %s: %w", modelSlug, err)
	}
	if len(res) == 0 {
		return "", 0, false, nil
	}
	jobID, _ := res[0].Member.(string)
	return jobID, res[0].Score, true, nil
}

// QueueRemoveFromIndex atomically removes a job from the priority index,
// returning whether it was actually present. Used by both the overflow
// scanner (claiming an aged head) and the reaper/evictor paths; the same
// atomic claim primitive everywhere guards against double-processing.
func (b *RedisBroker) QueueRemoveFromIndex(ctx context.Context, modelSlug, jobID string) (bool, error) {
	n, err := b.rdb.ZRem(ctx, QueueName(modelSlug), jobID).Result()
	if err != nil {
		return false, fmt.Errorf("queue remove from index %s/%s: %w", modelSlug, jobID, err)
	}
	return n > 0, nil
}

func (b *RedisBroker) QueueFetchBody(ctx context.Context, modelSlug, jobID string) ([]byte, bool, error) {
	val, err := b.rdb.HGet(ctx, JobsKey(modelSlug), jobID).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("queue fetch body %s/%s: %w", modelSlug, jobID, err)
	}
	return val, true, nil
}

func (b *RedisBroker) QueueDeleteBody(ctx context.Context, modelSlug, jobID string) error {
	if err := b.rdb.HDel(ctx, JobsKey(modelSlug), jobID).Err(); err != nil {
		return fmt.Errorf("queue delete body %s/%s: %w", modelSlug, jobID, err)
	}
	return nil
}

// --- Subscribers ---------------------------------------------------------

func (b *RedisBroker) SubscriberAdd(ctx context.Context, fingerprint, entry string) error {
	if err := b.rdb.SAdd(ctx, SubscribersKey(fingerprint), entry).Err(); err != nil {
		return fmt.Errorf("subscriber add %s: %w", fingerprint, err)
	}
	return nil
}

// SubscriberDrain reads then deletes the whole subscriber set in one
// pipeline, so a concurrent late-joiner either lands fully before or fully
// after the drain, never half-observed.
func (b *RedisBroker) SubscriberDrain(ctx context.Context, fingerprint string) ([]string, error) {
	key := SubscribersKey(fingerprint)
	pipe := b.rdb.TxPipeline()
	membersCmd := pipe.SMembers(ctx, key)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("subscriber drain %s: %w", fingerprint, err)
	}
	return membersCmd.Val(), nil
}

// --- Pending set -----------------------------------------------------------

func (b *RedisBroker) PendingAdd(ctx context.Context, userID, documentID string, blockIdx int) error {
	if err := b.rdb.SAdd(ctx, PendingKey(userID, documentID), blockIdx).Err(); err != nil {
		return fmt.Errorf("pending add %s/%s/%d: %w", userID, documentID, blockIdx, err)
	}
	return nil
}

func (b *RedisBroker) PendingRemove(ctx context.Context, userID, documentID string, blockIdx int) error {
	if err := b.rdb.SRem(ctx, PendingKey(userID, documentID), blockIdx).Err(); err != nil {
		return fmt.Errorf("pending remove %s/%s/%d: %w", userID, documentID, blockIdx, err)
	}
	return nil
}

func (b *RedisBroker) PendingList(ctx context.Context, userID, documentID string) ([]int, error) {
	raw, err := b.rdb.SMembers(ctx, PendingKey(userID, documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("pending list %s/%s: %w", userID, documentID, err)
	}
	out := make([]int, 0, len(raw))
	for _, r := range raw {
		idx, convErr := strconv.Atoi(r)
		if convErr != nil {
			slog.Warn("[Broker] pending set entry is not an integer, skipping", "user_id", userID, "document_id", documentID, "raw", r)
			continue
		}
		out = append(out, idx)
	}
	return out, nil
}

// --- Pending → job-UUID index ----------------------------------------------

func (b *RedisBroker) PendingIndexPut(ctx context.Context, userID, documentID string, blockIdx int, jobID string) error {
	if err := b.rdb.HSet(ctx, PendingIndexKey(userID, documentID), strconv.Itoa(blockIdx), jobID).Err(); err != nil {
		return fmt.Errorf("pending index put %s/%s/%d: %w", userID, documentID, blockIdx, err)
	}
	return nil
}

func (b *RedisBroker) PendingIndexGet(ctx context.Context, userID, documentID string, blockIdx int) (string, bool, error) {
	jobID, err := b.rdb.HGet(ctx, PendingIndexKey(userID, documentID), strconv.Itoa(blockIdx)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pending index get %s/%s/%d: %w", userID, documentID, blockIdx, err)
	}
	return jobID, true, nil
}

func (b *RedisBroker) PendingIndexDelete(ctx context.Context, userID, documentID string, blockIdx int) error {
	if err := b.rdb.HDel(ctx, PendingIndexKey(userID, documentID), strconv.Itoa(blockIdx)).Err(); err != nil {
		return fmt.Errorf("pending index delete %s/%s/%d: %w", userID, documentID, blockIdx, err)
	}
	return nil
}

// --- Processing entries ------------------------------------------------------

func (b *RedisBroker) ProcessingPut(ctx context.Context, workerID, jobID string, entry []byte) error {
	if err := b.rdb.HSet(ctx, ProcessingKey(workerID), jobID, entry).Err(); err != nil {
		return fmt.Errorf("processing put %s/%s: %w", workerID, jobID, err)
	}
	return nil
}

func (b *RedisBroker) ProcessingScan(ctx context.Context, workerID string) (map[string][]byte, error) {
	raw, err := b.rdb.HGetAll(ctx, ProcessingKey(workerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("processing scan %s: %w", workerID, err)
	}
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		out[k] = []byte(v)
	}
	return out, nil
}

func (b *RedisBroker) ProcessingDelete(ctx context.Context, workerID, jobID string) error {
	if err := b.rdb.HDel(ctx, ProcessingKey(workerID), jobID).Err(); err != nil {
		return fmt.Errorf("processing delete %s/%s: %w", workerID, jobID, err)
	}
	return nil
}

// --- Result / billing / dead-letter lists -----------------------------------

func (b *RedisBroker) ResultPush(ctx context.Context, record []byte) error {
	if err := b.rdb.LPush(ctx, KeyResults, record).Err(); err != nil {
		return fmt.Errorf("result push: %w", err)
	}
	return nil
}

func (b *RedisBroker) ResultPop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return b.brpop(ctx, KeyResults, timeout)
}

func (b *RedisBroker) BillingPush(ctx context.Context, event []byte) error {
	if err := b.rdb.LPush(ctx, KeyBilling, event).Err(); err != nil {
		return fmt.Errorf("billing push: %w", err)
	}
	return nil
}

func (b *RedisBroker) BillingPop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return b.brpop(ctx, KeyBilling, timeout)
}

func (b *RedisBroker) DeadLetterPush(ctx context.Context, event []byte) error {
	if err := b.rdb.LPush(ctx, KeyDeadLetter, event).Err(); err != nil {
		return fmt.Errorf("dead letter push: %w", err)
	}
	return nil
}

func (b *RedisBroker) brpop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	res, err := b.rdb.BRPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return nil, ErrTimeout
	}
	if err != nil {
		return nil, fmt.Errorf("brpop %s: %w", key, err)
	}
	// res is [key, value]
	if len(res) < 2 {
		return nil, fmt.Errorf("brpop %s: unexpected reply shape", key)
	}
	return []byte(res[1]), nil
}

// --- Pub/sub -----------------------------------------------------------------

func (b *RedisBroker) Publish(ctx context.Context, channel string, message []byte) error {
	if err := b.rdb.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := b.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
