package streamq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tenderscan/domain"
	"tenderscan/obs"
)

// TerminalError marks an error as "terminal": the message is ACKed even though err != nil.
// Outcomes are persisted by the handler, so a terminal failure must not be redelivered.
type TerminalError struct{ Err error }

func (e TerminalError) Error() string {
	if e.Err == nil {
		return "terminal"
	}
	return e.Err.Error()
}

func (e TerminalError) Unwrap() error { return e.Err }

func Terminal(err error) error { return TerminalError{Err: err} }

func IsTerminal(err error) bool {
	var te TerminalError
	return errors.As(err, &te)
}

// Request asks a worker to (re)process an explicit list of tenders.
type Request struct {
	Keys      []domain.TenderKey
	Lifecycle domain.Lifecycle
}

func (r Request) encode() map[string]any {
	parts := make([]string, len(r.Keys))
	for i, k := range r.Keys {
		parts[i] = string(k.Registry) + ":" + strconv.FormatInt(k.ID, 10)
	}
	v := map[string]any{"tenders": strings.Join(parts, ",")}
	if r.Lifecycle != "" {
		v["lifecycle"] = string(r.Lifecycle)
	}
	return v
}

func decodeRequest(values map[string]any) (Request, error) {
	raw := strings.TrimSpace(fmt.Sprintf("%v", values["tenders"]))
	if _, ok := values["tenders"]; !ok || raw == "" {
		return Request{}, errors.New("message has no tenders")
	}
	var req Request
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		k, err := domain.ParseTenderKey(p)
		if err != nil {
			return Request{}, err
		}
		req.Keys = append(req.Keys, k)
	}
	if lc, ok := values["lifecycle"]; ok {
		req.Lifecycle = domain.Lifecycle(strings.TrimSpace(fmt.Sprintf("%v", lc)))
	}
	return req, nil
}

type RedisStreamQueue struct {
	rdb    redis.UniversalClient
	stream string
	group  string
	maxLen int64
}

func NewRedisStreamQueue(rdb redis.UniversalClient, stream, group string, maxLen int64) *RedisStreamQueue {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &RedisStreamQueue{
		rdb:    rdb,
		stream: strings.TrimSpace(stream),
		group:  strings.TrimSpace(group),
		maxLen: maxLen,
	}
}

func (q *RedisStreamQueue) Enqueue(ctx context.Context, req Request) error {
	if q == nil || q.rdb == nil {
		return errors.New("redis stream queue not initialized")
	}
	if len(req.Keys) == 0 {
		return errors.New("request has no tenders")
	}
	if q.stream == "" {
		return errors.New("stream key is empty")
	}
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: req.encode(),
	}).Err()
}

func (q *RedisStreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil || q.rdb == nil {
		return errors.New("redis stream queue not initialized")
	}
	if q.stream == "" || q.group == "" {
		return errors.New("stream/group is empty")
	}
	// MKSTREAM: create stream automatically if it doesn't exist.
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err == nil {
		return nil
	}
	// BUSYGROUP means already exists.
	if strings.Contains(strings.ToLower(err.Error()), "busygroup") {
		return nil
	}
	return err
}

type Handler func(ctx context.Context, req Request) error

type Consumer struct {
	rdb      redis.UniversalClient
	stream   string
	group    string
	consumer string
	block    time.Duration
	count    int64
	concur   chan struct{}
	log      *slog.Logger

	// Pending handling (XAUTOCLAIM).
	claimMinIdle    time.Duration
	claimCount      int64
	claimStart      string
	claimEvery      time.Duration
	lastClaimedTime time.Time
}

func NewConsumer(rdb redis.UniversalClient, stream, group, consumer string, log *slog.Logger) *Consumer {
	c := strings.TrimSpace(consumer)
	if c == "" {
		c = "c-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return &Consumer{
		rdb:      rdb,
		stream:   strings.TrimSpace(stream),
		group:    strings.TrimSpace(group),
		consumer: c,
		block:    10 * time.Second,
		count:    1,
		log:      obs.Or(log),

		// a reprocess batch can take many minutes
		claimMinIdle: 30 * time.Minute,
		claimCount:   10,
		claimStart:   "0-0",
		claimEvery:   time.Minute,
	}
}

// SetConcurrency sets the max concurrent handler goroutines.
// n<=1 means run sequentially.
func (c *Consumer) SetConcurrency(n int) {
	if c == nil {
		return
	}
	if n <= 1 {
		c.concur = nil
		return
	}
	c.concur = make(chan struct{}, n)
}

func (c *Consumer) SetBlock(d time.Duration) {
	if d > 0 {
		c.block = d
	}
}

func (c *Consumer) ConsumeLoop(ctx context.Context, handler Handler) error {
	if c == nil || c.rdb == nil {
		return errors.New("consumer not initialized")
	}
	if c.stream == "" || c.group == "" {
		return errors.New("stream/group is empty")
	}
	if handler == nil {
		return errors.New("handler is nil")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Best-effort: auto-claim pending messages (worker crash/restart).
		c.maybeAutoClaim(ctx, handler)

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    c.count,
			Block:    c.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// transient network issue: keep looping
			c.log.Warn("stream consume error", "stream", c.stream, "err", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, s := range res {
			c.dispatch(ctx, handler, s.Messages)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, handler Handler, msgs []redis.XMessage) {
	for _, msg := range msgs {
		if c.concur == nil {
			c.handleOne(ctx, handler, msg)
			continue
		}
		c.concur <- struct{}{}
		go func(m redis.XMessage) {
			defer func() { <-c.concur }()
			c.handleOne(ctx, handler, m)
		}(msg)
	}
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	return c.rdb.XAck(ctx, c.stream, c.group, id).Err()
}

func (c *Consumer) handleOne(ctx context.Context, handler Handler, msg redis.XMessage) {
	req, err := decodeRequest(msg.Values)
	if err != nil {
		c.log.Warn("dropping malformed reprocess request", "msg", msg.ID, "err", err)
		_ = c.ack(ctx, msg.ID)
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("handler panic", "msg", msg.ID, "panic", fmt.Sprint(r))
				// poison message: ACK instead of hot-looping on it
				err = Terminal(fmt.Errorf("panic: %v", r))
			}
		}()
		err = handler(ctx, req)
	}()

	// ACK rules:
	// - nil or Terminal(err): always ACK
	// - otherwise: keep pending (will be auto-claimed later)
	if err == nil || IsTerminal(err) {
		_ = c.ack(ctx, msg.ID)
		return
	}
	c.log.Warn("handler non-terminal error, keeping pending", "msg", msg.ID, "tenders", len(req.Keys), "err", err)
}

func (c *Consumer) maybeAutoClaim(ctx context.Context, handler Handler) {
	if c.claimEvery <= 0 || c.claimMinIdle <= 0 {
		return
	}
	now := time.Now()
	if !c.lastClaimedTime.IsZero() && now.Sub(c.lastClaimedTime) < c.claimEvery {
		return
	}
	c.lastClaimedTime = now

	// If redis doesn't support XAUTOCLAIM, it will error; we just skip.
	msgs, nextStart, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.claimMinIdle,
		Start:    c.claimStart,
		Count:    c.claimCount,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Debug("xautoclaim error", "err", err)
		}
		return
	}
	if strings.TrimSpace(nextStart) != "" {
		c.claimStart = nextStart
	}
	c.dispatch(ctx, handler, msgs)
}
