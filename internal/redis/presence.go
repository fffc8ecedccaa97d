package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathima-sithara/notify-service/internal/model"
	"github.com/fathima-sithara/notify-service/internal/ws"
)

// PresenceStore records which recipients hold a live websocket.
// Keys used:
//   - <prefix>:presence:<recipient>  sorted set of connection ids scored
//     by last activity (unix seconds)
//
// Members older than the TTL count as gone, which covers connections
// of a process that died without cleaning up.
type PresenceStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.SugaredLogger
	now    func() time.Time
}

type Presence struct {
	Recipient   model.Recipient `json:"recipient"`
	Online      bool            `json:"online"`
	Connections int64           `json:"connections"`
	LastSeen    *time.Time      `json:"lastSeen,omitempty"`
}

func NewPresenceStore(client *redis.Client, prefix string, ttl time.Duration, logger *zap.SugaredLogger) *PresenceStore {
	if prefix == "" {
		prefix = "notify"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PresenceStore{client: client, prefix: prefix, ttl: ttl, logger: logger, now: time.Now}
}

func (s *PresenceStore) key(r model.Recipient) string {
	return fmt.Sprintf("%s:presence:%s", s.prefix, r.Key())
}

func (s *PresenceStore) cutoff() string {
	return strconv.FormatInt(s.now().Add(-s.ttl).Unix(), 10)
}

// AddConnection marks connID live for r. It also refreshes an existing
// entry, so heartbeats call it too.
func (s *PresenceStore) AddConnection(ctx context.Context, r model.Recipient, connID string) error {
	key := s.key(r)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(s.now().Unix()), Member: connID})
		p.ZRemRangeByScore(ctx, key, "-inf", "("+s.cutoff())
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	return err
}

func (s *PresenceStore) RemoveConnection(ctx context.Context, r model.Recipient, connID string) error {
	return s.client.ZRem(ctx, s.key(r), connID).Err()
}

// Connections lists the live connection ids of r.
func (s *PresenceStore) Connections(ctx context.Context, r model.Recipient) ([]string, error) {
	return s.client.ZRangeByScore(ctx, s.key(r), &redis.ZRangeBy{Min: s.cutoff(), Max: "+inf"}).Result()
}

func (s *PresenceStore) IsOnline(ctx context.Context, r model.Recipient) (bool, error) {
	n, err := s.client.ZCount(ctx, s.key(r), s.cutoff(), "+inf").Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PresenceStore) Get(ctx context.Context, r model.Recipient) (Presence, error) {
	key := s.key(r)
	members, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: s.cutoff(), Max: "+inf"}).Result()
	if err != nil {
		return Presence{}, err
	}
	p := Presence{Recipient: r, Online: len(members) > 0, Connections: int64(len(members))}
	if len(members) > 0 {
		last := time.Unix(int64(members[len(members)-1].Score), 0).UTC()
		p.LastSeen = &last
	}
	return p, nil
}

// Observe applies one hub lifecycle event.
func (s *PresenceStore) Observe(ctx context.Context, ev ws.Event) error {
	switch ev.Kind {
	case ws.EventConnected, ws.EventHeartbeat:
		return s.AddConnection(ctx, ev.Identity, ev.ConnectionID)
	case ws.EventDisconnected:
		return s.RemoveConnection(ctx, ev.Identity, ev.ConnectionID)
	}
	return nil
}

// Run consumes hub events until ctx ends. Redis errors are logged; the
// TTL bounds how long a missed removal lingers.
func (s *PresenceStore) Run(ctx context.Context, events <-chan ws.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := s.Observe(opCtx, ev); err != nil {
				s.logger.Warnw("presence update failed", "kind", ev.Kind.String(), "identity", ev.Identity.String(), "err", err)
			}
			cancel()
		}
	}
}
