// Package session provides the Redis-backed session store: presence flags,
// chat-membership mirrors, offline queues, refresh-token allowlist, and
// message rate counters. Every operation degrades gracefully when Redis is
// unreachable so the realtime path never crashes on store failures.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"murmur/internal/middleware"
	"murmur/internal/observability"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned when the store has no usable Redis client.
var ErrUnavailable = errors.New("session store unavailable")

const chatChannelPrefix = "chat:"

// ChannelPattern is the pub/sub pattern covering every chat channel.
const ChannelPattern = chatChannelPrefix + "*"

// Options tune store behavior; zero values fall back to the documented defaults.
type Options struct {
	OnlineTTL  time.Duration // presence flag TTL, default 90s
	OfflineCap int64         // offline queue bound, default 300
	SessionTTL time.Duration // user session set TTL, default 1h
}

// Store is a thin facade over Redis for the realtime core.
type Store struct {
	rdb        *redis.Client
	log        *slog.Logger
	onlineTTL  time.Duration
	offlineCap int64
	sessionTTL time.Duration
}

type metricsHook struct{}

func (h metricsHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h metricsHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) {
			observability.RedisErrors.WithLabelValues(cmd.Name()).Inc()
		}
		return err
	}
}

func (h metricsHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, redis.Nil) {
			observability.RedisErrors.WithLabelValues("pipeline").Inc()
		}
		return err
	}
}

// InitRedis builds a Redis client for the given address or URL. Returns nil
// when the server is unreachable; the store then runs in degraded mode.
func InitRedis(addr string) *redis.Client {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			middleware.Logger.Warn("invalid REDIS_URL, continuing without session store",
				slog.String("url", addr), slog.String("error", err.Error()))
			return nil
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(opts)
	client.AddHook(metricsHook{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		middleware.Logger.Warn("redis unreachable, continuing without session store",
			slog.String("error", err.Error()))
		return nil
	}
	middleware.Logger.Info("redis connected")
	return client
}

// New creates a Store over the given client. A nil client is allowed and
// puts the store in degraded mode.
func New(rdb *redis.Client, opts Options) *Store {
	if opts.OnlineTTL <= 0 {
		opts.OnlineTTL = 90 * time.Second
	}
	if opts.OfflineCap <= 0 {
		opts.OfflineCap = 300
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = time.Hour
	}
	return &Store{
		rdb:        rdb,
		log:        middleware.Logger,
		onlineTTL:  opts.OnlineTTL,
		offlineCap: opts.OfflineCap,
		sessionTTL: opts.SessionTTL,
	}
}

// Available reports whether the store has a usable Redis client.
func (s *Store) Available() bool { return s.rdb != nil }

func (s *Store) warn(op string, err error) {
	s.log.Warn("session store degraded", slog.String("op", op), slog.String("error", err.Error()))
}

func onlineKey(uid uint) string      { return "online:" + strconv.FormatUint(uint64(uid), 10) }
func sessionsKey(uid uint) string    { return "user:sessions:" + strconv.FormatUint(uint64(uid), 10) }
func membersKey(cid uint) string     { return "chat_members:" + strconv.FormatUint(uint64(cid), 10) }
func offlineKey(uid uint) string     { return "offline:" + strconv.FormatUint(uint64(uid), 10) }
func refreshKey(jti string) string   { return "refresh_jti:" + jti }
func rateLimitKey(uid uint) string   { return "ratelimit:msg:" + strconv.FormatUint(uint64(uid), 10) }

// ChatChannel derives the bus channel name for a chat.
func ChatChannel(cid uint) string {
	return chatChannelPrefix + strconv.FormatUint(uint64(cid), 10)
}

// ParseChatChannel extracts the chat id from a bus channel name.
func ParseChatChannel(channel string) (uint, error) {
	raw, ok := strings.CutPrefix(channel, chatChannelPrefix)
	if !ok {
		return 0, fmt.Errorf("not a chat channel: %s", channel)
	}
	cid, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad chat channel %s: %w", channel, err)
	}
	return uint(cid), nil
}

// MarkOnline sets the advisory presence flag with a TTL. Truth is the
// presence of a live socket in some instance; the flag may lag by its TTL.
func (s *Store) MarkOnline(ctx context.Context, uid uint) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.SetEx(ctx, onlineKey(uid), "1", s.onlineTTL).Err(); err != nil {
		s.warn("mark_online", err)
	}
}

// TouchOnline refreshes the presence TTL on activity.
func (s *Store) TouchOnline(ctx context.Context, uid uint) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Expire(ctx, onlineKey(uid), s.onlineTTL).Err(); err != nil {
		s.warn("touch_online", err)
	}
}

// MarkOffline clears the presence flag.
func (s *Store) MarkOffline(ctx context.Context, uid uint) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, onlineKey(uid)).Err(); err != nil {
		s.warn("mark_offline", err)
	}
}

// IsOnline reports the advisory presence flag.
func (s *Store) IsOnline(ctx context.Context, uid uint) bool {
	if s.rdb == nil {
		return false
	}
	n, err := s.rdb.Exists(ctx, onlineKey(uid)).Result()
	if err != nil {
		s.warn("is_online", err)
		return false
	}
	return n > 0
}

// AddSession records a session id for the user and refreshes the set TTL.
func (s *Store) AddSession(ctx context.Context, uid uint, sessionID string) {
	if s.rdb == nil {
		return
	}
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, sessionsKey(uid), sessionID)
	pipe.Expire(ctx, sessionsKey(uid), s.sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.warn("add_session", err)
	}
}

// RemoveSession drops a session id for the user.
func (s *Store) RemoveSession(ctx context.Context, uid uint, sessionID string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.SRem(ctx, sessionsKey(uid), sessionID).Err(); err != nil {
		s.warn("remove_session", err)
	}
}

// ClearSessions removes every session id for the user (logout).
func (s *Store) ClearSessions(ctx context.Context, uid uint) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, sessionsKey(uid)).Err(); err != nil {
		s.warn("clear_sessions", err)
	}
}

// AddUserToChat mirrors chat membership for fan-out target enumeration.
func (s *Store) AddUserToChat(ctx context.Context, uid, cid uint) error {
	if s.rdb == nil {
		return ErrUnavailable
	}
	if err := s.rdb.SAdd(ctx, membersKey(cid), strconv.FormatUint(uint64(uid), 10)).Err(); err != nil {
		s.warn("add_user_to_chat", err)
		return err
	}
	return nil
}

// RemoveUserFromChat removes a user from the membership mirror.
func (s *Store) RemoveUserFromChat(ctx context.Context, uid, cid uint) error {
	if s.rdb == nil {
		return ErrUnavailable
	}
	if err := s.rdb.SRem(ctx, membersKey(cid), strconv.FormatUint(uint64(uid), 10)).Err(); err != nil {
		s.warn("remove_user_from_chat", err)
		return err
	}
	return nil
}

// ChatMembers returns the mirrored member set for a chat.
func (s *Store) ChatMembers(ctx context.Context, cid uint) ([]uint, error) {
	if s.rdb == nil {
		return nil, ErrUnavailable
	}
	raw, err := s.rdb.SMembers(ctx, membersKey(cid)).Result()
	if err != nil {
		s.warn("chat_members", err)
		return nil, err
	}
	members := make([]uint, 0, len(raw))
	for _, m := range raw {
		id, parseErr := strconv.ParseUint(m, 10, 32)
		if parseErr != nil {
			continue
		}
		members = append(members, uint(id))
	}
	return members, nil
}

// PublishToChat publishes a payload on the chat's bus channel.
func (s *Store) PublishToChat(ctx context.Context, cid uint, payload []byte) error {
	if s.rdb == nil {
		return ErrUnavailable
	}
	return s.rdb.Publish(ctx, ChatChannel(cid), payload).Err()
}

// SubscribeChats opens a pattern subscription over every chat channel. The
// caller owns the returned PubSub.
func (s *Store) SubscribeChats(ctx context.Context) (*redis.PubSub, error) {
	if s.rdb == nil {
		return nil, ErrUnavailable
	}
	return s.rdb.PSubscribe(ctx, ChannelPattern), nil
}

// StoreOffline right-pushes an envelope onto the user's offline queue and
// trims the queue to its cap, dropping the oldest entries.
func (s *Store) StoreOffline(ctx context.Context, uid uint, payload []byte) error {
	if s.rdb == nil {
		return ErrUnavailable
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, offlineKey(uid), payload)
	pipe.LTrim(ctx, offlineKey(uid), -s.offlineCap, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.warn("store_offline", err)
		return err
	}
	return nil
}

// DrainOffline atomically reads and deletes the user's offline queue,
// returning envelopes in enqueue (FIFO) order.
func (s *Store) DrainOffline(ctx context.Context, uid uint) ([][]byte, error) {
	if s.rdb == nil {
		return nil, ErrUnavailable
	}
	pipe := s.rdb.TxPipeline()
	listCmd := pipe.LRange(ctx, offlineKey(uid), 0, -1)
	pipe.Del(ctx, offlineKey(uid))
	if _, err := pipe.Exec(ctx); err != nil {
		s.warn("drain_offline", err)
		return nil, err
	}
	raw := listCmd.Val()
	out := make([][]byte, 0, len(raw))
	for _, item := range raw {
		out = append(out, []byte(item))
	}
	return out, nil
}

// RateCheck applies a sliding-window limit to the user's message rate:
// drop scores older than now-window, count, and admit if under max.
// Fails open when the store is degraded.
func (s *Store) RateCheck(ctx context.Context, uid uint, max int, window time.Duration) bool {
	if s.rdb == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-window)
	key := rateLimitKey(uid)

	if err := s.rdb.ZRemRangeByScore(ctx, key, "0",
		strconv.FormatInt(cutoff.UnixNano(), 10)).Err(); err != nil {
		s.warn("rate_check", err)
		return true
	}
	count, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		s.warn("rate_check", err)
		return true
	}
	if count >= int64(max) {
		return false
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		s.warn("rate_check", err)
	}
	return true
}

// AddRefresh registers a refresh-token jti in the allowlist for the token lifetime.
func (s *Store) AddRefresh(ctx context.Context, jti string, uid uint, ttl time.Duration) error {
	if s.rdb == nil {
		return ErrUnavailable
	}
	return s.rdb.SetEx(ctx, refreshKey(jti), strconv.FormatUint(uint64(uid), 10), ttl).Err()
}

// IsRefreshValid reports whether a refresh-token jti is in the allowlist.
func (s *Store) IsRefreshValid(ctx context.Context, jti string) (bool, error) {
	if s.rdb == nil {
		return false, ErrUnavailable
	}
	n, err := s.rdb.Exists(ctx, refreshKey(jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RevokeRefresh removes a refresh-token jti from the allowlist.
func (s *Store) RevokeRefresh(ctx context.Context, jti string) error {
	if s.rdb == nil {
		return ErrUnavailable
	}
	return s.rdb.Del(ctx, refreshKey(jti)).Err()
}
