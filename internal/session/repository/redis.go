package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SOG-web/reauth-sub001/internal/clock"
	"github.com/SOG-web/reauth-sub001/internal/security"
	"github.com/SOG-web/reauth-sub001/internal/session/domain"
)

// DefaultRedisPrefix namespaces every key the Redis store writes.
const DefaultRedisPrefix = "reauth"

// minKeyTTL keeps already-expired records addressable until cleanup removes
// their index entries.
const minKeyTTL = time.Second

// RedisRepository stores sessions in Redis. Key layout under prefix p:
//
//	p:session:<id>          JSON record (token stored as a hash), TTL = time to expiry
//	p:token:<hash>          session id
//	p:subject:<type>:<id>   ZSET of session ids scored by creation time
//	p:expiring              ZSET of session ids scored by expiry
//	p:owner                 HASH session id -> subject key
//	p:device:<id>           JSON device record
//	p:meta:<id>             HASH of metadata
type RedisRepository struct {
	client redis.UniversalClient
	prefix string
	clock  clock.Clock
}

var _ Repository = (*RedisRepository)(nil)

// NewRedisRepository returns a Redis-backed session store.
func NewRedisRepository(client redis.UniversalClient, prefix string, clk clock.Clock) *RedisRepository {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisRepository{client: client, prefix: prefix, clock: clock.OrReal(clk)}
}

type redisSession struct {
	ID            string     `json:"id"`
	SubjectType   string     `json:"subject_type"`
	SubjectID     string     `json:"subject_id"`
	TokenHash     string     `json:"token_hash"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	RotationCount int        `json:"rotation_count"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
	IPAddress     string     `json:"ip_address,omitempty"`
	UserAgent     string     `json:"user_agent,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func toRedisSession(s *domain.Session) *redisSession {
	c := s.Clone()
	return &redisSession{
		ID: c.ID, SubjectType: c.SubjectType, SubjectID: c.SubjectID, TokenHash: security.HashToken(c.Token),
		ExpiresAt: c.ExpiresAt, RotationCount: c.RotationCount, LastSeenAt: c.LastSeenAt,
		IPAddress: c.IPAddress, UserAgent: c.UserAgent, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
	}
}

func (rs *redisSession) toDomain(token string) *domain.Session {
	return &domain.Session{
		ID: rs.ID, SubjectType: rs.SubjectType, SubjectID: rs.SubjectID, Token: token,
		ExpiresAt: rs.ExpiresAt, RotationCount: rs.RotationCount, LastSeenAt: rs.LastSeenAt,
		IPAddress: rs.IPAddress, UserAgent: rs.UserAgent, CreatedAt: rs.CreatedAt, UpdatedAt: rs.UpdatedAt,
	}
}

func (r *RedisRepository) sessionKey(id string) string { return r.prefix + ":session:" + id }
func (r *RedisRepository) tokenKey(hash string) string { return r.prefix + ":token:" + hash }
func (r *RedisRepository) deviceKey(id string) string { return r.prefix + ":device:" + id }
func (r *RedisRepository) metaKey(id string) string { return r.prefix + ":meta:" + id }
func (r *RedisRepository) expiringKey() string { return r.prefix + ":expiring" }
func (r *RedisRepository) ownerKey() string { return r.prefix + ":owner" }
func (r *RedisRepository) subjectKey(typ, id string) string {
	return r.prefix + ":subject:" + typ + ":" + id
}

// ttl returns the key lifetime for a session expiring at exp; zero means no expiry.
func (r *RedisRepository) ttl(exp *time.Time) time.Duration {
	if exp == nil {
		return 0
	}
	d := exp.Sub(r.clock.Now())
	if d < minKeyTTL {
		return minKeyTTL
	}
	return d
}

func (r *RedisRepository) Create(ctx context.Context, s *domain.Session) error {
	rec := toRedisSession(s)
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := r.ttl(s.ExpiresAt)
	ok, err := r.client.SetNX(ctx, r.tokenKey(rec.TokenHash), s.ID, ttl).Result()
	if err != nil {
		return fmt.Errorf("reserve session token: %w", err)
	}
	if !ok {
		return ErrDuplicateToken
	}
	subjectKey := r.subjectKey(s.SubjectType, s.SubjectID)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.sessionKey(s.ID), b, ttl)
		p.ZAdd(ctx, subjectKey, redis.Z{Score: float64(s.CreatedAt.UnixMilli()), Member: s.ID})
		p.HSet(ctx, r.ownerKey(), s.ID, subjectKey)
		if s.ExpiresAt != nil {
			p.ZAdd(ctx, r.expiringKey(), redis.Z{Score: float64(s.ExpiresAt.UnixMilli()), Member: s.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (r *RedisRepository) load(ctx context.Context, c redis.Cmdable, id string) (*redisSession, error) {
	val, err := c.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var rec redisSession
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &rec, nil
}

func (r *RedisRepository) live(rec *redisSession) bool {
	return rec != nil && !rec.toDomain("").Expired(r.clock.Now())
}

func (r *RedisRepository) GetByToken(ctx context.Context, token string) (*domain.Session, error) {
	hash := security.HashToken(token)
	id, err := r.client.Get(ctx, r.tokenKey(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session token: %w", err)
	}
	rec, err := r.load(ctx, r.client, id)
	if err != nil {
		return nil, err
	}
	if !r.live(rec) || !security.TokenHashEqual(token, rec.TokenHash) {
		return nil, nil
	}
	return rec.toDomain(token), nil
}

func (r *RedisRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	rec, err := r.load(ctx, r.client, id)
	if err != nil || !r.live(rec) {
		return nil, err
	}
	return rec.toDomain(""), nil
}

// GetByIDIncludingExpired can only see an expired session until its key TTL
// evicts it, which happens shortly after expiry.
func (r *RedisRepository) GetByIDIncludingExpired(ctx context.Context, id string) (*domain.Session, error) {
	rec, err := r.load(ctx, r.client, id)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.toDomain(""), nil
}

func (r *RedisRepository) Update(ctx context.Context, s *domain.Session) error {
	key := r.sessionKey(s.ID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := r.load(ctx, tx, s.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrSessionNotFound
		}
		next := *cur
		next.ExpiresAt = s.Clone().ExpiresAt
		next.LastSeenAt = s.Clone().LastSeenAt
		next.IPAddress = s.IPAddress
		next.UserAgent = s.UserAgent
		next.UpdatedAt = s.UpdatedAt
		b, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		ttl := r.ttl(next.ExpiresAt)
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, ttl)
			if ttl > 0 {
				p.Expire(ctx, r.tokenKey(next.TokenHash), ttl)
				p.ZAdd(ctx, r.expiringKey(), redis.Z{Score: float64(next.ExpiresAt.UnixMilli()), Member: s.ID})
			} else {
				p.Persist(ctx, r.tokenKey(next.TokenHash))
				p.ZRem(ctx, r.expiringKey(), s.ID)
			}
			r.touchChildren(ctx, p, s.ID, ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("update session: concurrent modification")
	}
	return err
}

func (r *RedisRepository) touchChildren(ctx context.Context, p redis.Pipeliner, id string, ttl time.Duration) {
	if ttl > 0 {
		p.Expire(ctx, r.deviceKey(id), ttl)
		p.Expire(ctx, r.metaKey(id), ttl)
		return
	}
	p.Persist(ctx, r.deviceKey(id))
	p.Persist(ctx, r.metaKey(id))
}

// RotateToken swaps the token index under WATCH so a concurrent rotation of
// the same session fails instead of both succeeding.
func (r *RedisRepository) RotateToken(ctx context.Context, id, newToken string, expectedRotation int, at time.Time) (bool, error) {
	key := r.sessionKey(id)
	newHash := security.HashToken(newToken)
	rotated := false
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !r.live(cur) || cur.RotationCount != expectedRotation {
			return nil
		}
		taken, err := tx.Exists(ctx, r.tokenKey(newHash)).Result()
		if err != nil {
			return err
		}
		if taken > 0 {
			return ErrDuplicateToken
		}
		oldHash := cur.TokenHash
		cur.TokenHash = newHash
		cur.RotationCount++
		cur.UpdatedAt = at
		b, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		ttl := r.ttl(cur.ExpiresAt)
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, r.tokenKey(oldHash))
			p.Set(ctx, r.tokenKey(newHash), id, ttl)
			p.Set(ctx, key, b, ttl)
			return nil
		})
		if err == nil {
			rotated = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rotated, nil
}

func (r *RedisRepository) Delete(ctx context.Context, id string) (bool, error) {
	existed, _, _, err := r.remove(ctx, id)
	return existed, err
}

// remove deletes a session and every index entry pointing at it. It reports
// whether the session record, a device, and how many metadata keys existed.
func (r *RedisRepository) remove(ctx context.Context, id string) (existed, device bool, metadata int, err error) {
	rec, err := r.load(ctx, r.client, id)
	if err != nil {
		return false, false, 0, err
	}
	subjectKey, err := r.client.HGet(ctx, r.ownerKey(), id).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, false, 0, fmt.Errorf("get session owner: %w", err)
	}
	if rec != nil && subjectKey == "" {
		subjectKey = r.subjectKey(rec.SubjectType, rec.SubjectID)
	}

	var (
		delSession *redis.IntCmd
		delDevice  *redis.IntCmd
		metaLen    *redis.IntCmd
	)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		metaLen = p.HLen(ctx, r.metaKey(id))
		delSession = p.Del(ctx, r.sessionKey(id))
		delDevice = p.Del(ctx, r.deviceKey(id))
		p.Del(ctx, r.metaKey(id))
		if rec != nil {
			p.Del(ctx, r.tokenKey(rec.TokenHash))
		}
		if subjectKey != "" {
			p.ZRem(ctx, subjectKey, id)
		}
		p.ZRem(ctx, r.expiringKey(), id)
		p.HDel(ctx, r.ownerKey(), id)
		return nil
	})
	if err != nil {
		return false, false, 0, fmt.Errorf("delete session: %w", err)
	}
	return delSession.Val() > 0, delDevice.Val() > 0, int(metaLen.Val()), nil
}

func (r *RedisRepository) DeleteAllForSubject(ctx context.Context, subjectType, subjectID, exceptID string) (int, error) {
	ids, err := r.client.ZRange(ctx, r.subjectKey(subjectType, subjectID), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list subject sessions: %w", err)
	}
	n := 0
	for _, id := range ids {
		if id == exceptID {
			continue
		}
		existed, _, _, err := r.remove(ctx, id)
		if err != nil {
			return n, err
		}
		if existed {
			n++
		}
	}
	return n, nil
}

func (r *RedisRepository) ListForSubject(ctx context.Context, subjectType, subjectID string) ([]*domain.Session, error) {
	ids, err := r.client.ZRange(ctx, r.subjectKey(subjectType, subjectID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list subject sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.sessionKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load subject sessions: %w", err)
	}
	var out []*domain.Session
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec redisSession
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		if r.live(&rec) {
			out = append(out, rec.toDomain(""))
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (r *RedisRepository) CountForSubject(ctx context.Context, subjectType, subjectID string) (int, error) {
	list, err := r.ListForSubject(ctx, subjectType, subjectID)
	return len(list), err
}

type redisDevice struct {
	Fingerprint string    `json:"fingerprint,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	IPAddress   string    `json:"ip_address,omitempty"`
	Location    string    `json:"location,omitempty"`
	IsTrusted   bool      `json:"is_trusted"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

func (r *RedisRepository) UpsertDevice(ctx context.Context, d *domain.Device) error {
	rec, err := r.load(ctx, r.client, d.SessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrSessionNotFound
	}
	b, err := json.Marshal(redisDevice{
		Fingerprint: d.Fingerprint, UserAgent: d.UserAgent, IPAddress: d.IPAddress, Location: d.Location,
		IsTrusted: d.IsTrusted, FirstSeenAt: d.FirstSeenAt, LastSeenAt: d.LastSeenAt,
	})
	if err != nil {
		return fmt.Errorf("marshal device: %w", err)
	}
	if err := r.client.Set(ctx, r.deviceKey(d.SessionID), b, r.ttl(rec.ExpiresAt)).Err(); err != nil {
		return fmt.Errorf("store device: %w", err)
	}
	return nil
}

func (r *RedisRepository) GetDevice(ctx context.Context, sessionID string) (*domain.Device, error) {
	val, err := r.client.Get(ctx, r.deviceKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	var rec redisDevice
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal device: %w", err)
	}
	return &domain.Device{
		SessionID: sessionID, Fingerprint: rec.Fingerprint, UserAgent: rec.UserAgent, IPAddress: rec.IPAddress,
		Location: rec.Location, IsTrusted: rec.IsTrusted, FirstSeenAt: rec.FirstSeenAt, LastSeenAt: rec.LastSeenAt,
	}, nil
}

func (r *RedisRepository) SetMetadata(ctx context.Context, sessionID string, md domain.Metadata) error {
	if len(md) == 0 {
		return nil
	}
	rec, err := r.load(ctx, r.client, sessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrSessionNotFound
	}
	values := make(map[string]any, len(md))
	for k, v := range md {
		values[k] = v
	}
	ttl := r.ttl(rec.ExpiresAt)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.metaKey(sessionID), values)
		if ttl > 0 {
			p.Expire(ctx, r.metaKey(sessionID), ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

func (r *RedisRepository) GetMetadata(ctx context.Context, sessionID string) (domain.Metadata, error) {
	vals, err := r.client.HGetAll(ctx, r.metaKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	return domain.Metadata(vals), nil
}

func (r *RedisRepository) DeleteMetadata(ctx context.Context, sessionID string, keys ...string) error {
	var err error
	if len(keys) == 0 {
		err = r.client.Del(ctx, r.metaKey(sessionID)).Err()
	} else {
		err = r.client.HDel(ctx, r.metaKey(sessionID), keys...).Err()
	}
	if err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}

// CleanupExpired reads one batch from the expiry index. Records Redis already
// evicted by TTL still count as sessions so index entries do not leak.
func (r *RedisRepository) CleanupExpired(ctx context.Context, before time.Time, batchSize int) (CleanupCounts, error) {
	var counts CleanupCounts
	ids, err := r.client.ZRangeByScore(ctx, r.expiringKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(batchSize),
	}).Result()
	if err != nil {
		return counts, fmt.Errorf("select expired sessions: %w", err)
	}
	for _, id := range ids {
		_, device, metadata, err := r.remove(ctx, id)
		if err != nil {
			return counts, err
		}
		counts.Sessions++
		if device {
			counts.Devices++
		}
		counts.Metadata += metadata
	}
	return counts, nil
}
