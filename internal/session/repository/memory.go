package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/clock"
	"github.com/SOG-web/reauth-sub001/internal/session/domain"
)

// MemoryRepository keeps sessions in process memory. Suitable for a single
// instance and for tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	clock    clock.Clock
	byID     map[string]*domain.Session
	byToken  map[string]string
	devices  map[string]*domain.Device
	metadata map[string]domain.Metadata
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty in-memory store using clk for expiry checks.
func NewMemoryRepository(clk clock.Clock) *MemoryRepository {
	return &MemoryRepository{
		clock:    clock.OrReal(clk),
		byID:     make(map[string]*domain.Session),
		byToken:  make(map[string]string),
		devices:  make(map[string]*domain.Device),
		metadata: make(map[string]domain.Metadata),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byToken[s.Token]; ok {
		return ErrDuplicateToken
	}
	r.byID[s.ID] = s.Clone()
	r.byToken[s.Token] = s.ID
	return nil
}

func (r *MemoryRepository) GetByToken(ctx context.Context, token string) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byToken[token]
	if !ok {
		return nil, nil
	}
	return r.liveLocked(id), nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.liveLocked(id), nil
}

func (r *MemoryRepository) GetByIDIncludingExpired(ctx context.Context, id string) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id].Clone(), nil
}

func (r *MemoryRepository) liveLocked(id string) *domain.Session {
	s, ok := r.byID[id]
	if !ok || s.Expired(r.clock.Now()) {
		return nil
	}
	return s.Clone()
}

func (r *MemoryRepository) Update(ctx context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[s.ID]
	if !ok {
		return ErrSessionNotFound
	}
	next := s.Clone()
	next.Token = cur.Token
	next.RotationCount = cur.RotationCount
	next.SubjectType = cur.SubjectType
	next.SubjectID = cur.SubjectID
	next.CreatedAt = cur.CreatedAt
	r.byID[s.ID] = next
	return nil
}

func (r *MemoryRepository) RotateToken(ctx context.Context, id, newToken string, expectedRotation int, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[id]
	if !ok || cur.Expired(r.clock.Now()) || cur.RotationCount != expectedRotation {
		return false, nil
	}
	if _, taken := r.byToken[newToken]; taken {
		return false, ErrDuplicateToken
	}
	delete(r.byToken, cur.Token)
	next := cur.Clone()
	next.Token = newToken
	next.RotationCount++
	next.UpdatedAt = at
	r.byID[id] = next
	r.byToken[newToken] = id
	return true, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _, ok := r.deleteLocked(id)
	return ok, nil
}

// deleteLocked removes a session and its children, reporting whether a
// device existed and how many metadata keys were dropped.
func (r *MemoryRepository) deleteLocked(id string) (device bool, metadata int, ok bool) {
	s, ok := r.byID[id]
	if !ok {
		return false, 0, false
	}
	delete(r.byToken, s.Token)
	delete(r.byID, id)
	_, device = r.devices[id]
	delete(r.devices, id)
	metadata = len(r.metadata[id])
	delete(r.metadata, id)
	return device, metadata, true
}

func (r *MemoryRepository) DeleteAllForSubject(ctx context.Context, subjectType, subjectID, exceptID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.byID {
		if s.SubjectType != subjectType || s.SubjectID != subjectID || id == exceptID {
			continue
		}
		r.deleteLocked(id)
		n++
	}
	return n, nil
}

func (r *MemoryRepository) ListForSubject(ctx context.Context, subjectType, subjectID string) ([]*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.clock.Now()
	var out []*domain.Session
	for _, s := range r.byID {
		if s.SubjectType == subjectType && s.SubjectID == subjectID && !s.Expired(now) {
			out = append(out, s.Clone())
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (r *MemoryRepository) CountForSubject(ctx context.Context, subjectType, subjectID string) (int, error) {
	list, err := r.ListForSubject(ctx, subjectType, subjectID)
	return len(list), err
}

func (r *MemoryRepository) UpsertDevice(ctx context.Context, d *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[d.SessionID]; !ok {
		return ErrSessionNotFound
	}
	c := *d
	r.devices[d.SessionID] = &c
	return nil
}

func (r *MemoryRepository) GetDevice(ctx context.Context, sessionID string) (*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[sessionID]
	if !ok {
		return nil, nil
	}
	c := *d
	return &c, nil
}

func (r *MemoryRepository) SetMetadata(ctx context.Context, sessionID string, md domain.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[sessionID]; !ok {
		return ErrSessionNotFound
	}
	cur := r.metadata[sessionID]
	if cur == nil {
		cur = make(domain.Metadata, len(md))
		r.metadata[sessionID] = cur
	}
	for k, v := range md {
		cur[k] = v
	}
	return nil
}

func (r *MemoryRepository) GetMetadata(ctx context.Context, sessionID string) (domain.Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(domain.Metadata, len(r.metadata[sessionID]))
	for k, v := range r.metadata[sessionID] {
		out[k] = v
	}
	return out, nil
}

func (r *MemoryRepository) DeleteMetadata(ctx context.Context, sessionID string, keys ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(keys) == 0 {
		delete(r.metadata, sessionID)
		return nil
	}
	for _, k := range keys {
		delete(r.metadata[sessionID], k)
	}
	return nil
}

func (r *MemoryRepository) CleanupExpired(ctx context.Context, before time.Time, batchSize int) (CleanupCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []*domain.Session
	for _, s := range r.byID {
		if s.ExpiresAt != nil && s.ExpiresAt.Before(before) {
			expired = append(expired, s)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(*expired[j].ExpiresAt) })
	if batchSize > 0 && len(expired) > batchSize {
		expired = expired[:batchSize]
	}
	var counts CleanupCounts
	for _, s := range expired {
		device, metadata, _ := r.deleteLocked(s.ID)
		counts.Sessions++
		if device {
			counts.Devices++
		}
		counts.Metadata += metadata
	}
	return counts, nil
}

func sortOldestFirst(list []*domain.Session) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
