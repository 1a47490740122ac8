package battles

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps invitations and battles in process memory, for
// development and tests. Each ledger is an append-only slice in insertion
// order plus an id→index map; callers only ever see copies.
type MemoryStore struct {
	invitations *memoryInvitations
	battles     *memoryBattles
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	return &MemoryStore{
		invitations: &memoryInvitations{index: make(map[string]int), logger: logger},
		battles:     &memoryBattles{index: make(map[string]int), logger: logger},
	}
}

func (m *MemoryStore) Invitations() InvitationStore { return m.invitations }
func (m *MemoryStore) Battles() BattleStore         { return m.battles }

type memoryInvitations struct {
	mu     sync.RWMutex
	rows   []*Invitation
	index  map[string]int
	logger *slog.Logger
}

func (s *memoryInvitations) Insert(_ context.Context, inv *Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[inv.ID]; ok {
		return ErrDuplicateID
	}
	s.index[inv.ID] = len(s.rows)
	s.rows = append(s.rows, inv.clone())
	return nil
}

func (s *memoryInvitations) Get(_ context.Context, id string) (*Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return nil, ErrInvitationNotFound
	}
	return s.rows[i].clone(), nil
}

func (s *memoryInvitations) Update(_ context.Context, inv *Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[inv.ID]
	if !ok {
		s.logger.Warn("update of unknown invitation ignored", "invitationId", inv.ID)
		return ErrInvitationNotFound
	}
	s.rows[i] = inv.clone()
	return nil
}

func (s *memoryInvitations) List(_ context.Context, opts ListOptions) ([]*Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Invitation
	for _, inv := range s.rows {
		if opts.UserID != "" && inv.ChallengerID != opts.UserID && inv.OpponentID != opts.UserID {
			continue
		}
		if !opts.matchesInvitationStatus(inv) {
			continue
		}
		if !olderThan(inv.CreatedAt, inv.ID, opts.Cursor) {
			continue
		}
		result = append(result, inv.clone())
	}
	slices.SortFunc(result, func(a, b *Invitation) int {
		return newestFirst(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
	})
	if limit := opts.limit(); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *memoryInvitations) ListExpired(_ context.Context, before time.Time, limit int) ([]*Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Invitation
	for _, inv := range s.rows {
		if inv.Status == InvitationPending && inv.ExpiresAt.Before(before) {
			result = append(result, inv.clone())
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

type memoryBattles struct {
	mu     sync.RWMutex
	rows   []*Battle
	index  map[string]int
	logger *slog.Logger
}

func (s *memoryBattles) Insert(_ context.Context, b *Battle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[b.ID]; ok {
		return ErrDuplicateID
	}
	s.index[b.ID] = len(s.rows)
	s.rows = append(s.rows, b.clone())
	return nil
}

func (s *memoryBattles) Get(_ context.Context, id string) (*Battle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return nil, ErrBattleNotFound
	}
	return s.rows[i].clone(), nil
}

func (s *memoryBattles) Update(_ context.Context, b *Battle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[b.ID]
	if !ok {
		s.logger.Warn("update of unknown battle ignored", "battleId", b.ID)
		return ErrBattleNotFound
	}
	s.rows[i] = b.clone()
	return nil
}

func (s *memoryBattles) List(_ context.Context, opts ListOptions) ([]*Battle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Battle
	for _, b := range s.rows {
		if opts.UserID != "" && !b.IsParticipant(opts.UserID) {
			continue
		}
		if opts.Status != "" && string(b.Status) != opts.Status {
			continue
		}
		if !olderThan(b.StartedAt, b.ID, opts.Cursor) {
			continue
		}
		result = append(result, b.clone())
	}
	slices.SortFunc(result, func(a, b *Battle) int {
		return newestFirst(a.StartedAt, a.ID, b.StartedAt, b.ID)
	})
	if limit := opts.limit(); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
