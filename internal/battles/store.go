package battles

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/arena/internal/pagination"
)

// ErrDuplicateID is returned by Insert when the id is already taken.
var ErrDuplicateID = errors.New("record with this id already exists")

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// ListOptions filters and pages a listing. Results are newest first.
type ListOptions struct {
	UserID string // either participant
	Status string
	Limit  int
	Cursor *pagination.Cursor

	// Now is the reference time for invitation status filters: a pending
	// invitation past its deadline at Now matches "expired", not "pending".
	// The zero value filters on the stored status alone.
	Now time.Time
}

// matchesInvitationStatus reports whether inv passes the status filter of
// opts, judging overdue pending invitations as expired.
func (o ListOptions) matchesInvitationStatus(inv *Invitation) bool {
	if o.Status == "" {
		return true
	}
	status := inv.Status
	if !o.Now.IsZero() && inv.IsOverdue(o.Now) {
		status = InvitationExpired
	}
	return string(status) == o.Status
}

func (o ListOptions) limit() int {
	switch {
	case o.Limit <= 0:
		return defaultListLimit
	case o.Limit > maxListLimit:
		return maxListLimit
	}
	return o.Limit
}

// InvitationStore persists invitations. Rows are never deleted.
type InvitationStore interface {
	Insert(ctx context.Context, inv *Invitation) error
	Get(ctx context.Context, id string) (*Invitation, error)
	Update(ctx context.Context, inv *Invitation) error
	List(ctx context.Context, opts ListOptions) ([]*Invitation, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Invitation, error)
}

// BattleStore persists battles. Rows are never deleted.
type BattleStore interface {
	Insert(ctx context.Context, b *Battle) error
	Get(ctx context.Context, id string) (*Battle, error)
	Update(ctx context.Context, b *Battle) error
	List(ctx context.Context, opts ListOptions) ([]*Battle, error)
}

// Store groups the two ledgers the Service owns.
type Store interface {
	Invitations() InvitationStore
	Battles() BattleStore
}

func (i *Invitation) clone() *Invitation {
	cp := *i
	if i.RespondedAt != nil {
		t := *i.RespondedAt
		cp.RespondedAt = &t
	}
	return &cp
}

func (b *Battle) clone() *Battle {
	cp := *b
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// olderThan reports whether (createdAt, id) sorts after the cursor in a
// newest-first listing.
func olderThan(createdAt time.Time, id string, c *pagination.Cursor) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.At) {
		return id < c.ID
	}
	return createdAt.Before(c.At)
}

// newestFirst orders by created time then id, both descending.
func newestFirst(aAt time.Time, aID string, bAt time.Time, bID string) int {
	if c := bAt.Compare(aAt); c != 0 {
		return c
	}
	switch {
	case aID > bID:
		return -1
	case aID < bID:
		return 1
	}
	return 0
}
