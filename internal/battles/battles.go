// Package battles runs peer-to-peer stake battles between users.
//
// Flow:
//  1. Challenger invites an opponent with a stake → invitation pending
//  2. Opponent accepts → invitation accepted, battle active (no money moves)
//  3. Opponent declines, or the invitation outlives its TTL → declined / expired
//  4. A winner is declared → stake moves loser → winner, battle completed
//
// Balances live outside this package behind BalanceStore. Invitations and
// battles are written only by Service; everything else sees copies.
package battles

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrBattleNotFound     = errors.New("battle not found")
	ErrInvalidState       = errors.New("invalid state for this operation")
	ErrInvalidWinner      = errors.New("winner is not a participant of this battle")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidStake       = errors.New("stake must be a positive amount")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrSelfChallenge      = errors.New("cannot challenge yourself")
	ErrUserNotFound       = errors.New("user not found")

	// ErrInvitationExpired is an ErrInvalidState: the invitation was pending
	// but its deadline has passed.
	ErrInvitationExpired = fmt.Errorf("%w: invitation expired", ErrInvalidState)

	// ErrBalanceUnavailable and ErrBusy are retryable. They say nothing about
	// whether the domain operation would have succeeded.
	ErrBalanceUnavailable = errors.New("balance store unavailable")
	ErrBusy               = errors.New("timed out waiting for a concurrent operation")

	// ErrSettlementUnrecorded means the stake moved but the battle record
	// could not be marked completed. Requires manual resolution.
	ErrSettlementUnrecorded = errors.New("stake moved but battle record not updated")
)

// DefaultInvitationTTL is how long an invitation stays open.
const DefaultInvitationTTL = 24 * time.Hour

// Party identifies which side of a wager an error or check refers to.
type Party string

const (
	PartyChallenger Party = "challenger"
	PartyOpponent   Party = "opponent"
)

// InsufficientFundsError reports which participant could not cover the stake.
type InsufficientFundsError struct {
	Party    Party  `json:"party"`
	UserID   string `json:"userId"`
	Balance  int64  `json:"balance"`
	Required int64  `json:"required"`
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: %s %s has %d, needs %d", e.Party, e.UserID, e.Balance, e.Required)
}

// Is makes errors.Is(err, ErrInsufficientFunds) match.
func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// InvitationStatus is the lifecycle state of an invitation.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
	InvitationExpired  InvitationStatus = "expired"
)

// BattleStatus is the lifecycle state of a battle.
type BattleStatus string

const (
	BattleActive    BattleStatus = "active"
	BattleCompleted BattleStatus = "completed"
)

// Invitation is a proposed wager waiting for the opponent's answer.
type Invitation struct {
	ID             string           `json:"id"`
	ChallengerID   string           `json:"challengerId"`
	ChallengerName string           `json:"challengerName"`
	OpponentID     string           `json:"opponentId"`
	OpponentName   string           `json:"opponentName"`
	Stake          int64            `json:"stake"`
	Message        string           `json:"message,omitempty"`
	Status         InvitationStatus `json:"status"`
	BattleID       string           `json:"battleId,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	ExpiresAt      time.Time        `json:"expiresAt"`
	RespondedAt    *time.Time       `json:"respondedAt,omitempty"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// IsTerminal returns true once the invitation has been answered or expired.
func (i *Invitation) IsTerminal() bool {
	return i.Status != InvitationPending
}

// IsOverdue reports whether a pending invitation has passed its deadline.
func (i *Invitation) IsOverdue(now time.Time) bool {
	return i.Status == InvitationPending && now.After(i.ExpiresAt)
}

// Battle is an accepted wager, active until a winner is declared.
type Battle struct {
	ID             string       `json:"id"`
	InvitationID   string       `json:"invitationId"`
	ChallengerID   string       `json:"challengerId"`
	ChallengerName string       `json:"challengerName"`
	OpponentID     string       `json:"opponentId"`
	OpponentName   string       `json:"opponentName"`
	Stake          int64        `json:"stake"`
	Status         BattleStatus `json:"status"`
	StartedAt      time.Time    `json:"startedAt"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
	WinnerID       string       `json:"winnerId,omitempty"`
	WinnerName     string       `json:"winnerName,omitempty"`
	LoserID        string       `json:"loserId,omitempty"`
	LoserName      string       `json:"loserName,omitempty"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// IsParticipant checks if a user is one of the two sides.
func (b *Battle) IsParticipant(userID string) bool {
	return userID == b.ChallengerID || userID == b.OpponentID
}

// Opponent returns the other participant of userID's side: their id, name
// and party. ok is false if userID is not a participant.
func (b *Battle) Opponent(userID string) (id, name string, party Party, ok bool) {
	switch userID {
	case b.ChallengerID:
		return b.OpponentID, b.OpponentName, PartyOpponent, true
	case b.OpponentID:
		return b.ChallengerID, b.ChallengerName, PartyChallenger, true
	}
	return "", "", "", false
}

// nameOf returns the display name of a participant.
func (b *Battle) nameOf(userID string) string {
	if userID == b.ChallengerID {
		return b.ChallengerName
	}
	return b.OpponentName
}

// User is an entry of the external user directory.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

// BalanceStore is the authoritative balance of each user. It is owned by the
// surrounding application; this package only reads it and adjusts it on
// settlement.
type BalanceStore interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	AdjustBalance(ctx context.Context, userID string, delta int64) error
}

// Transferer is an optional BalanceStore capability: move amount between
// two users as one atomic unit. Settlement uses it when available.
type Transferer interface {
	Transfer(ctx context.Context, fromID, toID string, amount int64, reference string) error
}

// UserDirectory resolves users and their display names.
type UserDirectory interface {
	ListUsers(ctx context.Context) ([]User, error)
}

// EventKind names a domain event.
type EventKind string

const (
	EventInvitationCreated  EventKind = "invitation_created"
	EventInvitationAccepted EventKind = "invitation_accepted"
	EventInvitationDeclined EventKind = "invitation_declined"
	EventInvitationExpired  EventKind = "invitation_expired"
	EventBattleCompleted    EventKind = "battle_completed"
)

// Event is emitted after a successful state transition. Turning it into a
// user-facing notification is the subscriber's job.
type Event struct {
	Kind         EventKind `json:"kind"`
	InvitationID string    `json:"invitationId,omitempty"`
	BattleID     string    `json:"battleId,omitempty"`
	ChallengerID string    `json:"challengerId"`
	OpponentID   string    `json:"opponentId"`
	WinnerID     string    `json:"winnerId,omitempty"`
	WinnerName   string    `json:"winnerName,omitempty"`
	LoserName    string    `json:"loserName,omitempty"`
	Stake        int64     `json:"stake"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// EventPublisher receives domain events. Implementations must not block.
type EventPublisher interface {
	PublishBattleEvent(ctx context.Context, event Event)
}

// CreateInvitationRequest contains the parameters for challenging a user.
type CreateInvitationRequest struct {
	ChallengerID   string `json:"challengerId" validate:"required,max=64"`
	ChallengerName string `json:"challengerName" validate:"max=255"`
	OpponentID     string `json:"opponentId" validate:"required,max=64"`
	OpponentName   string `json:"opponentName" validate:"max=255"`
	Stake          int64  `json:"stake" validate:"gt=0"`
	Message        string `json:"message" validate:"max=500"`
}

// CompleteBattleRequest declares the winner of a battle.
type CompleteBattleRequest struct {
	WinnerID string `json:"winnerId" validate:"required"`
}
