package battles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/arena/internal/idgen"
	"github.com/mbd888/arena/internal/logging"
	"github.com/mbd888/arena/internal/metrics"
	"github.com/mbd888/arena/internal/retry"
	"github.com/mbd888/arena/internal/syncutil"
	"github.com/mbd888/arena/internal/traces"
)

const (
	DefaultBalanceTimeout = 2 * time.Second
	DefaultLockTimeout    = 5 * time.Second

	expireBatchSize = 100
)

// Service implements the invitation and settlement state machine.
type Service struct {
	store     Store
	balances  BalanceStore
	directory UserDirectory
	events    EventPublisher
	logger    *slog.Logger
	validate  *validator.Validate

	// entityLocks serializes transitions per invitation or battle.
	// userLocks is taken only by settlement, after an entity lock.
	entityLocks *syncutil.ContextShardedMutex
	userLocks   *syncutil.ContextShardedMutex

	// unrecorded holds completed battles whose funds moved but whose record
	// could not be written, keyed by battle id.
	unrecorded sync.Map

	invitationTTL  time.Duration
	balanceTimeout time.Duration
	lockTimeout    time.Duration
	now            func() time.Time
}

// NewService creates a new battle service.
func NewService(store Store, balances BalanceStore, logger *slog.Logger) *Service {
	return &Service{
		store:          store,
		balances:       balances,
		logger:         logger,
		validate:       validator.New(),
		entityLocks:    syncutil.NewContextShardedMutex(),
		userLocks:      syncutil.NewContextShardedMutex(),
		invitationTTL:  DefaultInvitationTTL,
		balanceTimeout: DefaultBalanceTimeout,
		lockTimeout:    DefaultLockTimeout,
		now:            time.Now,
	}
}

// WithDirectory enables user resolution on invitation creation.
func (s *Service) WithDirectory(d UserDirectory) *Service {
	s.directory = d
	return s
}

// WithEvents adds a publisher for domain events.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// WithInvitationTTL overrides how long new invitations stay open.
func (s *Service) WithInvitationTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.invitationTTL = ttl
	}
	return s
}

// WithTimeouts bounds every BalanceStore call and lock wait.
func (s *Service) WithTimeouts(balance, lock time.Duration) *Service {
	if balance > 0 {
		s.balanceTimeout = balance
	}
	if lock > 0 {
		s.lockTimeout = lock
	}
	return s
}

// WithClock replaces time.Now, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateInvitation records a pending challenge. No funds move.
func (s *Service) CreateInvitation(ctx context.Context, req CreateInvitationRequest) (_ *Invitation, retErr error) {
	ctx, span := traces.StartSpan(ctx, "battles.CreateInvitation",
		traces.UserID(req.ChallengerID), traces.Stake(req.Stake))
	defer endSpan(span, &retErr)

	if req.Stake <= 0 {
		return nil, ErrInvalidStake
	}
	if err := s.validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.ChallengerID == req.OpponentID {
		return nil, ErrSelfChallenge
	}
	if err := s.resolveUsers(ctx, &req); err != nil {
		return nil, err
	}

	if _, err := s.requireFunds(ctx, PartyChallenger, req.ChallengerID, req.Stake); err != nil {
		return nil, err
	}
	if _, err := s.requireFunds(ctx, PartyOpponent, req.OpponentID, req.Stake); err != nil {
		return nil, err
	}

	now := s.now()
	inv := &Invitation{
		ID:             idgen.WithPrefix(idgen.InvitationPrefix),
		ChallengerID:   req.ChallengerID,
		ChallengerName: req.ChallengerName,
		OpponentID:     req.OpponentID,
		OpponentName:   req.OpponentName,
		Stake:          req.Stake,
		Message:        req.Message,
		Status:         InvitationPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.invitationTTL),
		UpdatedAt:      now,
	}
	if err := s.store.Invitations().Insert(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to store invitation: %w", err)
	}

	metrics.RecordInvitation(string(InvitationPending))
	s.publishInvitation(ctx, EventInvitationCreated, inv, now)
	logging.L(ctx, s.logger).Info("invitation created",
		"invitationId", inv.ID, "challengerId", inv.ChallengerID,
		"opponentId", inv.OpponentID, "stake", inv.Stake)
	return inv, nil
}

// AcceptInvitation turns a pending invitation into an active battle. Both
// balances are checked but nothing is reserved; settlement checks again.
func (s *Service) AcceptInvitation(ctx context.Context, invitationID string) (_ *Battle, retErr error) {
	ctx, span := traces.StartSpan(ctx, "battles.AcceptInvitation", traces.InvitationID(invitationID))
	defer endSpan(span, &retErr)

	unlock, err := s.lockEntity(ctx, invitationKey(invitationID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	inv, err := s.store.Invitations().Get(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if inv.Status != InvitationPending {
		return nil, ErrInvalidState
	}

	now := s.now()
	if inv.IsOverdue(now) {
		if err := s.closeInvitation(ctx, inv, InvitationExpired, now); err != nil {
			return nil, err
		}
		return nil, ErrInvitationExpired
	}

	if _, err := s.requireFunds(ctx, PartyOpponent, inv.OpponentID, inv.Stake); err != nil {
		return nil, err
	}
	if _, err := s.requireFunds(ctx, PartyChallenger, inv.ChallengerID, inv.Stake); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			// The challenger can no longer back the offer.
			if cerr := s.closeInvitation(ctx, inv, InvitationDeclined, now); cerr != nil {
				s.logger.Warn("failed to auto-decline invitation", "invitationId", inv.ID, "error", cerr)
			}
		}
		return nil, err
	}

	battle := &Battle{
		ID:             idgen.WithPrefix(idgen.BattlePrefix),
		InvitationID:   inv.ID,
		ChallengerID:   inv.ChallengerID,
		ChallengerName: inv.ChallengerName,
		OpponentID:     inv.OpponentID,
		OpponentName:   inv.OpponentName,
		Stake:          inv.Stake,
		Status:         BattleActive,
		StartedAt:      now,
		UpdatedAt:      now,
	}

	inv.Status = InvitationAccepted
	inv.BattleID = battle.ID
	inv.RespondedAt = &now
	inv.UpdatedAt = now
	if err := s.store.Invitations().Update(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to update invitation: %w", err)
	}

	if err := s.store.Battles().Insert(ctx, battle); err != nil {
		inv.Status = InvitationPending
		inv.BattleID = ""
		inv.RespondedAt = nil
		if rerr := retry.Persist.Do(ctx, func(ctx context.Context) error {
			return s.store.Invitations().Update(ctx, inv)
		}); rerr != nil {
			s.logger.Error("CRITICAL: invitation marked accepted without a battle (requires manual resolution)",
				"invitationId", inv.ID, "error", rerr)
		}
		return nil, fmt.Errorf("failed to store battle: %w", err)
	}

	metrics.RecordInvitation(string(InvitationAccepted))
	s.publishInvitation(ctx, EventInvitationAccepted, inv, now)
	logging.L(ctx, s.logger).Info("invitation accepted",
		"invitationId", inv.ID, "battleId", battle.ID, "stake", battle.Stake)
	return battle, nil
}

// DeclineInvitation closes a pending invitation without a battle.
func (s *Service) DeclineInvitation(ctx context.Context, invitationID string) (_ *Invitation, retErr error) {
	ctx, span := traces.StartSpan(ctx, "battles.DeclineInvitation", traces.InvitationID(invitationID))
	defer endSpan(span, &retErr)

	unlock, err := s.lockEntity(ctx, invitationKey(invitationID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	inv, err := s.store.Invitations().Get(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if inv.Status != InvitationPending {
		return nil, ErrInvalidState
	}

	now := s.now()
	if inv.IsOverdue(now) {
		if err := s.closeInvitation(ctx, inv, InvitationExpired, now); err != nil {
			return nil, err
		}
		return nil, ErrInvitationExpired
	}

	if err := s.closeInvitation(ctx, inv, InvitationDeclined, now); err != nil {
		return nil, err
	}
	logging.L(ctx, s.logger).Info("invitation declined", "invitationId", inv.ID)
	return inv, nil
}

// CompleteBattle declares winnerID the winner and moves the stake from the
// loser. The loser's balance is re-checked first; if it no longer covers the
// stake the battle stays active.
func (s *Service) CompleteBattle(ctx context.Context, battleID, winnerID string) (_ *Battle, retErr error) {
	ctx, span := traces.StartSpan(ctx, "battles.CompleteBattle",
		traces.BattleID(battleID), traces.UserID(winnerID))
	defer endSpan(span, &retErr)

	unlock, err := s.lockEntity(ctx, battleKey(battleID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if v, ok := s.unrecorded.Load(battleID); ok {
		s.recordCompletion(ctx, v.(*Battle))
		return nil, ErrInvalidState
	}

	b, err := s.store.Battles().Get(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if b.Status != BattleActive {
		return nil, ErrInvalidState
	}
	loserID, loserName, loserParty, ok := b.Opponent(winnerID)
	if !ok {
		return nil, ErrInvalidWinner
	}

	release, err := s.lockUsers(ctx, b.ChallengerID, b.OpponentID)
	if err != nil {
		return nil, err
	}
	defer release()

	balance, err := s.requireFunds(ctx, loserParty, loserID, b.Stake)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			metrics.RecordSettlementFailure("insufficient_funds")
		}
		return nil, err
	}

	if err := s.moveStake(ctx, b, loserID, winnerID); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			metrics.RecordSettlementFailure("insufficient_funds")
			return nil, &InsufficientFundsError{Party: loserParty, UserID: loserID, Balance: balance, Required: b.Stake}
		}
		metrics.RecordSettlementFailure("transfer_failed")
		return nil, err
	}

	now := s.now()
	b.Status = BattleCompleted
	b.CompletedAt = &now
	b.WinnerID = winnerID
	b.WinnerName = b.nameOf(winnerID)
	b.LoserID = loserID
	b.LoserName = loserName
	b.UpdatedAt = now

	// Funds have moved: the record must land even if the caller went away.
	if err := retry.Persist.Do(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return s.store.Battles().Update(ctx, b)
	}); err != nil {
		s.unrecorded.Store(b.ID, b.clone())
		s.logger.Error("CRITICAL: stake moved but battle record not updated (requires manual resolution)",
			"battleId", b.ID, "winnerId", winnerID, "loserId", loserID, "stake", b.Stake, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSettlementUnrecorded, err)
	}

	metrics.RecordSettlement(b.Stake, now.Sub(b.StartedAt))
	s.publish(ctx, Event{
		Kind:         EventBattleCompleted,
		InvitationID: b.InvitationID,
		BattleID:     b.ID,
		ChallengerID: b.ChallengerID,
		OpponentID:   b.OpponentID,
		WinnerID:     b.WinnerID,
		WinnerName:   b.WinnerName,
		LoserName:    b.LoserName,
		Stake:        b.Stake,
		OccurredAt:   now,
	})
	logging.L(ctx, s.logger).Info("battle completed",
		"battleId", b.ID, "winnerId", b.WinnerID, "loserId", b.LoserID, "stake", b.Stake)
	return b, nil
}

// GetInvitation returns an invitation. A pending invitation past its
// deadline is reported as expired.
func (s *Service) GetInvitation(ctx context.Context, id string) (*Invitation, error) {
	inv, err := s.store.Invitations().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(inv, s.now()), nil
}

// GetBattle returns a battle.
func (s *Service) GetBattle(ctx context.Context, id string) (*Battle, error) {
	return s.store.Battles().Get(ctx, id)
}

// ListInvitations returns invitations newest first. Status filters see
// overdue pending invitations as expired, matching GetInvitation.
func (s *Service) ListInvitations(ctx context.Context, opts ListOptions) ([]*Invitation, error) {
	if opts.Now.IsZero() {
		opts.Now = s.now()
	}
	invs, err := s.store.Invitations().List(ctx, opts)
	if err != nil {
		return nil, err
	}
	for _, inv := range invs {
		s.view(inv, opts.Now)
	}
	return invs, nil
}

// ListBattles returns battles newest first.
func (s *Service) ListBattles(ctx context.Context, opts ListOptions) ([]*Battle, error) {
	return s.store.Battles().List(ctx, opts)
}

// ExpireInvitations moves pending invitations whose deadline is before now
// to expired and returns how many it moved. One call handles at most one
// batch; the Timer calls it repeatedly.
func (s *Service) ExpireInvitations(ctx context.Context, now time.Time) (int, error) {
	candidates, err := s.store.Invitations().ListExpired(ctx, now, expireBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired invitations: %w", err)
	}

	expired := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.expireOne(ctx, c.ID, now)
		if err != nil {
			s.logger.Warn("failed to expire invitation", "invitationId", c.ID, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock, err := s.lockEntity(ctx, invitationKey(id))
	if err != nil {
		return false, err
	}
	defer unlock()

	// Re-read under the lock: it may have been answered since listing.
	inv, err := s.store.Invitations().Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !inv.IsOverdue(now) {
		return false, nil
	}
	if err := s.closeInvitation(ctx, inv, InvitationExpired, now); err != nil {
		return false, err
	}
	return true, nil
}

// closeInvitation performs the single terminal transition of inv.
func (s *Service) closeInvitation(ctx context.Context, inv *Invitation, status InvitationStatus, now time.Time) error {
	inv.Status = status
	inv.RespondedAt = &now
	inv.UpdatedAt = now
	if err := s.store.Invitations().Update(ctx, inv); err != nil {
		return fmt.Errorf("failed to update invitation: %w", err)
	}

	metrics.RecordInvitation(string(status))
	switch status {
	case InvitationDeclined:
		s.publishInvitation(ctx, EventInvitationDeclined, inv, now)
	case InvitationExpired:
		s.publishInvitation(ctx, EventInvitationExpired, inv, now)
	}
	return nil
}

// recordCompletion retries writing a settled battle left unrecorded.
func (s *Service) recordCompletion(ctx context.Context, b *Battle) {
	if err := s.store.Battles().Update(ctx, b); err != nil {
		s.logger.Error("CRITICAL: battle record still not updated after settlement",
			"battleId", b.ID, "error", err)
		return
	}
	s.unrecorded.Delete(b.ID)
	s.logger.Info("recovered unrecorded battle settlement", "battleId", b.ID)
}

// moveStake transfers the stake from loser to winner. With a Transferer it is
// one atomic call; otherwise a credit then a debit, the credit reversed if the
// debit fails.
func (s *Service) moveStake(ctx context.Context, b *Battle, loserID, winnerID string) (retErr error) {
	ctx, span := traces.StartSpan(ctx, "battles.moveStake",
		traces.Reference(b.ID), traces.Stake(b.Stake), traces.UserID(winnerID))
	defer endSpan(span, &retErr)

	bctx, cancel := context.WithTimeout(ctx, s.balanceTimeout)
	defer cancel()

	if t, ok := s.balances.(Transferer); ok {
		if err := t.Transfer(bctx, loserID, winnerID, b.Stake, b.ID); err != nil {
			return balanceError(err)
		}
		return nil
	}

	if err := s.balances.AdjustBalance(bctx, winnerID, b.Stake); err != nil {
		return balanceError(err)
	}
	if err := s.balances.AdjustBalance(bctx, loserID, -b.Stake); err != nil {
		cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), s.balanceTimeout)
		defer ccancel()
		if cerr := s.balances.AdjustBalance(cctx, winnerID, -b.Stake); cerr != nil {
			s.logger.Error("CRITICAL: failed to reverse winner credit after failed debit (requires manual resolution)",
				"battleId", b.ID, "winnerId", winnerID, "stake", b.Stake, "error", cerr)
		}
		return balanceError(err)
	}
	return nil
}

// requireFunds returns userID's balance, or an *InsufficientFundsError if it
// is below amount.
func (s *Service) requireFunds(ctx context.Context, party Party, userID string, amount int64) (int64, error) {
	bctx, cancel := context.WithTimeout(ctx, s.balanceTimeout)
	defer cancel()

	balance, err := s.balances.GetBalance(bctx, userID)
	if err != nil {
		return 0, balanceError(err)
	}
	if balance < amount {
		return balance, &InsufficientFundsError{Party: party, UserID: userID, Balance: balance, Required: amount}
	}
	return balance, nil
}

// resolveUsers checks both ids against the directory and fills in missing
// display names.
func (s *Service) resolveUsers(ctx context.Context, req *CreateInvitationRequest) error {
	if s.directory == nil {
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, s.balanceTimeout)
	defer cancel()
	users, err := s.directory.ListUsers(dctx)
	if err != nil {
		return balanceError(err)
	}

	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Name
	}
	challengerName, ok := names[req.ChallengerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, req.ChallengerID)
	}
	opponentName, ok := names[req.OpponentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, req.OpponentID)
	}
	if req.ChallengerName == "" {
		req.ChallengerName = challengerName
	}
	if req.OpponentName == "" {
		req.OpponentName = opponentName
	}
	return nil
}

func (s *Service) lockEntity(ctx context.Context, key string) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	unlock, err := s.entityLocks.LockContext(lctx, key)
	if err != nil {
		return nil, lockError(ctx)
	}
	return unlock, nil
}

func (s *Service) lockUsers(ctx context.Context, userIDs ...string) (func(), error) {
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = "usr:" + id
	}
	lctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	release, err := s.userLocks.LockMany(lctx, keys...)
	if err != nil {
		return nil, lockError(ctx)
	}
	return release, nil
}

// view applies lazy expiry to a copy read from the store.
func (s *Service) view(inv *Invitation, now time.Time) *Invitation {
	if inv.IsOverdue(now) {
		inv.Status = InvitationExpired
	}
	return inv
}

func (s *Service) publishInvitation(ctx context.Context, kind EventKind, inv *Invitation, now time.Time) {
	s.publish(ctx, Event{
		Kind:         kind,
		InvitationID: inv.ID,
		BattleID:     inv.BattleID,
		ChallengerID: inv.ChallengerID,
		OpponentID:   inv.OpponentID,
		Stake:        inv.Stake,
		OccurredAt:   now,
	})
}

func (s *Service) publish(ctx context.Context, e Event) {
	if s.events == nil {
		return
	}
	s.events.PublishBattleEvent(ctx, e)
}

func invitationKey(id string) string { return "inv:" + id }
func battleKey(id string) string     { return "btl:" + id }

// balanceError keeps domain errors from the BalanceStore and marks anything
// else as unavailable.
func balanceError(err error) error {
	if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrUserNotFound) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBalanceUnavailable, err)
}

// lockError distinguishes the caller giving up from a lock wait timing out.
func lockError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrBusy
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
