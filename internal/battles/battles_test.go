package battles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/arena/internal/logging"
)

// mockBalances is an in-memory BalanceStore. Debits below zero fail.
type mockBalances struct {
	mu       sync.Mutex
	balances map[string]int64
	getErr   error
	debitErr error
	adjusts  []string
}

func newMockBalances(initial map[string]int64) *mockBalances {
	m := &mockBalances{balances: make(map[string]int64)}
	for id, b := range initial {
		m.balances[id] = b
	}
	return m
}

func (m *mockBalances) GetBalance(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return 0, m.getErr
	}
	b, ok := m.balances[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	return b, nil
}

func (m *mockBalances) AdjustBalance(ctx context.Context, userID string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjusts = append(m.adjusts, fmt.Sprintf("%s:%d", userID, delta))
	if delta < 0 && m.debitErr != nil {
		return m.debitErr
	}
	b, ok := m.balances[userID]
	if !ok {
		return ErrUserNotFound
	}
	if b+delta < 0 {
		return ErrInsufficientFunds
	}
	m.balances[userID] = b + delta
	return nil
}

func (m *mockBalances) set(userID string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = balance
}

func (m *mockBalances) get(userID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

func (m *mockBalances) total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, b := range m.balances {
		sum += b
	}
	return sum
}

// transferBalances adds an atomic Transfer to mockBalances.
type transferBalances struct {
	*mockBalances
	transfers atomic.Int32
}

func (t *transferBalances) Transfer(ctx context.Context, fromID, toID string, amount int64, reference string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.balances[fromID] < amount {
		return ErrInsufficientFunds
	}
	t.balances[fromID] -= amount
	t.balances[toID] += amount
	t.transfers.Add(1)
	return nil
}

// mockEvents captures published events.
type mockEvents struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockEvents) PublishBattleEvent(ctx context.Context, e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *mockEvents) kinds() []EventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventKind, len(m.events))
	for i, e := range m.events {
		out[i] = e.Kind
	}
	return out
}

type mockDirectory []User

func (d mockDirectory) ListUsers(ctx context.Context) ([]User, error) {
	return d, nil
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(balances BalanceStore) (*Service, *MemoryStore, *testClock) {
	store := NewMemoryStore(logging.Discard())
	clock := newTestClock()
	svc := NewService(store, balances, logging.Discard()).WithClock(clock.Now)
	return svc, store, clock
}

func invite(t *testing.T, svc *Service, challenger, opponent string, stake int64) *Invitation {
	t.Helper()
	inv, err := svc.CreateInvitation(context.Background(), CreateInvitationRequest{
		ChallengerID:   challenger,
		ChallengerName: challenger + "-name",
		OpponentID:     opponent,
		OpponentName:   opponent + "-name",
		Stake:          stake,
	})
	if err != nil {
		t.Fatalf("CreateInvitation failed: %v", err)
	}
	return inv
}

func TestHappyPath(t *testing.T) {
	balances := newMockBalances(map[string]int64{"A": 1000, "B": 500})
	svc, _, _ := newTestService(balances)
	ctx := context.Background()

	inv := invite(t, svc, "A", "B", 200)
	if inv.Status != InvitationPending {
		t.Fatalf("Expected pending, got %s", inv.Status)
	}
	if inv.ExpiresAt.Sub(inv.CreatedAt) != DefaultInvitationTTL {
		t.Errorf("Expected 24h TTL, got %v", inv.ExpiresAt.Sub(inv.CreatedAt))
	}

	battle, err := svc.AcceptInvitation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("AcceptInvitation failed: %v", err)
	}
	if balances.get("A") != 1000 || balances.get("B") != 500 {
		t.Fatal("Acceptance must not move funds")
	}
	if battle.Stake != 200 || battle.ChallengerName != "A-name" || battle.OpponentName != "B-name" {
		t.Errorf("Battle did not copy the invitation: %+v", battle)
	}
	if battle.ID == inv.ID {
		t.Error("Battle id must be independent of the invitation id")
	}

	accepted, _ := svc.GetInvitation(ctx, inv.ID)
	if accepted.Status != InvitationAccepted || accepted.BattleID != battle.ID {
		t.Errorf("Expected accepted invitation linked to battle, got %+v", accepted)
	}

	done, err := svc.CompleteBattle(ctx, battle.ID, "A")
	if err != nil {
		t.Fatalf("CompleteBattle failed: %v", err)
	}
	if balances.get("A") != 1200 || balances.get("B") != 300 {
		t.Errorf("Expected A=1200 B=300, got A=%d B=%d", balances.get("A"), balances.get("B"))
	}
	if done.Status != BattleCompleted || done.WinnerID != "A" || done.LoserID != "B" {
		t.Errorf("Unexpected completed battle: %+v", done)
	}
	if done.WinnerName != "A-name" || done.LoserName != "B-name" || done.CompletedAt == nil {
		t.Errorf("Winner/loser not stamped: %+v", done)
	}
}

func TestCreateInvitation_InsufficientFunds(t *testing.T) {
	tests := []struct {
		name      string
		balances  map[string]int64
		wantParty Party
	}{
		{"challenger short", map[string]int64{"A": 100, "B": 500}, PartyChallenger},
		{"opponent short", map[string]int64{"A": 500, "B": 100}, PartyOpponent},
		{"both short reports challenger", map[string]int64{"A": 1, "B": 1}, PartyChallenger},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := newTestService(newMockBalances(tt.balances))

			_, err := svc.CreateInvitation(context.Background(), CreateInvitationRequest{
				ChallengerID: "A", OpponentID: "B", Stake: 200,
			})
			var ife *InsufficientFundsError
			if !errors.As(err, &ife) {
				t.Fatalf("Expected InsufficientFundsError, got %v", err)
			}
			if ife.Party != tt.wantParty || ife.Required != 200 {
				t.Errorf("Expected party %s, got %+v", tt.wantParty, ife)
			}
			if !errors.Is(err, ErrInsufficientFunds) {
				t.Error("Expected errors.Is ErrInsufficientFunds")
			}

			invs, _ := store.Invitations().List(context.Background(), ListOptions{})
			if len(invs) != 0 {
				t.Errorf("Expected no invitation stored, got %d", len(invs))
			}
		})
	}
}

func TestCreateInvitation_Validation(t *testing.T) {
	svc, _, _ := newTestService(newMockBalances(map[string]int64{"A": 1000, "B": 1000}))
	ctx := context.Background()

	long := make([]byte, 501)
	for i := range long {
		long[i] = 'x'
	}

	tests := []struct {
		name string
		req  CreateInvitationRequest
		want error
	}{
		{"zero stake", CreateInvitationRequest{ChallengerID: "A", OpponentID: "B", Stake: 0}, ErrInvalidStake},
		{"negative stake", CreateInvitationRequest{ChallengerID: "A", OpponentID: "B", Stake: -5}, ErrInvalidStake},
		{"self challenge", CreateInvitationRequest{ChallengerID: "A", OpponentID: "A", Stake: 10}, ErrSelfChallenge},
		{"missing opponent", CreateInvitationRequest{ChallengerID: "A", Stake: 10}, ErrInvalidRequest},
		{"message too long", CreateInvitationRequest{ChallengerID: "A", OpponentID: "B", Stake: 10, Message: string(long)}, ErrInvalidRequest},
		{"unknown user", CreateInvitationRequest{ChallengerID: "A", OpponentID: "ghost", Stake: 10}, ErrUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateInvitation(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCreateInvitation_DirectoryFillsNames(t *testing.T) {
	svc, _, _ := newTestService(newMockBalances(map[string]int64{"A": 1000, "B": 1000}))
	svc.WithDirectory(mockDirectory{{ID: "A", Name: "Alice"}, {ID: "B", Name: "Bob"}})
	ctx := context.Background()

	inv, err := svc.CreateInvitation(ctx, CreateInvitationRequest{ChallengerID: "A", OpponentID: "B", Stake: 10, OpponentName: "Bobby"})
	if err != nil {
		t.Fatalf("CreateInvitation failed: %v", err)
	}
	if inv.ChallengerName != "Alice" || inv.OpponentName != "Bobby" {
		t.Errorf("Expected directory name for empty field only, got %q / %q", inv.ChallengerName, inv.OpponentName)
	}

	_, err = svc.CreateInvitation(ctx, CreateInvitationRequest{ChallengerID: "A", OpponentID: "C", Stake: 10})
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound for user missing from directory, got %v", err)
	}
}

func TestAccept_ChallengerSpentFunds(t *testing.T) {
	balances := newMockBalances(map[string]int64{"A": 300, "B": 500})
	svc, _, _ := newTestService(balances)
	ctx := context.Background()

	inv := invite(t, svc, "A", "B", 200)
	balances.set("A", 150) // spent elsewhere

	_, err := svc.AcceptInvitation(ctx, inv.ID)
	var ife *InsufficientFundsError
	if !errors.As(err, &ife) || ife.Party != PartyChallenger {
		t.Fatalf("Expected InsufficientFunds(challenger), got %v", err)
	}

	got, _ := svc.GetInvitation(ctx, inv.ID)
	if got.Status != InvitationDeclined {
		t.Errorf("Expected invitation auto-declined, got %s", got.Status)
	}
	battles, _ := svc.ListBattles(ctx, ListOptions{})
	if len(battles) != 0 {
		t.Errorf("Expected no battle, got %d", len(battles))
	}
}

func TestAccept_OpponentShortLeavesInvitationPending(t *testing.T) {
	balances := newMockBalances(map[string]int64{"A": 500, "B": 500})
	svc, _, _ := newTestService(balances)
	ctx := context.Background()

	inv := invite(t, svc, "A", "B", 200)
	balances.set("B", 50)

	_, err := svc.AcceptInvitation(ctx, inv.ID)
	var ife *InsufficientFundsError
	if !errors.As(err, &ife) || ife.Party != PartyOpponent {
		t.Fatalf("Expected InsufficientFunds(opponent), got %v", err)
	}

	got, _ := svc.GetInvitation(ctx, inv.ID)
	if got.Status != InvitationPending {
		t.Errorf("Expected invitation untouched, got %s", got.Status)
	}

	balances.set("B", 500)
	if _, err := svc.AcceptInvitation(ctx, inv.ID); err != nil {
		t.Errorf("Expected accept to succeed after top-up, got %v", err)
	}
}

func TestAccept_OnlyOnce(t *testing.T) {
	svc, _, _ := newTestService(newMockBalances(map[string]int64{"A": 500, "B": 500}))
	ctx := context.Background()

	inv := invite(t, svc, "A", "B", 100)
	if _, err := svc.AcceptInvitation(ctx, inv.ID); err != nil {
		t.Fatalf("AcceptInvitation failed: %v", err)
	}
	if _, err := svc.AcceptInvitation(ctx, inv.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState on second accept, got %v", err)
	}
	if _, err := svc.DeclineInvitation(ctx, inv.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState on decline after accept, got %v", err)
	}
	if _, err := svc.AcceptInvitation(ctx, "inv_missing"); !errors.Is(err, ErrInvitationNotFound) {
		t.Errorf("Expected ErrInvitationNotFound, got %v", err)
	}
}

func TestDecline(t *testing.T) {
	svc, _, _ := newTestService(newMockBalances(map[string]int64{"A": 500, "B": 500}))
	ctx := context.Background()

	inv := invite(t, svc, "A", "B", 100)
	declined, err := svc.DeclineInvitation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("DeclineInvitation failed: %v", err)
	}
	if declined.Status != InvitationDeclined || declined.RespondedAt == nil {
		t.Errorf("Expected declined with response time, got %+v", declined)
	}

	if _, err := svc.DeclineInvitation(ctx, inv.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState on second decline, got %v", err)
	}
	if _, err := svc.AcceptInvitation(ctx, inv.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState on accept after decline, got %v", err)
	}
	if _, err := svc.DeclineInvitation(ctx, "inv_missing"); !errors.Is(err, ErrInvitationNotFound) {
		t.Errorf("Expected ErrInvitationNotFound, got %v", err)
	}
}

func TestLazyExpiry(t *testing.T) {
	svc, store, clock := newTestService(newMockBalances(map[string]int64{"A": 500, "B": 500}))
	ctx := context.Background()

	inv := invite(t, svc, "A", "B", 100)
	clock.Advance(DefaultInvitationTTL + time.Second)

	view, _ := svc.GetInvitation(ctx, inv.ID)
	if view.Status != InvitationExpired {
		t.Errorf("Expected read view to report expired, got %s", view.Status)
	}
	stored, _ := store.Invitations().Get(ctx, inv.ID)
	if stored.Status != InvitationPending {
		t.Errorf("Expected read not to persist, got %s", stored.Status)
	}

	_, err := svc.AcceptInvitation(ctx, inv.ID)
	if !errors.Is(err, ErrInvitationExpired) || !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Expected ErrInvitationExpired wrapping ErrInvalidState, got %v", err)
	}
	stored, _ = store.Invitations().Get(ctx, inv.ID)
	if stored.Status != InvitationExpired {
		t.Errorf("Expected expiry persisted, got %s", stored.Status)
	}

	if _, err := svc.DeclineInvitation(ctx, inv.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState after expiry, got %v", err)
	}
}

func TestExpireInvitations(t *testing.T) {
	events := &mockEvents{}
	svc, _, clock := newTestService(newMockBalances(map[string]int64{"A": 1000, "B": 1000}))
	svc.WithEvents(events)
	ctx := context.Background()

	first := invite(t, svc, "A", "B", 10)
	invite(t, svc, "A", "B", 20)
	answered := invite(t, svc, "B", "A", 30)
	if _, err := svc.AcceptInvitation(ctx, answered.ID); err != nil {
		t.Fatalf("AcceptInvitation failed: %v", err)
	}

	n, err := svc.ExpireInvitations(ctx, clock.Now())
	if err != nil || n != 0 {
		t.Fatalf("Expected nothing due yet, got %d, %v", n, err)
	}

	clock.Advance(DefaultInvitationTTL + time.Minute)
	n, err = svc.ExpireInvitations(ctx, clock.Now())
	if err != nil {
		t.Fatalf("ExpireInvitations failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 expired, got %d", n)
	}

	got, _ := svc.GetInvitation(ctx, first.ID)
	if got.Status != InvitationExpired {
		t.Errorf("Expected expired, got %s", got.Status)
	}
	got, _ = svc.GetInvitation(ctx, answered.ID)
	if got.Status != InvitationAccepted {
		t.Errorf("Accepted invitation must not expire, got %s", got.Status)
	}

	expiredEvents := 0
	for _, k := range events.kinds() {
		if k == EventInvitationExpired {
			expiredEvents++
		}
	}
	if expiredEvents != 2 {
		t.Errorf("Expected 2 expiry events, got %d", expiredEvents)
	}
}

func TestComplete_DoubleCompletion(t *testing.T) {
	balances := newMockBalances(map[string]int64{"A": 500, "B": 500})
	svc, _, _ := newTestService(balances)
	ctx := context.Background()

	battle := mustBattle(t, svc, "A", "B", 100)
	if _, err := svc.CompleteBattle(ctx, battle.ID, "B"); err != nil {
		t.Fatalf("CompleteBattle failed: %v", err)
	}
	if _, err := svc.CompleteBattle(ctx, battle.ID, "A"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
	if balances.get("A") != 400 || balances.get("B") != 600 {
		t.Errorf("Expected A=400 B=600, got A=%d B=%d", balances.get("A"), balances.get("B"))
	}
	if _, err := svc.CompleteBattle(ctx, "btl_missing", "A"); !errors.Is(err, ErrBattleNotFound) {
		t.Errorf("Expected ErrBattleNotFound, got %v", err)
	}
}

func TestComplete_InvalidWinner(t *testing.T) {
	balances := newMockBalances(map[string]int64{"A": 500, "B": 500})
	svc, _, _ := newTestService(balances)
	ctx := context.Background()

	battle := mustBattle(t, svc, "A", "B", 100)
	if _, err := svc.CompleteBattle(ctx, battle.ID, "C"); !errors.Is(err, ErrInvalidWinner) {
		t.Fatalf("Expected ErrInvalidWinner, got %v", err)
	}

	got, _ := svc.GetBattle(ctx, battle.ID)
	if got.Status != BattleActive {
		t.Errorf("Expected battle still active, got %s", got.Status)
	}
	if balances.get("A") != 500 || balances.get("B") != 500 {
		t.Error("Expected balances unchanged")
	}
}

func TestComplete_LoserCannotCover(t *testing.T) {
	balances := newMockBalances(map[string]int64{"A": 500, "B": 500})
	svc, _, _ := newTestService(balances)
	ctx := context.Background()

	battle := mustBattle(t, svc, "A", "B", 200)
	balances.set("A", 50) // challenger spent after acceptance

	_, err := svc.CompleteBattle(ctx, battle.ID, "B")
	var ife *InsufficientFundsError
	if !errors.As(err, &ife) {
		t.Fatalf("Expected InsufficientFundsError, got %v", err)
	}
	if ife.Party != PartyChallenger || ife.UserID != "A" || ife.Balance != 50 {
		t.Errorf("Unexpected error detail: %+v", ife)
	}

	got, _ := svc.GetBattle(ctx, battle.ID)
	if got.Status != BattleActive {
		t.Errorf("Expected battle to stay active, got %s", got.Status)
	}
	if balances.get("A") != 50 || balances.get("B") != 500 {
		t.Error("Expected no funds moved")
	}

	// Winner side always completes regardless of own balance.
	if _, err := svc.CompleteBattle(ctx, battle.ID, "A"); err != nil {
		t.Errorf("Expected A to win against funded B, got %v", err)
	}
}

func TestComplete_UsesTransferer(t *testing.T) {
	balances := &transferBalances{mockBalances: newMockBalances(map[string]int64{"A": 500, "B": 500})}
	svc, _, _ := newTestService(balances)
	ctx := context.Background()

	battle := mustBattle(t, svc, "A", "B", 100)
	if _, err := svc.CompleteBattle(ctx, battle.ID, "A"); err != nil {
		t.Fatalf("CompleteBattle failed: %v", err)
	}
	if balances.transfers.Load() != 1 {
		t.Errorf("Expected one Transfer call, got %d", balances.transfers.Load())
	}
	if len(balances.adjusts) != 0 {
		t.Errorf("Expected no AdjustBalance calls, got %v", balances.adjusts)
	}
	if balances.get("A") != 600 || balances.get("B") != 400 {
		t.Errorf("Expected A=600 B=400, got A=%d B=%d", balances.get("A"), balances.get("B"))
	}
}

func TestComplete_DebitFailureReversesCredit(t *testing.T) {
	balances := newMockBalances(map[string]int64{"A": 500, "B": 500})
	svc, _, _ := newTestService(balances)
	ctx := context.Background()

	battle := mustBattle(t, svc, "A", "B", 100)
	balances.debitErr = errors.New("connection reset")
	// Compensation is a debit too; let it through.
	svc.balances = &debitOnce{mockBalances: balances}

	_, err := svc.CompleteBattle(ctx, battle.ID, "A")
	if !errors.Is(err, ErrBalanceUnavailable) {
		t.Fatalf("Expected ErrBalanceUnavailable, got %v", err)
	}
	if balances.get("A") != 500 || balances.get("B") != 500 {
		t.Errorf("Expected balances restored, got A=%d B=%d", balances.get("A"), balances.get("B"))
	}
	got, _ := svc.GetBattle(ctx, battle.ID)
	if got.Status != BattleActive {
		t.Errorf("Expected battle active, got %s", got.Status)
	}
}

// debitOnce fails the first debit with the configured error, then behaves.
type debitOnce struct {
	*mockBalances
	failed bool
}

func (d *debitOnce) AdjustBalance(ctx context.Context, userID string, delta int64) error {
	if delta < 0 && !d.failed {
		d.failed = true
		return d.debitErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.balances[userID] += delta
	return nil
}

func TestBalanceStoreUnavailable(t *testing.T) {
	balances := newMockBalances(map[string]int64{"A": 500, "B": 500})
	balances.getErr = errors.New("dial tcp: timeout")
	svc, _, _ := newTestService(balances)

	_, err := svc.CreateInvitation(context.Background(), CreateInvitationRequest{ChallengerID: "A", OpponentID: "B", Stake: 10})
	if !errors.Is(err, ErrBalanceUnavailable) {
		t.Errorf("Expected ErrBalanceUnavailable, got %v", err)
	}
	if errors.Is(err, ErrInsufficientFunds) {
		t.Error("Unavailable must be distinct from insufficient funds")
	}
}

// failingBattles wraps a BattleStore and fails every Update.
type failingBattles struct {
	BattleStore
	updates atomic.Int32
}

func (f *failingBattles) Update(ctx context.Context, b *Battle) error {
	f.updates.Add(1)
	return errors.New("database is down")
}

type splitStore struct {
	invitations InvitationStore
	battles     BattleStore
}

func (s splitStore) Invitations() InvitationStore { return s.invitations }
func (s splitStore) Battles() BattleStore         { return s.battles }

func TestComplete_UnrecordedSettlementIsNotRepeated(t *testing.T) {
	mem := NewMemoryStore(logging.Discard())
	failing := &failingBattles{BattleStore: mem.Battles()}
	balances := &transferBalances{mockBalances: newMockBalances(map[string]int64{"A": 500, "B": 500})}
	svc := NewService(splitStore{mem.Invitations(), failing}, balances, logging.Discard())
	ctx := context.Background()

	battle := mustBattle(t, svc, "A", "B", 100)

	_, err := svc.CompleteBattle(ctx, battle.ID, "A")
	if !errors.Is(err, ErrSettlementUnrecorded) {
		t.Fatalf("Expected ErrSettlementUnrecorded, got %v", err)
	}
	if failing.updates.Load() != 3 {
		t.Errorf("Expected 3 update attempts, got %d", failing.updates.Load())
	}

	_, err = svc.CompleteBattle(ctx, battle.ID, "B")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for already-settled battle, got %v", err)
	}
	if balances.transfers.Load() != 1 {
		t.Errorf("Expected exactly one transfer, got %d", balances.transfers.Load())
	}
}

func TestEventsPublished(t *testing.T) {
	events := &mockEvents{}
	svc, _, _ := newTestService(newMockBalances(map[string]int64{"A": 500, "B": 500}))
	svc.WithEvents(events)
	ctx := context.Background()

	battle := mustBattle(t, svc, "A", "B", 100)
	declined := invite(t, svc, "B", "A", 10)
	_, _ = svc.DeclineInvitation(ctx, declined.ID)
	_, _ = svc.CompleteBattle(ctx, battle.ID, "B")

	want := []EventKind{
		EventInvitationCreated, EventInvitationAccepted,
		EventInvitationCreated, EventInvitationDeclined,
		EventBattleCompleted,
	}
	got := events.kinds()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	last := events.events[len(events.events)-1]
	if last.WinnerID != "B" || last.WinnerName != "B-name" || last.LoserName != "A-name" || last.Stake != 100 {
		t.Errorf("Unexpected battle_completed payload: %+v", last)
	}
}

func TestStakeImmutable(t *testing.T) {
	svc, _, _ := newTestService(newMockBalances(map[string]int64{"A": 500, "B": 500}))
	ctx := context.Background()

	inv := invite(t, svc, "A", "B", 123)
	inv.Stake = 1 // caller mutates its copy

	battle, err := svc.AcceptInvitation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("AcceptInvitation failed: %v", err)
	}
	if battle.Stake != 123 {
		t.Errorf("Expected stake 123 carried to battle, got %d", battle.Stake)
	}

	battle.Stake = 1
	done, _ := svc.CompleteBattle(ctx, battle.ID, "A")
	if done.Stake != 123 {
		t.Errorf("Expected settled stake 123, got %d", done.Stake)
	}
}

func TestConcurrentCompletion_SingleSettlement(t *testing.T) {
	balances := &transferBalances{mockBalances: newMockBalances(map[string]int64{"A": 1000, "B": 1000})}
	svc, _, _ := newTestService(balances)
	ctx := context.Background()

	battle := mustBattle(t, svc, "A", "B", 250)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		winner := "A"
		if i%2 == 1 {
			winner = "B"
		}
		go func() {
			defer wg.Done()
			if _, err := svc.CompleteBattle(ctx, battle.ID, winner); err == nil {
				successes.Add(1)
			} else if !errors.Is(err, ErrInvalidState) {
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("Expected exactly 1 settlement, got %d", successes.Load())
	}
	if balances.transfers.Load() != 1 {
		t.Errorf("Expected exactly 1 transfer, got %d", balances.transfers.Load())
	}
	if balances.total() != 2000 {
		t.Errorf("Expected total 2000 conserved, got %d", balances.total())
	}
}

func TestConcurrentAcceptance_SingleBattle(t *testing.T) {
	svc, _, _ := newTestService(newMockBalances(map[string]int64{"A": 1000, "B": 1000}))
	ctx := context.Background()

	inv := invite(t, svc, "A", "B", 100)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.AcceptInvitation(ctx, inv.ID); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("Expected exactly 1 acceptance, got %d", successes.Load())
	}
	battles, _ := svc.ListBattles(ctx, ListOptions{})
	if len(battles) != 1 {
		t.Errorf("Expected 1 battle, got %d", len(battles))
	}
}

func TestConcurrentSettlements_ConserveFunds(t *testing.T) {
	users := []string{"u1", "u2", "u3", "u4"}
	initial := map[string]int64{}
	for _, u := range users {
		initial[u] = 1000
	}
	balances := newMockBalances(initial)
	svc, _, _ := newTestService(balances)
	ctx := context.Background()

	var ids []string
	winners := map[string]string{}
	for i := 0; i < 24; i++ {
		a, b := users[i%4], users[(i+1)%4]
		battle := mustBattle(t, svc, a, b, int64(10+i))
		ids = append(ids, battle.ID)
		winners[battle.ID] = a
		if i%3 == 0 {
			winners[battle.ID] = b
		}
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := svc.CompleteBattle(ctx, id, winners[id]); err != nil {
				t.Errorf("CompleteBattle %s failed: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	if balances.total() != 4000 {
		t.Errorf("Expected total 4000 conserved, got %d", balances.total())
	}
	for _, u := range users {
		if balances.get(u) < 0 {
			t.Errorf("Balance of %s went negative: %d", u, balances.get(u))
		}
	}
}

func TestListInvitations_FiltersAndView(t *testing.T) {
	svc, _, clock := newTestService(newMockBalances(map[string]int64{"A": 1000, "B": 1000, "C": 1000}))
	ctx := context.Background()

	invite(t, svc, "A", "B", 10)
	clock.Advance(time.Second)
	invite(t, svc, "B", "C", 20)
	clock.Advance(time.Second)
	newest := invite(t, svc, "C", "A", 30)

	all, _ := svc.ListInvitations(ctx, ListOptions{})
	if len(all) != 3 || all[0].ID != newest.ID {
		t.Fatalf("Expected 3 invitations newest first, got %d", len(all))
	}

	forB, _ := svc.ListInvitations(ctx, ListOptions{UserID: "B"})
	if len(forB) != 2 {
		t.Errorf("Expected 2 invitations involving B, got %d", len(forB))
	}

	clock.Advance(DefaultInvitationTTL + time.Second)
	pending, _ := svc.ListInvitations(ctx, ListOptions{Status: string(InvitationPending)})
	if len(pending) != 0 {
		t.Errorf("Expected overdue invitations dropped from pending listing, got %d", len(pending))
	}
	all, _ = svc.ListInvitations(ctx, ListOptions{})
	for _, inv := range all {
		if inv.Status != InvitationExpired {
			t.Errorf("Expected %s reported expired, got %s", inv.ID, inv.Status)
		}
	}
}

// seedMixedExpiry creates one long-lived pending invitation followed by two
// newer ones that are overdue once the clock has advanced.
func seedMixedExpiry(t *testing.T, svc *Service, clock *testClock) (live, older, newer *Invitation) {
	t.Helper()
	svc.WithInvitationTTL(48 * time.Hour)
	live = invite(t, svc, "A", "B", 10)
	svc.WithInvitationTTL(time.Hour)
	clock.Advance(time.Second)
	older = invite(t, svc, "B", "C", 20)
	clock.Advance(time.Second)
	newer = invite(t, svc, "C", "A", 30)
	clock.Advance(2 * time.Hour)
	return live, older, newer
}

func TestListInvitations_ExpiredFilterIncludesOverdue(t *testing.T) {
	svc, _, clock := newTestService(newMockBalances(map[string]int64{"A": 1000, "B": 1000, "C": 1000}))
	ctx := context.Background()
	_, older, newer := seedMixedExpiry(t, svc, clock)

	got, err := svc.GetInvitation(ctx, older.ID)
	if err != nil || got.Status != InvitationExpired {
		t.Fatalf("Expected overdue invitation read as expired, got %v (%v)", got, err)
	}

	expired, err := svc.ListInvitations(ctx, ListOptions{Status: string(InvitationExpired)})
	if err != nil {
		t.Fatalf("ListInvitations failed: %v", err)
	}
	if len(expired) != 2 || expired[0].ID != newer.ID || expired[1].ID != older.ID {
		t.Fatalf("Expected both overdue invitations listed as expired, got %d", len(expired))
	}
	for _, inv := range expired {
		if inv.Status != InvitationExpired {
			t.Errorf("Expected %s reported expired, got %s", inv.ID, inv.Status)
		}
	}
}

func TestListInvitations_PendingPageSkipsOverdue(t *testing.T) {
	svc, _, clock := newTestService(newMockBalances(map[string]int64{"A": 1000, "B": 1000, "C": 1000}))
	live, _, _ := seedMixedExpiry(t, svc, clock)

	// The two newest rows are overdue; a page of two must still reach the live one.
	pending, err := svc.ListInvitations(context.Background(), ListOptions{Status: string(InvitationPending), Limit: 2})
	if err != nil {
		t.Fatalf("ListInvitations failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != live.ID {
		t.Fatalf("Expected only %s pending, got %d invitations", live.ID, len(pending))
	}
	if pending[0].Status != InvitationPending {
		t.Errorf("Expected pending, got %s", pending[0].Status)
	}
}

func TestLockTimeoutReturnsBusy(t *testing.T) {
	svc, _, _ := newTestService(newMockBalances(map[string]int64{"A": 1000, "B": 1000}))
	svc.WithTimeouts(0, 20*time.Millisecond)
	ctx := context.Background()

	inv := invite(t, svc, "A", "B", 10)
	unlock, err := svc.entityLocks.LockContext(ctx, invitationKey(inv.ID))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	if _, err := svc.AcceptInvitation(ctx, inv.ID); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}
}

func mustBattle(t *testing.T, svc *Service, challenger, opponent string, stake int64) *Battle {
	t.Helper()
	inv := invite(t, svc, challenger, opponent, stake)
	b, err := svc.AcceptInvitation(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("AcceptInvitation failed: %v", err)
	}
	return b
}
