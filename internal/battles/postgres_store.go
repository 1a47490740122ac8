package battles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists invitations and battles in PostgreSQL. The schema
// lives in migrations/002_battles.sql.
type PostgresStore struct {
	invitations *pgInvitations
	battles     *pgBattles
}

// NewPostgresStore creates a new PostgreSQL-backed battles store.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		invitations: &pgInvitations{db: db, logger: logger},
		battles:     &pgBattles{db: db, logger: logger},
	}
}

func (p *PostgresStore) Invitations() InvitationStore { return p.invitations }
func (p *PostgresStore) Battles() BattleStore         { return p.battles }

type pgInvitations struct {
	db     *sql.DB
	logger *slog.Logger
}

const invitationColumns = `id, challenger_id, challenger_name, opponent_id, opponent_name,
		       stake, message, status, battle_id, created_at, expires_at,
		       responded_at, updated_at`

func (s *pgInvitations) Insert(ctx context.Context, inv *Invitation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO battle_invitations (`+invitationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		inv.ID, inv.ChallengerID, inv.ChallengerName, inv.OpponentID, inv.OpponentName,
		inv.Stake, inv.Message, string(inv.Status), nullString(inv.BattleID),
		inv.CreatedAt, inv.ExpiresAt, nullTime(inv.RespondedAt), inv.UpdatedAt,
	)
	return insertError(err)
}

func (s *pgInvitations) Get(ctx context.Context, id string) (*Invitation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM battle_invitations WHERE id = $1`, id)
	inv, err := scanInvitation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvitationNotFound
	}
	return inv, err
}

// Update rewrites the mutable columns. Stake and participants never change.
func (s *pgInvitations) Update(ctx context.Context, inv *Invitation) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE battle_invitations
		SET status = $1, battle_id = $2, responded_at = $3, updated_at = $4
		WHERE id = $5`,
		string(inv.Status), nullString(inv.BattleID), nullTime(inv.RespondedAt), inv.UpdatedAt, inv.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		s.logger.Warn("update of unknown invitation ignored", "invitationId", inv.ID)
		return ErrInvitationNotFound
	}
	return nil
}

func (s *pgInvitations) List(ctx context.Context, opts ListOptions) ([]*Invitation, error) {
	var (
		where []string
		args  []any
	)
	if opts.UserID != "" {
		args = append(args, opts.UserID)
		where = append(where, fmt.Sprintf("(challenger_id = $%d OR opponent_id = $%d)", len(args), len(args)))
	}
	switch {
	case opts.Status == "":
	case opts.Now.IsZero():
		args = append(args, opts.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	case opts.Status == string(InvitationPending):
		args = append(args, opts.Now)
		where = append(where, fmt.Sprintf("status = 'pending' AND expires_at >= $%d", len(args)))
	case opts.Status == string(InvitationExpired):
		args = append(args, opts.Now)
		where = append(where, fmt.Sprintf("(status = 'expired' OR (status = 'pending' AND expires_at < $%d))", len(args)))
	default:
		args = append(args, opts.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if opts.Cursor != nil {
		args = append(args, opts.Cursor.At, opts.Cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, opts.limit())

	query := `SELECT ` + invitationColumns + ` FROM battle_invitations` + whereClause(where) +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanInvitations(rows)
}

func (s *pgInvitations) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invitationColumns+`
		FROM battle_invitations
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanInvitations(rows)
}

type pgBattles struct {
	db     *sql.DB
	logger *slog.Logger
}

const battleColumns = `id, invitation_id, challenger_id, challenger_name, opponent_id, opponent_name,
		       stake, status, started_at, completed_at, winner_id, winner_name,
		       loser_id, loser_name, updated_at`

func (s *pgBattles) Insert(ctx context.Context, b *Battle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO battles (`+battleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		b.ID, b.InvitationID, b.ChallengerID, b.ChallengerName, b.OpponentID, b.OpponentName,
		b.Stake, string(b.Status), b.StartedAt, nullTime(b.CompletedAt),
		nullString(b.WinnerID), nullString(b.WinnerName),
		nullString(b.LoserID), nullString(b.LoserName), b.UpdatedAt,
	)
	return insertError(err)
}

func (s *pgBattles) Get(ctx context.Context, id string) (*Battle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+battleColumns+` FROM battles WHERE id = $1`, id)
	b, err := scanBattle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBattleNotFound
	}
	return b, err
}

func (s *pgBattles) Update(ctx context.Context, b *Battle) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE battles
		SET status = $1, completed_at = $2, winner_id = $3, winner_name = $4,
		    loser_id = $5, loser_name = $6, updated_at = $7
		WHERE id = $8`,
		string(b.Status), nullTime(b.CompletedAt), nullString(b.WinnerID), nullString(b.WinnerName),
		nullString(b.LoserID), nullString(b.LoserName), b.UpdatedAt, b.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		s.logger.Warn("update of unknown battle ignored", "battleId", b.ID)
		return ErrBattleNotFound
	}
	return nil
}

func (s *pgBattles) List(ctx context.Context, opts ListOptions) ([]*Battle, error) {
	var (
		where []string
		args  []any
	)
	if opts.UserID != "" {
		args = append(args, opts.UserID)
		where = append(where, fmt.Sprintf("(challenger_id = $%d OR opponent_id = $%d)", len(args), len(args)))
	}
	if opts.Status != "" {
		args = append(args, opts.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if opts.Cursor != nil {
		args = append(args, opts.Cursor.At, opts.Cursor.ID)
		where = append(where, fmt.Sprintf("(started_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, opts.limit())

	query := `SELECT ` + battleColumns + ` FROM battles` + whereClause(where) +
		fmt.Sprintf(` ORDER BY started_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Battle
	for rows.Next() {
		b, err := scanBattle(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInvitation(sc scanner) (*Invitation, error) {
	var (
		inv         Invitation
		status      string
		battleID    sql.NullString
		respondedAt sql.NullTime
	)
	err := sc.Scan(
		&inv.ID, &inv.ChallengerID, &inv.ChallengerName, &inv.OpponentID, &inv.OpponentName,
		&inv.Stake, &inv.Message, &status, &battleID, &inv.CreatedAt, &inv.ExpiresAt,
		&respondedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Status = InvitationStatus(status)
	inv.BattleID = battleID.String
	if respondedAt.Valid {
		inv.RespondedAt = &respondedAt.Time
	}
	return &inv, nil
}

func scanInvitations(rows *sql.Rows) ([]*Invitation, error) {
	var result []*Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

func scanBattle(sc scanner) (*Battle, error) {
	var (
		b           Battle
		status      string
		completedAt sql.NullTime
	)
	var winnerID, winnerName, loserID, loserName sql.NullString
	err := sc.Scan(
		&b.ID, &b.InvitationID, &b.ChallengerID, &b.ChallengerName, &b.OpponentID, &b.OpponentName,
		&b.Stake, &status, &b.StartedAt, &completedAt, &winnerID, &winnerName,
		&loserID, &loserName, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = BattleStatus(status)
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	b.WinnerID = winnerID.String
	b.WinnerName = winnerName.String
	b.LoserID = loserID.String
	b.LoserName = loserName.String
	return &b, nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func insertError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateID
	}
	return err
}

// nullString converts an empty string to a NULL column value.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertions.
var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
