package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
)

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("storage path must be configured")

const schema = `
CREATE TABLE IF NOT EXISTS pending_rewards (
    id          TEXT PRIMARY KEY,
    recipient   TEXT NOT NULL,
    kind        TEXT NOT NULL,
    amount      TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMP NOT NULL,
    paid_at     TIMESTAMP,
    tx_hash     TEXT
);
CREATE INDEX IF NOT EXISTS idx_pending_rewards_recipient ON pending_rewards (recipient);
CREATE INDEX IF NOT EXISTS idx_pending_rewards_unpaid ON pending_rewards (paid_at) WHERE paid_at IS NULL;

CREATE TABLE IF NOT EXISTS leaderboard (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    wallet      TEXT NOT NULL,
    score       INTEGER NOT NULL,
    wave        INTEGER NOT NULL DEFAULT 0,
    kills       INTEGER NOT NULL DEFAULT 0,
    accuracy    REAL NOT NULL DEFAULT 0,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_leaderboard_score ON leaderboard (score DESC);
`

// leaderboardCap bounds the retained score records.
const leaderboardCap = 100

// RewardRecord is the journaled form of a pending reward entry.
type RewardRecord struct {
	ID          string
	Recipient   string
	Kind        string
	Amount      string
	Description string
	CreatedAt   time.Time
}

// ScoreRecord is one leaderboard row.
type ScoreRecord struct {
	Wallet     string    `json:"wallet"`
	Score      int64     `json:"score"`
	Wave       int       `json:"wave"`
	Kills      int       `json:"kills"`
	Accuracy   float64   `json:"accuracy"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Store wraps the distributord persistence layer: the reward journal and the
// game leaderboard.
type Store struct {
	db *sql.DB
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendReward journals a newly accepted reward entry.
func (s *Store) AppendReward(ctx context.Context, record RewardRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("reward id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_rewards (id, recipient, kind, amount, description, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		record.ID, strings.ToLower(record.Recipient), record.Kind, record.Amount, record.Description, record.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert reward: %w", err)
	}
	return nil
}

// MarkPaid stamps the supplied entries with the settlement transaction.
func (s *Store) MarkPaid(ctx context.Context, ids []string, txHash string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, time.Now().UTC(), txHash)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_rewards SET paid_at = ?, tx_hash = ? WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark paid: %w", err)
	}
	return nil
}

// LoadUnpaid returns every journaled entry that has not been settled, oldest
// first, for restoring the in-memory ledger at startup.
func (s *Store) LoadUnpaid(ctx context.Context) ([]RewardRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient, kind, amount, description, created_at
         FROM pending_rewards WHERE paid_at IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load unpaid rewards: %w", err)
	}
	defer rows.Close()
	var records []RewardRecord
	for rows.Next() {
		var record RewardRecord
		if err := rows.Scan(&record.ID, &record.Recipient, &record.Kind, &record.Amount, &record.Description, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reward: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rewards: %w", err)
	}
	return records, nil
}

// RecordScore inserts a leaderboard row and trims the table back to the cap,
// keeping the highest scores (oldest first on ties). Insert and trim commit as
// one transaction so concurrent submissions never observe the table above the
// cap or half trimmed.
func (s *Store) RecordScore(ctx context.Context, record ScoreRecord) error {
	if strings.TrimSpace(record.Wallet) == "" {
		return fmt.Errorf("wallet required")
	}
	recordedAt := record.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin score transaction: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO leaderboard (wallet, score, wave, kills, accuracy, recorded_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		strings.ToLower(record.Wallet), record.Score, record.Wave, record.Kills, record.Accuracy, recordedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert score: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM leaderboard WHERE id NOT IN (
             SELECT id FROM leaderboard ORDER BY score DESC, recorded_at ASC LIMIT ?
         )`, leaderboardCap)
	if err != nil {
		return fmt.Errorf("trim leaderboard: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit score: %w", err)
	}
	return nil
}

// TopScores returns up to limit leaderboard rows, highest score first.
func (s *Store) TopScores(ctx context.Context, limit int) ([]ScoreRecord, error) {
	if limit <= 0 || limit > leaderboardCap {
		limit = leaderboardCap
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT wallet, score, wave, kills, accuracy, recorded_at
         FROM leaderboard ORDER BY score DESC, recorded_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load leaderboard: %w", err)
	}
	defer rows.Close()
	var records []ScoreRecord
	for rows.Next() {
		var record ScoreRecord
		if err := rows.Scan(&record.Wallet, &record.Score, &record.Wave, &record.Kills, &record.Accuracy, &record.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scores: %w", err)
	}
	return records, nil
}
