/*
Package sqlite provides the SQLite-backed implementation of every store
contract in the engine.

PURPOSE:
  One Store implements loyalty.TxStore, rules.RuleStore, rules.TierStore,
  abuse.FlagStore, and referral.SlotStore. In production the same
  patterns apply to PostgreSQL; only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  points_history has no UPDATE or DELETE path. Corrections happen via
  adjust entries referencing the original earn.

KEY TABLES:
  balances:         One mutable row per user, written only inside WithTx
  points_history:   Immutable audit trail of all balance changes
  earning_rules,
  expiry_rules:     Rule configuration
  tiers, benefits,
  tier_benefits:    Tier hierarchy and associations
  abuse_flags:      Fraud-flag records with per-type JSON details
  referral_configs,
  referral_slots:   Slot ladders; quantity guarded by CHECK(quantity >= 0)

CONCURRENCY:
  A write mutex is held across every WithTx, so ledger transactions are
  serialized; SQLite's single-writer WAL mode backs the same guarantee at
  the database level. Slot acquisition never trusts a prior read: it is
  a conditional UPDATE (quantity = quantity - 1 WHERE quantity > 0) with
  the row count deciding who won.

WAL MODE:
  Opened with WAL so readers don't block and crash recovery is clean.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")   // ":memory:" for tests
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := loyalty.NewLedger(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - store/memory: The in-memory twin used by most tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/abuse"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/referral"
	"github.com/warp/loyalty-engine/rules"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases coherent across the
	// pool; SQLite allows one writer at a time anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Balances (one mutable row per user)
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		available INTEGER NOT NULL DEFAULT 0 CHECK (available >= 0),
		pending INTEGER NOT NULL DEFAULT 0 CHECK (pending >= 0),
		lifetime_earned INTEGER NOT NULL DEFAULT 0,
		lifetime_redeemed INTEGER NOT NULL DEFAULT 0,
		current_tier_id TEXT,
		last_transaction_at TEXT NOT NULL
	);

	-- Points history (append-only audit trail)
	CREATE TABLE IF NOT EXISTS points_history (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		source_type TEXT,
		source_id TEXT,
		rule_id TEXT,
		reference_id TEXT,
		idempotency_key TEXT,
		expires_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_user
		ON points_history(user_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_history_idempotency
		ON points_history(idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_history_reference
		ON points_history(reference_id) WHERE reference_id IS NOT NULL;
	-- Hot path for the expiry sweep
	CREATE INDEX IF NOT EXISTS idx_history_expires
		ON points_history(expires_at) WHERE expires_at IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_history_source
		ON points_history(user_id, source_type, source_id);

	-- Earning rules
	CREATE TABLE IF NOT EXISTS earning_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		source_type TEXT NOT NULL,
		flat_amount INTEGER NOT NULL DEFAULT 0,
		points_per_unit TEXT NOT NULL DEFAULT '0',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		expiry_rule_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_earning_rules_source
		ON earning_rules(source_type);

	-- Expiry rules
	CREATE TABLE IF NOT EXISTS expiry_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		expiry_type TEXT NOT NULL,
		expiry_mode TEXT NOT NULL,
		duration_days INTEGER NOT NULL DEFAULT 0,
		duration_months INTEGER NOT NULL DEFAULT 0,
		notify_before_expiry BOOLEAN NOT NULL DEFAULT FALSE,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Tiers
	-- Level uniqueness is validated in rules.TierService; a UNIQUE index
	-- here would break reorder's level swaps mid-transaction.
	CREATE TABLE IF NOT EXISTS tiers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		level INTEGER NOT NULL,
		min_points INTEGER NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tiers_level ON tiers(level);

	-- Benefits and tier associations
	CREATE TABLE IF NOT EXISTS benefits (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS tier_benefits (
		tier_id TEXT NOT NULL,
		benefit_id TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		UNIQUE(tier_id, benefit_id)
	);

	-- Abuse flags
	CREATE TABLE IF NOT EXISTS abuse_flags (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		flag_type TEXT NOT NULL,
		details_json TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		reviewed_by TEXT,
		review_notes TEXT,
		action_taken TEXT,
		flag_valid BOOLEAN,
		ip_address TEXT,
		device_fingerprint TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_flags_user ON abuse_flags(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_flags_status ON abuse_flags(status);
	CREATE INDEX IF NOT EXISTS idx_flags_ip ON abuse_flags(ip_address);
	CREATE INDEX IF NOT EXISTS idx_flags_device ON abuse_flags(device_fingerprint);

	-- Referral reward configs and slots
	CREATE TABLE IF NOT EXISTS referral_configs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		min_purchase_amount TEXT NOT NULL DEFAULT '0',
		one_reward_per_user BOOLEAN NOT NULL DEFAULT FALSE,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS referral_slots (
		id TEXT PRIMARY KEY,
		config_id TEXT NOT NULL,
		slot_number INTEGER NOT NULL,
		reward_points INTEGER NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(config_id, slot_number)
	);

	CREATE INDEX IF NOT EXISTS idx_slots_config
		ON referral_slots(config_id, slot_number);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// loyalty.Store / loyalty.TxStore
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, userID loyalty.UserID) (*loyalty.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBalance(ctx, s.db, userID)
}

func getBalance(ctx context.Context, db dbtx, userID loyalty.UserID) (*loyalty.Balance, error) {
	row := db.QueryRowContext(ctx, `
		SELECT user_id, available, pending, lifetime_earned, lifetime_redeemed,
		       current_tier_id, last_transaction_at
		FROM balances WHERE user_id = ?`, userID)

	var b loyalty.Balance
	var tierID sql.NullString
	var lastTx string
	err := row.Scan(&b.UserID, &b.Available, &b.Pending, &b.LifetimeEarned,
		&b.LifetimeRedeemed, &tierID, &lastTx)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: balance %s", loyalty.ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	if tierID.Valid {
		t := loyalty.TierID(tierID.String)
		b.CurrentTierID = &t
	}
	b.LastTransactionAt, _ = time.Parse(time.RFC3339, lastTx)
	return &b, nil
}

func (s *Store) SaveBalance(ctx context.Context, b *loyalty.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveBalance(ctx, s.db, b)
}

func saveBalance(ctx context.Context, db dbtx, b *loyalty.Balance) error {
	var tierID sql.NullString
	if b.CurrentTierID != nil {
		tierID = sql.NullString{String: string(*b.CurrentTierID), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO balances
		(user_id, available, pending, lifetime_earned, lifetime_redeemed, current_tier_id, last_transaction_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			available = excluded.available,
			pending = excluded.pending,
			lifetime_earned = excluded.lifetime_earned,
			lifetime_redeemed = excluded.lifetime_redeemed,
			current_tier_id = excluded.current_tier_id,
			last_transaction_at = excluded.last_transaction_at`,
		b.UserID, b.Available, b.Pending, b.LifetimeEarned, b.LifetimeRedeemed,
		tierID, b.LastTransactionAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, e loyalty.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendHistory(ctx, s.db, e)
}

func appendHistory(ctx context.Context, db dbtx, e loyalty.HistoryEntry) error {
	var expiresAt sql.NullString
	if e.ExpiresAt != nil {
		expiresAt = sql.NullString{String: e.ExpiresAt.UTC().Format(time.RFC3339), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO points_history
		(id, user_id, tx_type, amount, source_type, source_id, rule_id,
		 reference_id, idempotency_key, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Type, e.Amount,
		nullString(string(e.SourceType)), nullString(e.SourceID), nullString(string(e.RuleID)),
		nullString(string(e.ReferenceID)), nullString(e.IdempotencyKey),
		expiresAt, e.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return loyalty.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

const historyColumns = `
	SELECT id, user_id, tx_type, amount, source_type, source_id, rule_id,
	       reference_id, idempotency_key, expires_at, created_at
	FROM points_history`

func (s *Store) History(ctx context.Context, userID loyalty.UserID) ([]loyalty.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryHistory(ctx, s.db, historyColumns+` WHERE user_id = ? ORDER BY created_at ASC, id ASC`, userID)
}

func (s *Store) GetHistoryEntry(ctx context.Context, id loyalty.EntryID) (*loyalty.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getHistoryEntry(ctx, s.db, id)
}

func getHistoryEntry(ctx context.Context, db dbtx, id loyalty.EntryID) (*loyalty.HistoryEntry, error) {
	entries, err := queryHistory(ctx, db, historyColumns+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: history entry %s", loyalty.ErrNotFound, id)
	}
	return &entries[0], nil
}

func (s *Store) ReversedAmount(ctx context.Context, ref loyalty.EntryID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reversedAmount(ctx, s.db, ref)
}

func reversedAmount(ctx context.Context, db dbtx, ref loyalty.EntryID) (int64, error) {
	var total int64
	err := db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM points_history
		WHERE tx_type = 'adjust' AND reference_id = ?`, ref).Scan(&total)
	return total, err
}

func (s *Store) EarnedFromSource(ctx context.Context, userID loyalty.UserID, source loyalty.SourceType, sourceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return earnedFromSource(ctx, s.db, userID, source, sourceID)
}

func earnedFromSource(ctx context.Context, db dbtx, userID loyalty.UserID, source loyalty.SourceType, sourceID string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM points_history
		WHERE user_id = ? AND tx_type = 'earn' AND source_type = ? AND source_id = ?`,
		userID, source, sourceID).Scan(&count)
	return count > 0, err
}

// ExpiryDue returns earn entries past their ExpiresAt that no expire
// entry references yet, oldest expiry first.
func (s *Store) ExpiryDue(ctx context.Context, now time.Time) ([]loyalty.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryHistory(ctx, s.db, `
		SELECT e.id, e.user_id, e.tx_type, e.amount, e.source_type, e.source_id,
		       e.rule_id, e.reference_id, e.idempotency_key, e.expires_at, e.created_at
		FROM points_history e
		WHERE e.tx_type = 'earn' AND e.expires_at IS NOT NULL AND e.expires_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM points_history x
			WHERE x.tx_type = 'expire' AND x.reference_id = e.id
		  )
		ORDER BY e.expires_at ASC`, now.UTC().Format(time.RFC3339))
}

func queryHistory(ctx context.Context, db dbtx, query string, args ...any) ([]loyalty.HistoryEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []loyalty.HistoryEntry
	for rows.Next() {
		e, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanHistoryEntry(rows *sql.Rows) (loyalty.HistoryEntry, error) {
	var (
		e              loyalty.HistoryEntry
		sourceType     sql.NullString
		sourceID       sql.NullString
		ruleID         sql.NullString
		referenceID    sql.NullString
		idempotencyKey sql.NullString
		expiresAt      sql.NullString
		createdAt      string
	)
	err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &sourceType, &sourceID,
		&ruleID, &referenceID, &idempotencyKey, &expiresAt, &createdAt)
	if err != nil {
		return e, fmt.Errorf("failed to scan history entry: %w", err)
	}
	e.SourceType = loyalty.SourceType(sourceType.String)
	e.SourceID = sourceID.String
	e.RuleID = loyalty.RuleID(ruleID.String)
	e.ReferenceID = loyalty.EntryID(referenceID.String)
	e.IdempotencyKey = idempotencyKey.String
	if expiresAt.Valid {
		if t, err := time.Parse(time.RFC3339, expiresAt.String); err == nil {
			e.ExpiresAt = &t
		}
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return e, nil
}

// txView binds the balance and history operations to an open transaction.
type txView struct {
	tx *sql.Tx
}

func (v *txView) GetBalance(ctx context.Context, userID loyalty.UserID) (*loyalty.Balance, error) {
	return getBalance(ctx, v.tx, userID)
}

func (v *txView) SaveBalance(ctx context.Context, b *loyalty.Balance) error {
	return saveBalance(ctx, v.tx, b)
}

func (v *txView) AppendHistory(ctx context.Context, e loyalty.HistoryEntry) error {
	return appendHistory(ctx, v.tx, e)
}

func (v *txView) History(ctx context.Context, userID loyalty.UserID) ([]loyalty.HistoryEntry, error) {
	return queryHistory(ctx, v.tx, historyColumns+` WHERE user_id = ? ORDER BY created_at ASC, id ASC`, userID)
}

func (v *txView) GetHistoryEntry(ctx context.Context, id loyalty.EntryID) (*loyalty.HistoryEntry, error) {
	return getHistoryEntry(ctx, v.tx, id)
}

func (v *txView) ReversedAmount(ctx context.Context, ref loyalty.EntryID) (int64, error) {
	return reversedAmount(ctx, v.tx, ref)
}

func (v *txView) EarnedFromSource(ctx context.Context, userID loyalty.UserID, source loyalty.SourceType, sourceID string) (bool, error) {
	return earnedFromSource(ctx, v.tx, userID, source, sourceID)
}

func (v *txView) ExpiryDue(ctx context.Context, now time.Time) ([]loyalty.HistoryEntry, error) {
	return nil, fmt.Errorf("ExpiryDue is not available inside a transaction")
}

// WithTx executes fn in a database transaction. The write mutex is held
// for the duration, so ledger mutations are serialized; an error rolls
// everything back and leaves no partial state.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txView{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

var _ loyalty.TxStore = (*Store)(nil)

// =============================================================================
// rules.RuleStore
// =============================================================================

func (s *Store) SaveEarningRule(ctx context.Context, r *rules.EarningRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO earning_rules
		(id, name, source_type, flat_amount, points_per_unit, enabled, expiry_rule_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			source_type = excluded.source_type,
			flat_amount = excluded.flat_amount,
			points_per_unit = excluded.points_per_unit,
			enabled = excluded.enabled,
			expiry_rule_id = excluded.expiry_rule_id,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, r.SourceType, r.FlatAmount, r.PointsPerUnit.String(),
		r.Enabled, nullString(string(r.ExpiryRuleID)),
		r.CreatedAt.UTC().Format(time.RFC3339), r.UpdatedAt.UTC().Format(time.RFC3339))
	return err
}

const earningRuleColumns = `
	SELECT id, name, source_type, flat_amount, points_per_unit, enabled,
	       expiry_rule_id, created_at, updated_at
	FROM earning_rules`

func (s *Store) GetEarningRule(ctx context.Context, id loyalty.RuleID) (*rules.EarningRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, err := s.queryEarningRules(ctx, earningRuleColumns+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: earning rule %s", loyalty.ErrNotFound, id)
	}
	return &out[0], nil
}

func (s *Store) ListEarningRules(ctx context.Context) ([]rules.EarningRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEarningRules(ctx, earningRuleColumns+` ORDER BY id ASC`)
}

func (s *Store) EarningRulesBySource(ctx context.Context, source loyalty.SourceType) ([]rules.EarningRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEarningRules(ctx, earningRuleColumns+` WHERE source_type = ? ORDER BY id ASC`, source)
}

func (s *Store) DeleteEarningRule(ctx context.Context, id loyalty.RuleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteByID(ctx, "earning_rules", "earning rule", string(id))
}

func (s *Store) queryEarningRules(ctx context.Context, query string, args ...any) ([]rules.EarningRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query earning rules: %w", err)
	}
	defer rows.Close()

	var out []rules.EarningRule
	for rows.Next() {
		var (
			r            rules.EarningRule
			perUnit      string
			expiryRuleID sql.NullString
			createdAt    string
			updatedAt    string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.SourceType, &r.FlatAmount, &perUnit,
			&r.Enabled, &expiryRuleID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan earning rule: %w", err)
		}
		r.PointsPerUnit = mustDecimal(perUnit)
		r.ExpiryRuleID = rules.ExpiryRuleID(expiryRuleID.String)
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SaveExpiryRule(ctx context.Context, r *rules.ExpiryRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expiry_rules
		(id, name, expiry_type, expiry_mode, duration_days, duration_months,
		 notify_before_expiry, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			expiry_type = excluded.expiry_type,
			expiry_mode = excluded.expiry_mode,
			duration_days = excluded.duration_days,
			duration_months = excluded.duration_months,
			notify_before_expiry = excluded.notify_before_expiry,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, r.Type, r.Mode, r.DurationDays, r.DurationMonths,
		r.NotifyBeforeExpiry, r.Active,
		r.CreatedAt.UTC().Format(time.RFC3339), r.UpdatedAt.UTC().Format(time.RFC3339))
	return err
}

const expiryRuleColumns = `
	SELECT id, name, expiry_type, expiry_mode, duration_days, duration_months,
	       notify_before_expiry, active, created_at, updated_at
	FROM expiry_rules`

func (s *Store) GetExpiryRule(ctx context.Context, id rules.ExpiryRuleID) (*rules.ExpiryRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, err := s.queryExpiryRules(ctx, expiryRuleColumns+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: expiry rule %s", loyalty.ErrNotFound, id)
	}
	return &out[0], nil
}

func (s *Store) ListExpiryRules(ctx context.Context) ([]rules.ExpiryRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryExpiryRules(ctx, expiryRuleColumns+` ORDER BY id ASC`)
}

func (s *Store) ExpiryRulesByMode(ctx context.Context, typ rules.ExpiryType, mode rules.ExpiryMode) ([]rules.ExpiryRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryExpiryRules(ctx,
		expiryRuleColumns+` WHERE (? = '' OR expiry_type = ?) AND (? = '' OR expiry_mode = ?) ORDER BY id ASC`,
		typ, typ, mode, mode)
}

func (s *Store) DeleteExpiryRule(ctx context.Context, id rules.ExpiryRuleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteByID(ctx, "expiry_rules", "expiry rule", string(id))
}

func (s *Store) queryExpiryRules(ctx context.Context, query string, args ...any) ([]rules.ExpiryRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiry rules: %w", err)
	}
	defer rows.Close()

	var out []rules.ExpiryRule
	for rows.Next() {
		var (
			r         rules.ExpiryRule
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.Mode, &r.DurationDays,
			&r.DurationMonths, &r.NotifyBeforeExpiry, &r.Active, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan expiry rule: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ rules.RuleStore = (*Store)(nil)

// =============================================================================
// rules.TierStore
// =============================================================================

const tierColumns = `
	SELECT id, name, level, min_points, active, created_at, updated_at
	FROM tiers`

func (s *Store) SaveTier(ctx context.Context, t *rules.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tiers (id, name, level, min_points, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			level = excluded.level,
			min_points = excluded.min_points,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		t.ID, t.Name, t.Level, t.MinPoints, t.Active,
		t.CreatedAt.UTC().Format(time.RFC3339), t.UpdatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *Store) GetTier(ctx context.Context, id loyalty.TierID) (*rules.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, err := s.queryTiers(ctx, tierColumns+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: tier %s", loyalty.ErrNotFound, id)
	}
	return &out[0], nil
}

func (s *Store) ListTiers(ctx context.Context) ([]rules.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTiers(ctx, tierColumns+` ORDER BY level ASC`)
}

func (s *Store) DeleteTier(ctx context.Context, id loyalty.TierID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteByID(ctx, "tiers", "tier", string(id))
}

// ReplaceTierLevels reassigns levels in one transaction: all or nothing.
func (s *Store) ReplaceTierLevels(ctx context.Context, levels map[loyalty.TierID]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for id, level := range levels {
		res, err := tx.ExecContext(ctx,
			`UPDATE tiers SET level = ?, updated_at = ? WHERE id = ?`, level, now, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("%w: tier %s", loyalty.ErrNotFound, id)
		}
	}
	return tx.Commit()
}

func (s *Store) queryTiers(ctx context.Context, query string, args ...any) ([]rules.Tier, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tiers: %w", err)
	}
	defer rows.Close()

	var out []rules.Tier
	for rows.Next() {
		var (
			t         rules.Tier
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Level, &t.MinPoints, &t.Active, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tier: %w", err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SaveBenefit(ctx context.Context, b *rules.Benefit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO benefits (id, name, description, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			active = excluded.active`,
		b.ID, b.Name, b.Description, b.Active)
	return err
}

func (s *Store) GetBenefit(ctx context.Context, id string) (*rules.Benefit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b rules.Benefit
	var description sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, active FROM benefits WHERE id = ?`, id).
		Scan(&b.ID, &b.Name, &description, &b.Active)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: benefit %s", loyalty.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load benefit: %w", err)
	}
	b.Description = description.String
	return &b, nil
}

func (s *Store) ListBenefits(ctx context.Context) ([]rules.Benefit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, active FROM benefits ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query benefits: %w", err)
	}
	defer rows.Close()
	return scanBenefits(rows)
}

func (s *Store) AttachBenefit(ctx context.Context, tb rules.TierBenefit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tier_benefits (tier_id, benefit_id, active) VALUES (?, ?, ?)`,
		tb.TierID, tb.BenefitID, tb.Active)
	if err != nil && isUniqueConstraintError(err) {
		return fmt.Errorf("benefit %s already attached to tier %s", tb.BenefitID, tb.TierID)
	}
	return err
}

func (s *Store) DetachBenefit(ctx context.Context, tierID loyalty.TierID, benefitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tier_benefits WHERE tier_id = ? AND benefit_id = ?`, tierID, benefitID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: tier benefit %s/%s", loyalty.ErrNotFound, tierID, benefitID)
	}
	return nil
}

func (s *Store) TierBenefits(ctx context.Context, tierID loyalty.TierID) ([]rules.Benefit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.name, b.description, b.active
		FROM benefits b
		JOIN tier_benefits tb ON tb.benefit_id = b.id
		WHERE tb.tier_id = ? AND tb.active = TRUE AND b.active = TRUE
		ORDER BY b.id ASC`, tierID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tier benefits: %w", err)
	}
	defer rows.Close()
	return scanBenefits(rows)
}

func scanBenefits(rows *sql.Rows) ([]rules.Benefit, error) {
	var out []rules.Benefit
	for rows.Next() {
		var b rules.Benefit
		var description sql.NullString
		if err := rows.Scan(&b.ID, &b.Name, &description, &b.Active); err != nil {
			return nil, fmt.Errorf("failed to scan benefit: %w", err)
		}
		b.Description = description.String
		out = append(out, b)
	}
	return out, rows.Err()
}

var _ rules.TierStore = (*Store)(nil)

// =============================================================================
// abuse.FlagStore
// =============================================================================

func (s *Store) SaveFlag(ctx context.Context, f *abuse.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	details, err := abuse.EncodeDetails(f.Details)
	if err != nil {
		return fmt.Errorf("failed to encode flag details: %w", err)
	}
	var valid sql.NullBool
	if f.FlagValid != nil {
		valid = sql.NullBool{Bool: *f.FlagValid, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO abuse_flags
		(id, user_id, flag_type, details_json, severity, status, reviewed_by,
		 review_notes, action_taken, flag_valid, ip_address, device_fingerprint,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reviewed_by = excluded.reviewed_by,
			review_notes = excluded.review_notes,
			action_taken = excluded.action_taken,
			flag_valid = excluded.flag_valid,
			updated_at = excluded.updated_at`,
		f.ID, f.UserID, f.Type, string(details), f.Severity, f.Status,
		nullString(f.ReviewedBy), nullString(f.ReviewNotes), nullString(f.ActionTaken),
		valid, nullString(f.IPAddress), nullString(f.DeviceFingerprint),
		f.CreatedAt.UTC().Format(time.RFC3339), f.UpdatedAt.UTC().Format(time.RFC3339))
	return err
}

const flagColumns = `
	SELECT id, user_id, flag_type, details_json, severity, status, reviewed_by,
	       review_notes, action_taken, flag_valid, ip_address, device_fingerprint,
	       created_at, updated_at
	FROM abuse_flags`

func (s *Store) GetFlag(ctx context.Context, id abuse.FlagID) (*abuse.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, err := s.queryFlags(ctx, flagColumns+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: flag %s", loyalty.ErrNotFound, id)
	}
	return &out[0], nil
}

func (s *Store) ListFlags(ctx context.Context, filter abuse.Filter) ([]abuse.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := flagColumns + ` WHERE 1=1`
	var args []any
	if filter.UserID != nil {
		query += ` AND user_id = ?`
		args = append(args, *filter.UserID)
	}
	if filter.Type != nil {
		query += ` AND flag_type = ?`
		args = append(args, *filter.Type)
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, *filter.Status)
	}
	if filter.Severity != nil {
		query += ` AND severity = ?`
		args = append(args, *filter.Severity)
	}
	if filter.IPAddress != nil {
		query += ` AND ip_address = ?`
		args = append(args, *filter.IPAddress)
	}
	if filter.DeviceFingerprint != nil {
		query += ` AND device_fingerprint = ?`
		args = append(args, *filter.DeviceFingerprint)
	}
	query += ` ORDER BY created_at ASC`

	return s.queryFlags(ctx, query, args...)
}

func (s *Store) queryFlags(ctx context.Context, query string, args ...any) ([]abuse.Flag, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flags: %w", err)
	}
	defer rows.Close()

	var out []abuse.Flag
	for rows.Next() {
		var (
			f           abuse.Flag
			detailsJSON string
			reviewedBy  sql.NullString
			notes       sql.NullString
			action      sql.NullString
			valid       sql.NullBool
			ip          sql.NullString
			device      sql.NullString
			createdAt   string
			updatedAt   string
		)
		if err := rows.Scan(&f.ID, &f.UserID, &f.Type, &detailsJSON, &f.Severity,
			&f.Status, &reviewedBy, &notes, &action, &valid, &ip, &device,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan flag: %w", err)
		}
		details, err := abuse.DecodeDetails(f.Type, json.RawMessage(detailsJSON))
		if err != nil {
			return nil, fmt.Errorf("failed to decode flag details: %w", err)
		}
		f.Details = details
		f.ReviewedBy = reviewedBy.String
		f.ReviewNotes = notes.String
		f.ActionTaken = action.String
		if valid.Valid {
			v := valid.Bool
			f.FlagValid = &v
		}
		f.IPAddress = ip.String
		f.DeviceFingerprint = device.String
		f.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		f.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

var _ abuse.FlagStore = (*Store)(nil)

// =============================================================================
// referral.SlotStore
// =============================================================================

const configColumns = `
	SELECT id, name, min_purchase_amount, one_reward_per_user, enabled, created_at, updated_at
	FROM referral_configs`

func (s *Store) SaveConfig(ctx context.Context, c *referral.RewardConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO referral_configs
		(id, name, min_purchase_amount, one_reward_per_user, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			min_purchase_amount = excluded.min_purchase_amount,
			one_reward_per_user = excluded.one_reward_per_user,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.MinPurchaseAmount.String(), c.OneRewardPerUser, c.Enabled,
		c.CreatedAt.UTC().Format(time.RFC3339), c.UpdatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *Store) GetConfig(ctx context.Context, id referral.ConfigID) (*referral.RewardConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, err := s.queryConfigs(ctx, configColumns+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: referral config %s", loyalty.ErrNotFound, id)
	}
	return &out[0], nil
}

func (s *Store) ListConfigs(ctx context.Context) ([]referral.RewardConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryConfigs(ctx, configColumns+` ORDER BY id ASC`)
}

func (s *Store) DeleteConfig(ctx context.Context, id referral.ConfigID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteByID(ctx, "referral_configs", "referral config", string(id))
}

func (s *Store) queryConfigs(ctx context.Context, query string, args ...any) ([]referral.RewardConfig, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query referral configs: %w", err)
	}
	defer rows.Close()

	var out []referral.RewardConfig
	for rows.Next() {
		var (
			c           referral.RewardConfig
			minPurchase string
			createdAt   string
			updatedAt   string
		)
		if err := rows.Scan(&c.ID, &c.Name, &minPurchase, &c.OneRewardPerUser,
			&c.Enabled, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan referral config: %w", err)
		}
		c.MinPurchaseAmount = mustDecimal(minPurchase)
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

const slotColumns = `
	SELECT id, config_id, slot_number, reward_points, quantity, active, created_at, updated_at
	FROM referral_slots`

func (s *Store) SaveSlot(ctx context.Context, slot *referral.SlotReward) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO referral_slots
		(id, config_id, slot_number, reward_points, quantity, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			slot_number = excluded.slot_number,
			reward_points = excluded.reward_points,
			quantity = excluded.quantity,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		slot.ID, slot.ConfigID, slot.SlotNumber, slot.RewardPoints, slot.Quantity,
		slot.Active, slot.CreatedAt.UTC().Format(time.RFC3339), slot.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil && isUniqueConstraintError(err) {
		return fmt.Errorf("%w: slot %d in config %s", loyalty.ErrDuplicateSlotNumber, slot.SlotNumber, slot.ConfigID)
	}
	return err
}

func (s *Store) GetSlot(ctx context.Context, id referral.SlotID) (*referral.SlotReward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, err := s.querySlots(ctx, slotColumns+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: slot %s", loyalty.ErrNotFound, id)
	}
	return &out[0], nil
}

func (s *Store) ListSlots(ctx context.Context, configID referral.ConfigID) ([]referral.SlotReward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.querySlots(ctx, slotColumns+` WHERE config_id = ? ORDER BY slot_number ASC`, configID)
}

func (s *Store) DeleteSlot(ctx context.Context, id referral.SlotID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteByID(ctx, "referral_slots", "slot", string(id))
}

// DecrementSlotQuantity acquires one unit with a conditional UPDATE; the
// row count decides who won a race. Never read-then-write.
func (s *Store) DecrementSlotQuantity(ctx context.Context, id referral.SlotID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE referral_slots
		SET quantity = quantity - 1, updated_at = ?
		WHERE id = ? AND active = TRUE AND quantity > 0`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) IncrementSlotQuantity(ctx context.Context, id referral.SlotID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE referral_slots SET quantity = quantity + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: slot %s", loyalty.ErrNotFound, id)
	}
	return nil
}

func (s *Store) querySlots(ctx context.Context, query string, args ...any) ([]referral.SlotReward, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query slots: %w", err)
	}
	defer rows.Close()

	var out []referral.SlotReward
	for rows.Next() {
		var (
			slot      referral.SlotReward
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&slot.ID, &slot.ConfigID, &slot.SlotNumber, &slot.RewardPoints,
			&slot.Quantity, &slot.Active, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		slot.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		slot.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, slot)
	}
	return out, rows.Err()
}

var _ referral.SlotStore = (*Store)(nil)

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) deleteByID(ctx context.Context, table, what, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s %s", loyalty.ErrNotFound, what, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
