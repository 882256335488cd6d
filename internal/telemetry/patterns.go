package telemetry

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// PatternStore persists per-trigger success/failure counts across
// restarts, the same confidence-by-outcome-ratio idiom the original
// learned-intent tracker used for chat pattern suggestions, adapted here
// to trigger health instead of input/intent pairs.
type PatternStore struct {
	db *sql.DB
}

// OpenPatternStore opens (or creates) the trigger_health table at path.
// Pass "" for an in-memory store.
func OpenPatternStore(path string) (*PatternStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open pattern store: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping pattern store: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trigger_health (
			id            TEXT PRIMARY KEY,
			trigger_name  TEXT NOT NULL UNIQUE,
			confidence    REAL DEFAULT 0.5,
			success_count INTEGER DEFAULT 0,
			failure_count INTEGER DEFAULT 0,
			last_used_at  INTEGER,
			created_at    INTEGER DEFAULT (strftime('%s', 'now'))
		);
		CREATE INDEX IF NOT EXISTS idx_trigger_health_name ON trigger_health(trigger_name);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init pattern schema: %w", err)
	}
	return &PatternStore{db: db}, nil
}

func (p *PatternStore) Close() error { return p.db.Close() }

// RecordSuccess records one successful trigger action and recomputes its
// confidence as success / (success + failure).
func (p *PatternStore) RecordSuccess(triggerName string) error {
	_, err := p.db.Exec(`
		INSERT INTO trigger_health (id, trigger_name, success_count, confidence, last_used_at)
		VALUES (?, ?, 1, 1.0, strftime('%s', 'now'))
		ON CONFLICT (trigger_name) DO UPDATE SET
			success_count = success_count + 1,
			confidence = CAST(success_count + 1 AS REAL) / (success_count + failure_count + 1),
			last_used_at = strftime('%s', 'now')
	`, uuid.New().String(), triggerName)
	if err != nil {
		return fmt.Errorf("record trigger success %s: %w", triggerName, err)
	}
	return nil
}

// RecordFailure records one failed trigger action and recomputes confidence.
func (p *PatternStore) RecordFailure(triggerName string) error {
	_, err := p.db.Exec(`
		INSERT INTO trigger_health (id, trigger_name, failure_count, confidence, last_used_at)
		VALUES (?, ?, 1, 0.0, strftime('%s', 'now'))
		ON CONFLICT (trigger_name) DO UPDATE SET
			failure_count = failure_count + 1,
			confidence = CAST(success_count AS REAL) / (success_count + failure_count + 1),
			last_used_at = strftime('%s', 'now')
	`, uuid.New().String(), triggerName)
	if err != nil {
		return fmt.Errorf("record trigger failure %s: %w", triggerName, err)
	}
	return nil
}

// AddCounts adds successDelta/failureDelta to a trigger's persisted
// counters in one write and recomputes confidence, for callers draining a
// cumulative in-memory counter rather than recording one outcome at a time.
// Deltas of 0 are skipped.
func (p *PatternStore) AddCounts(triggerName string, successDelta, failureDelta int) error {
	if successDelta == 0 && failureDelta == 0 {
		return nil
	}
	_, err := p.db.Exec(`
		INSERT INTO trigger_health (id, trigger_name, success_count, failure_count, confidence, last_used_at)
		VALUES (?, ?, ?, ?, CAST(? AS REAL) / (? + ?), strftime('%s', 'now'))
		ON CONFLICT (trigger_name) DO UPDATE SET
			success_count = success_count + excluded.success_count,
			failure_count = failure_count + excluded.failure_count,
			confidence = CAST(success_count + excluded.success_count AS REAL) / (success_count + excluded.success_count + failure_count + excluded.failure_count),
			last_used_at = strftime('%s', 'now')
	`, uuid.New().String(), triggerName, successDelta, failureDelta, successDelta, successDelta, failureDelta)
	if err != nil {
		return fmt.Errorf("add trigger counts %s: %w", triggerName, err)
	}
	return nil
}

// Confidence returns a trigger's persisted success ratio and counts. A
// trigger never recorded returns confidence 0.5, matching the schema's
// default for one never-yet-observed.
func (p *PatternStore) Confidence(triggerName string) (confidence float64, success, failure int, err error) {
	row := p.db.QueryRow(`SELECT confidence, success_count, failure_count FROM trigger_health WHERE trigger_name = ?`, triggerName)
	err = row.Scan(&confidence, &success, &failure)
	if err == sql.ErrNoRows {
		return 0.5, 0, 0, nil
	}
	if err != nil {
		return 0, 0, 0, fmt.Errorf("get trigger confidence %s: %w", triggerName, err)
	}
	return confidence, success, failure, nil
}
