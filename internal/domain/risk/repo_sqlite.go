package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cnae (
	code TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	base_tier TEXT NOT NULL CHECK (base_tier IN ('NA','I','II','III','P')),
	project_exempt INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS question (
	number INTEGER PRIMARY KEY,
	text TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS answer_option (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	question_number INTEGER NOT NULL REFERENCES question(number) ON DELETE CASCADE,
	text TEXT NOT NULL,
	resultant_tier TEXT NOT NULL CHECK (resultant_tier IN ('NA','I','II','III')),
	UNIQUE (question_number, text)
);
CREATE TABLE IF NOT EXISTS cnae_question (
	code TEXT NOT NULL REFERENCES cnae(code) ON DELETE CASCADE,
	question_number INTEGER NOT NULL REFERENCES question(number) ON DELETE CASCADE,
	PRIMARY KEY (code, question_number)
);
CREATE TABLE IF NOT EXISTS environmental_entry (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	code TEXT NOT NULL REFERENCES cnae(code) ON DELETE CASCADE,
	aggregation_level TEXT,
	copam_code TEXT,
	description TEXT,
	municipal_requirement TEXT,
	tier TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_environmental_entry_code ON environmental_entry(code);`

// ReferenceStoreSQLite keeps the reference tables in a single SQLite file.
// It serves both reads and imports and is used in lite mode, where no
// PostgreSQL is configured.
type ReferenceStoreSQLite struct {
	db *sql.DB
}

// NewReferenceStoreSQLite wraps db and creates the reference tables if needed.
func NewReferenceStoreSQLite(db *sql.DB) (*ReferenceStoreSQLite, error) {
	s := &ReferenceStoreSQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return s, nil
}

func (s *ReferenceStoreSQLite) migrate() error {
	_, err := s.db.ExecContext(context.Background(), sqliteSchema)
	return err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCodeSQL(row rowScanner) (*CodeEntry, error) {
	var c CodeEntry
	var tier string
	if err := row.Scan(&c.Code, &c.Description, &tier, &c.ProjectExempt); err != nil {
		return nil, err
	}
	c.BaseTier = Tier(tier)
	return &c, nil
}

func collectCodes(rows *sql.Rows) ([]*CodeEntry, error) {
	defer func() { _ = rows.Close() }()
	var out []*CodeEntry
	for rows.Next() {
		c, err := scanCodeSQL(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *ReferenceStoreSQLite) GetCodes(ctx context.Context, codes []string) (map[string]*CodeEntry, error) {
	out := make(map[string]*CodeEntry, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+codeColumns+` FROM cnae WHERE code IN (`+placeholders(len(codes))+`)`,
		stringArgs(codes)...)
	if err != nil {
		return nil, fmt.Errorf("cnae get many: %w", err)
	}
	entries, err := collectCodes(rows)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		out[e.Code] = e
	}
	return out, nil
}

func (s *ReferenceStoreSQLite) GetByCode(ctx context.Context, code string) (*CodeEntry, error) {
	c, err := scanCodeSQL(s.db.QueryRowContext(ctx,
		`SELECT `+codeColumns+` FROM cnae WHERE code = ?`, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cnae %s: %w", code, ErrNotFound)
		}
		return nil, fmt.Errorf("cnae get: %w", err)
	}
	return c, nil
}

func (s *ReferenceStoreSQLite) QuestionsForCodes(ctx context.Context, codes []string) (map[string][]*Question, error) {
	out := make(map[string][]*Question, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT cq.code, q.number, q.text, COALESCE(o.text,''), COALESCE(o.resultant_tier,'')
		 FROM cnae_question cq
		 JOIN question q ON q.number = cq.question_number
		 LEFT JOIN answer_option o ON o.question_number = q.number
		 WHERE cq.code IN (`+placeholders(len(codes))+`)
		 ORDER BY cq.code, q.number, o.id`, stringArgs(codes)...)
	if err != nil {
		return nil, fmt.Errorf("cnae questions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var code, text, optText, optTier string
	var number int
	for rows.Next() {
		if err := rows.Scan(&code, &number, &text, &optText, &optTier); err != nil {
			return nil, err
		}
		out[code] = appendQuestionRow(out[code], number, text, optText, optTier)
	}
	return out, rows.Err()
}

func (s *ReferenceStoreSQLite) GetQuestion(ctx context.Context, number int) (*Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT q.number, q.text, COALESCE(o.text,''), COALESCE(o.resultant_tier,'')
		 FROM question q
		 LEFT JOIN answer_option o ON o.question_number = q.number
		 WHERE q.number = ?
		 ORDER BY o.id`, number)
	if err != nil {
		return nil, fmt.Errorf("question get: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var qs []*Question
	var text, optText, optTier string
	var n int
	for rows.Next() {
		if err := rows.Scan(&n, &text, &optText, &optTier); err != nil {
			return nil, err
		}
		qs = appendQuestionRow(qs, n, text, optText, optTier)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(qs) == 0 {
		return nil, fmt.Errorf("question %d: %w", number, ErrNotFound)
	}
	return qs[0], nil
}

func (s *ReferenceStoreSQLite) Search(ctx context.Context, description, code string, limit int) ([]*CodeEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	description, code = escapeLike(description), escapeLike(code)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+codeColumns+`
		 FROM cnae
		 WHERE (? <> '' AND lower(description) LIKE '%' || lower(?) || '%' ESCAPE '\')
		    OR (? <> '' AND code LIKE '%' || ? || '%' ESCAPE '\')
		 ORDER BY code LIMIT ?`, description, description, code, code, limit)
	if err != nil {
		return nil, fmt.Errorf("cnae search: %w", err)
	}
	return collectCodes(rows)
}

func (s *ReferenceStoreSQLite) List(ctx context.Context, tier Tier, limit, offset int) ([]*CodeEntry, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cnae WHERE ? = '' OR base_tier = ?`, string(tier), string(tier)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("cnae count: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+codeColumns+` FROM cnae
		 WHERE ? = '' OR base_tier = ?
		 ORDER BY code LIMIT ? OFFSET ?`, string(tier), string(tier), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("cnae list: %w", err)
	}
	entries, err := collectCodes(rows)
	return entries, total, err
}

func (s *ReferenceStoreSQLite) Integrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{PendingWithoutQuestions: []string{}, QuestionsWithoutOptions: []int{}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.code FROM cnae c
		 WHERE c.base_tier = 'P'
		   AND NOT EXISTS (SELECT 1 FROM cnae_question cq WHERE cq.code = c.code)
		 ORDER BY c.code`)
	if err != nil {
		return nil, fmt.Errorf("integrity pending codes: %w", err)
	}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			_ = rows.Close()
			return nil, err
		}
		report.PendingWithoutQuestions = append(report.PendingWithoutQuestions, code)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT q.number FROM question q
		 WHERE NOT EXISTS (SELECT 1 FROM answer_option o WHERE o.question_number = q.number)
		 ORDER BY q.number`)
	if err != nil {
		return nil, fmt.Errorf("integrity questions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		report.QuestionsWithoutOptions = append(report.QuestionsWithoutOptions, n)
	}
	return report, rows.Err()
}

func (s *ReferenceStoreSQLite) EnvironmentalForCodes(ctx context.Context, codes []string) (map[string][]*EnvironmentalEntry, error) {
	out := make(map[string][]*EnvironmentalEntry, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code, COALESCE(aggregation_level,''), COALESCE(copam_code,''),
		        COALESCE(description,''), COALESCE(municipal_requirement,''), tier
		 FROM environmental_entry
		 WHERE code IN (`+placeholders(len(codes))+`)
		 ORDER BY code, id`, stringArgs(codes)...)
	if err != nil {
		return nil, fmt.Errorf("environmental entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var e EnvironmentalEntry
		var tier string
		if err := rows.Scan(&e.ID, &e.Code, &e.AggregationLevel, &e.COPAMCode, &e.Description, &e.MunicipalRequirement, &tier); err != nil {
			return nil, err
		}
		e.Tier = Tier(tier)
		out[e.Code] = append(out[e.Code], &e)
	}
	return out, rows.Err()
}

// WithTx runs fn inside a single SQLite transaction.
func (s *ReferenceStoreSQLite) WithTx(ctx context.Context, fn func(tx ReferenceTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&referenceTxSQLite{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type referenceTxSQLite struct{ tx *sql.Tx }

func (t *referenceTxSQLite) UpsertQuestion(ctx context.Context, q *Question) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO question (number, text) VALUES (?, ?)`, q.Number, q.Text); err != nil {
		return fmt.Errorf("insert question %d: %w", q.Number, err)
	}
	return nil
}

func (t *referenceTxSQLite) UpsertOption(ctx context.Context, o *AnswerOption) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO answer_option (question_number, text, resultant_tier) VALUES (?, ?, ?)`,
		o.QuestionNumber, o.Text, string(o.ResultantTier)); err != nil {
		return fmt.Errorf("insert option %d/%s: %w", o.QuestionNumber, o.Text, err)
	}
	return nil
}

func (t *referenceTxSQLite) UpsertCode(ctx context.Context, c *CodeEntry) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO cnae (code, description, base_tier, project_exempt) VALUES (?, ?, ?, ?)`,
		c.Code, c.Description, string(c.BaseTier), c.ProjectExempt); err != nil {
		return fmt.Errorf("insert cnae %s: %w", c.Code, err)
	}
	return nil
}

func (t *referenceTxSQLite) CodeExists(ctx context.Context, code string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cnae WHERE code = ?`, code).Scan(&n)
	return n > 0, err
}

func (t *referenceTxSQLite) QuestionExists(ctx context.Context, number int) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM question WHERE number = ?`, number).Scan(&n)
	return n > 0, err
}

func (t *referenceTxSQLite) LinkQuestion(ctx context.Context, code string, number int) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO cnae_question (code, question_number) VALUES (?, ?)`, code, number); err != nil {
		return fmt.Errorf("link %s/%d: %w", code, number, err)
	}
	return nil
}

func (t *referenceTxSQLite) DeleteEnvironmental(ctx context.Context) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM environmental_entry`)
	if err != nil {
		return 0, fmt.Errorf("delete environmental entries: %w", err)
	}
	return res.RowsAffected()
}

func (t *referenceTxSQLite) InsertEnvironmental(ctx context.Context, e *EnvironmentalEntry) error {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO environmental_entry (code, aggregation_level, copam_code, description, municipal_requirement, tier)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Code, e.AggregationLevel, e.COPAMCode, e.Description, e.MunicipalRequirement, string(e.Tier))
	if err != nil {
		return fmt.Errorf("insert environmental entry %s: %w", e.Code, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

func (t *referenceTxSQLite) ResetExemptions(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE cnae SET project_exempt = 0`); err != nil {
		return fmt.Errorf("reset exemptions: %w", err)
	}
	return nil
}

func (t *referenceTxSQLite) MarkExempt(ctx context.Context, codes []string) ([]string, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT code FROM cnae WHERE code IN (`+placeholders(len(codes))+`) ORDER BY code`,
		stringArgs(codes)...)
	if err != nil {
		return nil, fmt.Errorf("find exempt codes: %w", err)
	}
	var found []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			_ = rows.Close()
			return nil, err
		}
		found = append(found, code)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return found, nil
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE cnae SET project_exempt = 1 WHERE code IN (`+placeholders(len(found))+`)`,
		stringArgs(found)...); err != nil {
		return nil, fmt.Errorf("mark exemptions: %w", err)
	}
	return found, nil
}
