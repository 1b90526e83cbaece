package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lummia/lummia/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// =========== Reference Repository ===========

type referenceRepoPG struct{ pool *pgxpool.Pool }

// NewReferenceRepoPG returns a reference repository backed by PostgreSQL.
// Queries run on the tenant connection when one is in the context, so the
// tenant's search_path decides which schema serves the tables.
func NewReferenceRepoPG(pool *pgxpool.Pool) ReferenceRepository {
	return &referenceRepoPG{pool: pool}
}

func (r *referenceRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const codeColumns = `code, description, base_tier, project_exempt`

func scanCode(row pgx.Row) (*CodeEntry, error) {
	var c CodeEntry
	var tier string
	if err := row.Scan(&c.Code, &c.Description, &tier, &c.ProjectExempt); err != nil {
		return nil, err
	}
	c.BaseTier = Tier(tier)
	return &c, nil
}

func (r *referenceRepoPG) GetCodes(ctx context.Context, codes []string) (map[string]*CodeEntry, error) {
	out := make(map[string]*CodeEntry, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+codeColumns+` FROM cnae WHERE code = ANY($1)`, codes)
	if err != nil {
		return nil, fmt.Errorf("cnae get many: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, err
		}
		out[c.Code] = c
	}
	return out, rows.Err()
}

func (r *referenceRepoPG) GetByCode(ctx context.Context, code string) (*CodeEntry, error) {
	c, err := scanCode(r.conn(ctx).QueryRow(ctx,
		`SELECT `+codeColumns+` FROM cnae WHERE code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("cnae %s: %w", code, ErrNotFound)
		}
		return nil, fmt.Errorf("cnae get: %w", err)
	}
	return c, nil
}

func (r *referenceRepoPG) QuestionsForCodes(ctx context.Context, codes []string) (map[string][]*Question, error) {
	out := make(map[string][]*Question, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT cq.code, q.number, q.text, COALESCE(o.text,''), COALESCE(o.resultant_tier,'')
		 FROM cnae_question cq
		 JOIN question q ON q.number = cq.question_number
		 LEFT JOIN answer_option o ON o.question_number = q.number
		 WHERE cq.code = ANY($1)
		 ORDER BY cq.code, q.number, o.id`, codes)
	if err != nil {
		return nil, fmt.Errorf("cnae questions: %w", err)
	}
	defer rows.Close()

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

// appendQuestionRow folds one joined question/option row into qs. Rows
// arrive ordered by question number.
func appendQuestionRow(qs []*Question, number int, text, optText, optTier string) []*Question {
	if n := len(qs); n == 0 || qs[n-1].Number != number {
		qs = append(qs, &Question{Number: number, Text: text, Options: []AnswerOption{}})
	}
	if optText != "" {
		q := qs[len(qs)-1]
		q.Options = append(q.Options, AnswerOption{QuestionNumber: number, Text: optText, ResultantTier: Tier(optTier)})
	}
	return qs
}

func (r *referenceRepoPG) GetQuestion(ctx context.Context, number int) (*Question, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT q.number, q.text, COALESCE(o.text,''), COALESCE(o.resultant_tier,'')
		 FROM question q
		 LEFT JOIN answer_option o ON o.question_number = q.number
		 WHERE q.number = $1
		 ORDER BY o.id`, number)
	if err != nil {
		return nil, fmt.Errorf("question get: %w", err)
	}
	defer rows.Close()

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

func (r *referenceRepoPG) Search(ctx context.Context, description, code string, limit int) ([]*CodeEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+codeColumns+`
		 FROM cnae
		 WHERE ($1::text <> '' AND description ILIKE '%' || $1::text || '%' ESCAPE '\')
		    OR ($2::text <> '' AND code LIKE '%' || $2::text || '%' ESCAPE '\')
		 ORDER BY code LIMIT $3`, escapeLike(description), escapeLike(code), limit)
	if err != nil {
		return nil, fmt.Errorf("cnae search: %w", err)
	}
	defer rows.Close()
	var results []*CodeEntry
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func (r *referenceRepoPG) List(ctx context.Context, tier Tier, limit, offset int) ([]*CodeEntry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM cnae WHERE $1::text = '' OR base_tier = $1::text`, string(tier)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("cnae count: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+codeColumns+` FROM cnae
		 WHERE $1::text = '' OR base_tier = $1::text
		 ORDER BY code LIMIT $2 OFFSET $3`, string(tier), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("cnae list: %w", err)
	}
	defer rows.Close()
	var results []*CodeEntry
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, c)
	}
	return results, total, rows.Err()
}

func (r *referenceRepoPG) Integrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{PendingWithoutQuestions: []string{}, QuestionsWithoutOptions: []int{}}

	rows, err := r.conn(ctx).Query(ctx,
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
			rows.Close()
			return nil, err
		}
		report.PendingWithoutQuestions = append(report.PendingWithoutQuestions, code)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.conn(ctx).Query(ctx,
		`SELECT q.number FROM question q
		 WHERE NOT EXISTS (SELECT 1 FROM answer_option o WHERE o.question_number = q.number)
		 ORDER BY q.number`)
	if err != nil {
		return nil, fmt.Errorf("integrity questions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		report.QuestionsWithoutOptions = append(report.QuestionsWithoutOptions, n)
	}
	return report, rows.Err()
}

func (r *referenceRepoPG) EnvironmentalForCodes(ctx context.Context, codes []string) (map[string][]*EnvironmentalEntry, error) {
	out := make(map[string][]*EnvironmentalEntry, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, code, COALESCE(aggregation_level,''), COALESCE(copam_code,''),
		        COALESCE(description,''), COALESCE(municipal_requirement,''), tier
		 FROM environmental_entry
		 WHERE code = ANY($1)
		 ORDER BY code, id`, codes)
	if err != nil {
		return nil, fmt.Errorf("environmental entries: %w", err)
	}
	defer rows.Close()
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

// =========== Reference Writer ===========

type referenceWriterPG struct {
	pool   *pgxpool.Pool
	schema string
}

// NewReferenceWriterPG returns a writer that imports into schema.
func NewReferenceWriterPG(pool *pgxpool.Pool, schema string) ReferenceWriter {
	return &referenceWriterPG{pool: pool, schema: schema}
}

func (w *referenceWriterPG) WithTx(ctx context.Context, fn func(tx ReferenceTx) error) error {
	if !db.ValidSchema(w.schema) {
		return fmt.Errorf("invalid schema %q", w.schema)
	}
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", w.schema)); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	if err := fn(&referenceTxPG{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type referenceTxPG struct{ q queryable }

func (t *referenceTxPG) UpsertQuestion(ctx context.Context, q *Question) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO question (number, text) VALUES ($1, $2)
		 ON CONFLICT (number) DO NOTHING`, q.Number, q.Text)
	if err != nil {
		return fmt.Errorf("insert question %d: %w", q.Number, err)
	}
	return nil
}

func (t *referenceTxPG) UpsertOption(ctx context.Context, o *AnswerOption) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO answer_option (question_number, text, resultant_tier) VALUES ($1, $2, $3)
		 ON CONFLICT (question_number, text) DO NOTHING`, o.QuestionNumber, o.Text, string(o.ResultantTier))
	if err != nil {
		return fmt.Errorf("insert option %d/%s: %w", o.QuestionNumber, o.Text, err)
	}
	return nil
}

func (t *referenceTxPG) UpsertCode(ctx context.Context, c *CodeEntry) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO cnae (code, description, base_tier, project_exempt) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (code) DO NOTHING`, c.Code, c.Description, string(c.BaseTier), c.ProjectExempt)
	if err != nil {
		return fmt.Errorf("insert cnae %s: %w", c.Code, err)
	}
	return nil
}

func (t *referenceTxPG) CodeExists(ctx context.Context, code string) (bool, error) {
	var ok bool
	err := t.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cnae WHERE code = $1)`, code).Scan(&ok)
	return ok, err
}

func (t *referenceTxPG) QuestionExists(ctx context.Context, number int) (bool, error) {
	var ok bool
	err := t.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM question WHERE number = $1)`, number).Scan(&ok)
	return ok, err
}

func (t *referenceTxPG) LinkQuestion(ctx context.Context, code string, number int) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO cnae_question (code, question_number) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, code, number)
	if err != nil {
		return fmt.Errorf("link %s/%d: %w", code, number, err)
	}
	return nil
}

func (t *referenceTxPG) DeleteEnvironmental(ctx context.Context) (int64, error) {
	tag, err := t.q.Exec(ctx, `DELETE FROM environmental_entry`)
	if err != nil {
		return 0, fmt.Errorf("delete environmental entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *referenceTxPG) InsertEnvironmental(ctx context.Context, e *EnvironmentalEntry) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO environmental_entry (code, aggregation_level, copam_code, description, municipal_requirement, tier)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		e.Code, e.AggregationLevel, e.COPAMCode, e.Description, e.MunicipalRequirement, string(e.Tier)).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert environmental entry %s: %w", e.Code, err)
	}
	return nil
}

func (t *referenceTxPG) ResetExemptions(ctx context.Context) error {
	if _, err := t.q.Exec(ctx, `UPDATE cnae SET project_exempt = FALSE`); err != nil {
		return fmt.Errorf("reset exemptions: %w", err)
	}
	return nil
}

func (t *referenceTxPG) MarkExempt(ctx context.Context, codes []string) ([]string, error) {
	rows, err := t.q.Query(ctx,
		`UPDATE cnae SET project_exempt = TRUE WHERE code = ANY($1) RETURNING code`, codes)
	if err != nil {
		return nil, fmt.Errorf("mark exemptions: %w", err)
	}
	defer rows.Close()
	var found []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		found = append(found, code)
	}
	return found, rows.Err()
}
