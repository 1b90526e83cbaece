package risk

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by point lookups when the row does not exist.
var ErrNotFound = errors.New("not found")

// ReferenceRepository is the read side of the reference data store. Codes
// passed in are already normalized; stored codes are normalized at import.
type ReferenceRepository interface {
	// GetCodes returns the entries found among codes, keyed by code.
	GetCodes(ctx context.Context, codes []string) (map[string]*CodeEntry, error)
	GetByCode(ctx context.Context, code string) (*CodeEntry, error)
	// QuestionsForCodes returns the linked questions (with options) of each
	// code, ordered by question number.
	QuestionsForCodes(ctx context.Context, codes []string) (map[string][]*Question, error)
	GetQuestion(ctx context.Context, number int) (*Question, error)
	// Search matches description by case-insensitive substring and code by
	// substring. Both are literal: LIKE wildcards in the terms match
	// themselves. An empty term disables that side of the match.
	Search(ctx context.Context, description, code string, limit int) ([]*CodeEntry, error)
	List(ctx context.Context, tier Tier, limit, offset int) ([]*CodeEntry, int, error)
	Integrity(ctx context.Context) (*IntegrityReport, error)
	EnvironmentalForCodes(ctx context.Context, codes []string) (map[string][]*EnvironmentalEntry, error)
}

// ReferenceWriter runs batch imports inside a single transaction.
type ReferenceWriter interface {
	WithTx(ctx context.Context, fn func(tx ReferenceTx) error) error
}

// ReferenceTx is the write side available to an import. Upserts keep
// existing rows, matching get-or-create semantics.
type ReferenceTx interface {
	UpsertQuestion(ctx context.Context, q *Question) error
	UpsertOption(ctx context.Context, o *AnswerOption) error
	UpsertCode(ctx context.Context, c *CodeEntry) error
	CodeExists(ctx context.Context, code string) (bool, error)
	QuestionExists(ctx context.Context, number int) (bool, error)
	LinkQuestion(ctx context.Context, code string, number int) error
	DeleteEnvironmental(ctx context.Context) (int64, error)
	InsertEnvironmental(ctx context.Context, e *EnvironmentalEntry) error
	ResetExemptions(ctx context.Context) error
	// MarkExempt flags the given codes and returns the ones that exist.
	MarkExempt(ctx context.Context, codes []string) ([]string, error)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike quotes the LIKE wildcards of s for a pattern using ESCAPE '\'.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
