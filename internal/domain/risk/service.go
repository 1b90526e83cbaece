package risk

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrInvalidInput is returned for requests the service cannot interpret.
var ErrInvalidInput = errors.New("invalid input")

const (
	minSearchLength  = 3
	maxSearchResults = 10
)

// Service classifies activity codes against the reference data store. It
// holds no mutable state and is safe for concurrent use.
type Service struct {
	repo ReferenceRepository
}

// NewService creates a new risk classification service.
func NewService(repo ReferenceRepository) *Service {
	return &Service{repo: repo}
}

// Classify resolves each input code to a display-ready result, collects the
// questions needed for P codes and aggregates the overall risk. Unknown and
// pending codes are values in the response; only store failures are errors.
func (s *Service) Classify(ctx context.Context, req *ClassifyRequest) (*ClassifyResponse, error) {
	start := time.Now()
	resp := &ClassifyResponse{
		Results:           []CodeResult{},
		RequiredQuestions: []RequiredQuestion{},
	}

	codes := normalizeAll(req.Codes)
	if len(codes) == 0 {
		resp.Overall = (&aggregate{}).result()
		observeClassification("empty", start, resp)
		return resp, nil
	}

	entries, err := s.repo.GetCodes(ctx, distinct(codes))
	if err != nil {
		classificationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("lookup codes: %w", err)
	}

	var pending []string
	for _, code := range distinct(codes) {
		if e, ok := entries[code]; ok && e.BaseTier == TierPending {
			pending = append(pending, code)
		}
	}
	questions := map[string][]*Question{}
	if len(pending) > 0 {
		questions, err = s.repo.QuestionsForCodes(ctx, pending)
		if err != nil {
			classificationsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("lookup questions: %w", err)
		}
	}

	var agg aggregate
	required := make(map[int]int)
	for _, code := range codes {
		e, ok := entries[code]
		if !ok {
			resp.Results = append(resp.Results, unknownResult(code))
			continue
		}

		res := newResult(e, e.BaseTier)
		switch {
		case e.BaseTier.Resolved():
			agg.add(e.BaseTier)

		case e.BaseTier == TierPending && len(questions[code]) > 0:
			qs := questions[code]
			for _, q := range qs {
				res.QuestionNumbers = append(res.QuestionNumbers, q.Number)
				if idx, dup := required[q.Number]; dup {
					rq := &resp.RequiredQuestions[idx]
					if !slices.Contains(rq.OriginatingCodes, code) {
						rq.OriginatingCodes = append(rq.OriginatingCodes, code)
					}
					continue
				}
				required[q.Number] = len(resp.RequiredQuestions)
				resp.RequiredQuestions = append(resp.RequiredQuestions, newRequiredQuestion(q, e, req.Answers))
			}

			if tier, ok := resolveAnswers(qs, req.Answers); ok {
				numbers := res.QuestionNumbers
				res = newResult(e, tier)
				res.Tier = TierPending
				res.QuestionNumbers = numbers
				agg.add(tier)
			} else {
				agg.pend(code)
			}

		default:
			// P without linked questions, or a tier outside the closed set.
			res.Tier = TierPending
			res.EffectiveTier = ""
			res.Unavailable = true
			res.Color = TierPending.Color()
			res.Tooltip = tooltipUnavailable
			res.Order = TierPending.Order()
			agg.pend(code)
		}
		resp.Results = append(resp.Results, res)
	}

	resp.Overall = agg.result()
	outcome := "determined"
	if !resp.Overall.Determined {
		outcome = "undetermined"
	}
	observeClassification(outcome, start, resp)
	return resp, nil
}

// Resolve is the second pass of a classification: the same batch with the
// selected answers. Answers map straight to tiers; nothing else changes.
func (s *Service) Resolve(ctx context.Context, req *ClassifyRequest) (*ClassifyResponse, error) {
	if len(req.Answers) == 0 {
		return nil, fmt.Errorf("%w: answers are required", ErrInvalidInput)
	}
	return s.Classify(ctx, req)
}

// Search returns autocomplete suggestions. Fragments shorter than three
// characters yield nothing; digit-only fragments match codes only.
func (s *Service) Search(ctx context.Context, term string, limit int) ([]SearchResult, error) {
	results := []SearchResult{}
	term = strings.TrimSpace(term)
	if utf8.RuneCountInString(term) < minSearchLength {
		return results, nil
	}
	if limit <= 0 || limit > maxSearchResults {
		limit = maxSearchResults
	}

	var description, code string
	if hasLetter(term) {
		description = term
	}
	if digits := Normalize(term); len(digits) >= minSearchLength {
		code = digits
	}
	if description == "" && code == "" {
		return results, nil
	}

	entries, err := s.repo.Search(ctx, description, code, limit)
	if err != nil {
		return nil, fmt.Errorf("search codes: %w", err)
	}
	for _, e := range entries {
		results = append(results, SearchResult{
			ID:   e.Code,
			Text: Format(e.Code) + " - " + e.Description,
		})
	}
	return results, nil
}

// Detail returns a code entry with its linked questions.
func (s *Service) Detail(ctx context.Context, code string) (*CodeDetail, error) {
	code = Normalize(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidInput)
	}
	e, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	qs, err := s.repo.QuestionsForCodes(ctx, []string{code})
	if err != nil {
		return nil, fmt.Errorf("lookup questions: %w", err)
	}
	questions := qs[code]
	if questions == nil {
		questions = []*Question{}
	}
	return &CodeDetail{CodeEntry: *e, FormattedCode: Format(e.Code), Questions: questions}, nil
}

// Question returns a single question with its options.
func (s *Service) Question(ctx context.Context, number int) (*Question, error) {
	if number <= 0 {
		return nil, fmt.Errorf("%w: question number must be positive", ErrInvalidInput)
	}
	return s.repo.GetQuestion(ctx, number)
}

// List pages through the code table, optionally filtered by base tier.
func (s *Service) List(ctx context.Context, tier string, limit, offset int) ([]*CodeEntry, int, error) {
	var t Tier
	if tier != "" {
		parsed, err := ParseTier(tier)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		t = parsed
	}
	return s.repo.List(ctx, t, limit, offset)
}

// Integrity reports P codes without questions and questions without options.
func (s *Service) Integrity(ctx context.Context) (*IntegrityReport, error) {
	return s.repo.Integrity(ctx)
}

func newResult(e *CodeEntry, tier Tier) CodeResult {
	res := CodeResult{
		Code:            e.Code,
		FormattedCode:   Format(e.Code),
		Description:     e.Description,
		Tier:            tier,
		QuestionNumbers: []int{},
		Color:           tier.Color(),
		Tooltip:         tier.Tooltip(e.ProjectExempt),
		Order:           tier.Order(),
	}
	if tier.Resolved() {
		res.EffectiveTier = tier
	}
	if tier == TierIII {
		exempt := e.ProjectExempt
		res.ProjectExempt = &exempt
	}
	return res
}

func unknownResult(code string) CodeResult {
	return CodeResult{
		Code:            code,
		FormattedCode:   Format(code),
		Description:     DescriptionNotFound,
		Tier:            TierUnknown,
		QuestionNumbers: []int{},
		Color:           TierUnknown.Color(),
		Tooltip:         TierUnknown.Tooltip(false),
		Order:           TierUnknown.Order(),
	}
}

func newRequiredQuestion(q *Question, origin *CodeEntry, answers map[int]string) RequiredQuestion {
	rq := RequiredQuestion{
		Number:                 q.Number,
		Text:                   q.Text,
		Options:                make([]OptionView, 0, len(q.Options)),
		OriginatingCode:        origin.Code,
		OriginatingDescription: origin.Description,
		OriginatingCodes:       []string{origin.Code},
	}
	for _, o := range q.Options {
		rq.Options = append(rq.Options, OptionView{Text: o.Text, ResultantTier: o.ResultantTier})
	}
	if answer, ok := answers[q.Number]; ok {
		if o, ok := q.option(answer); ok {
			rq.Answer = o.Text
		}
	}
	return rq
}

// resolveAnswers returns the effective tier of a P code: the highest
// resultant tier among the selected options. Every linked question must be
// answered with one of its options.
func resolveAnswers(qs []*Question, answers map[int]string) (Tier, bool) {
	if len(answers) == 0 || len(qs) == 0 {
		return "", false
	}
	var tier Tier
	for _, q := range qs {
		answer, ok := answers[q.Number]
		if !ok {
			return "", false
		}
		o, ok := q.option(answer)
		if !ok || !o.ResultantTier.Resolved() {
			return "", false
		}
		tier = Max(tier, o.ResultantTier)
	}
	return tier, true
}

func normalizeAll(raw []string) []string {
	codes := make([]string, 0, len(raw))
	for _, r := range raw {
		if c := Normalize(r); c != "" {
			codes = append(codes, c)
		}
	}
	return codes
}

func distinct(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
