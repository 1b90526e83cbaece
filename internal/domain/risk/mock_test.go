package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// -- Mock Store --

// mockStore is a map-backed reference store implementing the read and write
// interfaces. WithTx works on a copy and swaps it in on success.
type mockStore struct {
	codes     map[string]*CodeEntry
	questions map[int]*Question
	links     map[string][]int
	env       map[string][]*EnvironmentalEntry
	nextEnvID int64
	failWith  error
}

func newMockStore() *mockStore {
	return &mockStore{
		codes:     make(map[string]*CodeEntry),
		questions: make(map[int]*Question),
		links:     make(map[string][]int),
		env:       make(map[string][]*EnvironmentalEntry),
	}
}

func (m *mockStore) addCode(code, desc string, tier Tier, exempt bool) {
	m.codes[code] = &CodeEntry{Code: code, Description: desc, BaseTier: tier, ProjectExempt: exempt}
}

func (m *mockStore) addQuestion(number int, text string, options ...AnswerOption) {
	q := &Question{Number: number, Text: text}
	for _, o := range options {
		o.QuestionNumber = number
		q.Options = append(q.Options, o)
	}
	m.questions[number] = q
}

func (m *mockStore) link(code string, numbers ...int) {
	m.links[code] = append(m.links[code], numbers...)
	sort.Ints(m.links[code])
}

// seedScenario loads the reference rows used across tests.
func seedScenario() *mockStore {
	m := newMockStore()
	m.addCode("0111301", "Rice farming", TierNA, false)
	m.addCode("4713002", "Department stores", TierIII, false)
	m.addCode("4711302", "Supermarkets", TierIII, true)
	m.addCode("0111302", "Corn farming", TierPending, false)
	m.addCode("0111303", "Wheat farming", TierPending, false)
	m.addCode("5611201", "Restaurants", TierII, false)
	m.addCode("4721102", "Bakeries", TierI, false)
	m.addCode("9999999", "Orphan pending activity", TierPending, false)
	m.addQuestion(1, "Does the activity handle food?",
		AnswerOption{Text: "Yes", ResultantTier: TierIII},
		AnswerOption{Text: "No", ResultantTier: TierI})
	m.addQuestion(2, "Is the activity carried out at the premises?",
		AnswerOption{Text: "Yes", ResultantTier: TierII},
		AnswerOption{Text: "No", ResultantTier: TierNA})
	m.link("0111302", 1)
	m.link("0111303", 1, 2)
	return m
}

func (m *mockStore) GetCodes(_ context.Context, codes []string) (map[string]*CodeEntry, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	out := make(map[string]*CodeEntry)
	for _, c := range codes {
		if e, ok := m.codes[c]; ok {
			cp := *e
			out[c] = &cp
		}
	}
	return out, nil
}

func (m *mockStore) GetByCode(_ context.Context, code string) (*CodeEntry, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	e, ok := m.codes[code]
	if !ok {
		return nil, fmt.Errorf("cnae %s: %w", code, ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (m *mockStore) QuestionsForCodes(_ context.Context, codes []string) (map[string][]*Question, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	out := make(map[string][]*Question)
	for _, c := range codes {
		for _, n := range m.links[c] {
			if q, ok := m.questions[n]; ok {
				out[c] = append(out[c], q)
			}
		}
	}
	return out, nil
}

func (m *mockStore) GetQuestion(_ context.Context, number int) (*Question, error) {
	q, ok := m.questions[number]
	if !ok {
		return nil, fmt.Errorf("question %d: %w", number, ErrNotFound)
	}
	return q, nil
}

func (m *mockStore) Search(_ context.Context, description, code string, limit int) ([]*CodeEntry, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []*CodeEntry
	for _, e := range m.sortedCodes() {
		matchDesc := description != "" && strings.Contains(strings.ToLower(e.Description), strings.ToLower(description))
		matchCode := code != "" && strings.Contains(e.Code, code)
		if matchDesc || matchCode {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) List(_ context.Context, tier Tier, limit, offset int) ([]*CodeEntry, int, error) {
	var all []*CodeEntry
	for _, e := range m.sortedCodes() {
		if tier == "" || e.BaseTier == tier {
			all = append(all, e)
		}
	}
	total := len(all)
	if offset >= total {
		return []*CodeEntry{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockStore) Integrity(_ context.Context) (*IntegrityReport, error) {
	r := &IntegrityReport{PendingWithoutQuestions: []string{}, QuestionsWithoutOptions: []int{}}
	for _, e := range m.sortedCodes() {
		if e.BaseTier == TierPending && len(m.links[e.Code]) == 0 {
			r.PendingWithoutQuestions = append(r.PendingWithoutQuestions, e.Code)
		}
	}
	var numbers []int
	for n, q := range m.questions {
		if len(q.Options) == 0 {
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)
	r.QuestionsWithoutOptions = append(r.QuestionsWithoutOptions, numbers...)
	return r, nil
}

func (m *mockStore) EnvironmentalForCodes(_ context.Context, codes []string) (map[string][]*EnvironmentalEntry, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	out := make(map[string][]*EnvironmentalEntry)
	for _, c := range codes {
		if entries, ok := m.env[c]; ok {
			out[c] = entries
		}
	}
	return out, nil
}

func (m *mockStore) sortedCodes() []*CodeEntry {
	out := make([]*CodeEntry, 0, len(m.codes))
	for _, e := range m.codes {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// -- Writer --

var errTxAborted = errors.New("tx aborted")

func (m *mockStore) WithTx(ctx context.Context, fn func(tx ReferenceTx) error) error {
	work := m.clone()
	if err := fn(&mockTx{s: work}); err != nil {
		return err
	}
	*m = *work
	return nil
}

func (m *mockStore) clone() *mockStore {
	c := newMockStore()
	c.nextEnvID = m.nextEnvID
	c.failWith = m.failWith
	for k, v := range m.codes {
		cp := *v
		c.codes[k] = &cp
	}
	for k, v := range m.questions {
		cp := *v
		cp.Options = append([]AnswerOption(nil), v.Options...)
		c.questions[k] = &cp
	}
	for k, v := range m.links {
		c.links[k] = append([]int(nil), v...)
	}
	for k, v := range m.env {
		c.env[k] = append([]*EnvironmentalEntry(nil), v...)
	}
	return c
}

type mockTx struct {
	s *mockStore
}

func (t *mockTx) UpsertQuestion(_ context.Context, q *Question) error {
	if _, ok := t.s.questions[q.Number]; !ok {
		t.s.questions[q.Number] = &Question{Number: q.Number, Text: q.Text}
	}
	return nil
}

func (t *mockTx) UpsertOption(_ context.Context, o *AnswerOption) error {
	q, ok := t.s.questions[o.QuestionNumber]
	if !ok {
		return fmt.Errorf("question %d: %w", o.QuestionNumber, ErrNotFound)
	}
	for _, existing := range q.Options {
		if existing.Text == o.Text {
			return nil
		}
	}
	q.Options = append(q.Options, *o)
	return nil
}

func (t *mockTx) UpsertCode(_ context.Context, c *CodeEntry) error {
	if _, ok := t.s.codes[c.Code]; !ok {
		cp := *c
		t.s.codes[c.Code] = &cp
	}
	return nil
}

func (t *mockTx) CodeExists(_ context.Context, code string) (bool, error) {
	_, ok := t.s.codes[code]
	return ok, nil
}

func (t *mockTx) QuestionExists(_ context.Context, number int) (bool, error) {
	_, ok := t.s.questions[number]
	return ok, nil
}

func (t *mockTx) LinkQuestion(_ context.Context, code string, number int) error {
	for _, n := range t.s.links[code] {
		if n == number {
			return nil
		}
	}
	t.s.link(code, number)
	return nil
}

func (t *mockTx) DeleteEnvironmental(_ context.Context) (int64, error) {
	var n int64
	for _, entries := range t.s.env {
		n += int64(len(entries))
	}
	t.s.env = make(map[string][]*EnvironmentalEntry)
	return n, nil
}

func (t *mockTx) InsertEnvironmental(_ context.Context, e *EnvironmentalEntry) error {
	t.s.nextEnvID++
	e.ID = t.s.nextEnvID
	t.s.env[e.Code] = append(t.s.env[e.Code], e)
	return nil
}

func (t *mockTx) ResetExemptions(_ context.Context) error {
	for _, e := range t.s.codes {
		e.ProjectExempt = false
	}
	return nil
}

func (t *mockTx) MarkExempt(_ context.Context, codes []string) ([]string, error) {
	var found []string
	for _, c := range codes {
		if e, ok := t.s.codes[c]; ok {
			e.ProjectExempt = true
			found = append(found, c)
		}
	}
	sort.Strings(found)
	return found, nil
}
