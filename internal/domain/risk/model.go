package risk

import "strings"

// CodeEntry is a row of the sanitary activity code table.
type CodeEntry struct {
	Code          string `db:"code" json:"code"`
	Description   string `db:"description" json:"description"`
	BaseTier      Tier   `db:"base_tier" json:"base_tier"`
	ProjectExempt bool   `db:"project_exempt" json:"project_exempt"`
}

// Question is a numbered prompt used to resolve P-tier codes. A question may
// be linked to many codes.
type Question struct {
	Number  int            `db:"number" json:"number"`
	Text    string         `db:"text" json:"text"`
	Options []AnswerOption `json:"options"`
}

// AnswerOption belongs to exactly one question and yields exactly one tier.
type AnswerOption struct {
	QuestionNumber int    `db:"question_number" json:"-"`
	Text           string `db:"text" json:"text"`
	ResultantTier  Tier   `db:"resultant_tier" json:"resultant_tier"`
}

// option finds the option whose text matches answer, ignoring case and
// surrounding whitespace.
func (q *Question) option(answer string) (AnswerOption, bool) {
	for _, o := range q.Options {
		if strings.EqualFold(strings.TrimSpace(o.Text), strings.TrimSpace(answer)) {
			return o, true
		}
	}
	return AnswerOption{}, false
}

// EnvironmentalEntry is one row of the environmental classification dataset.
// A code may have zero or more entries.
type EnvironmentalEntry struct {
	ID                   int64  `db:"id" json:"id"`
	Code                 string `db:"code" json:"code"`
	AggregationLevel     string `db:"aggregation_level" json:"aggregation_level,omitempty"`
	COPAMCode            string `db:"copam_code" json:"copam_code,omitempty"`
	Description          string `db:"description" json:"description"`
	MunicipalRequirement string `db:"municipal_requirement" json:"municipal_requirement,omitempty"`
	Tier                 Tier   `db:"tier" json:"tier"`
}

// ClassifyRequest is the input of the sanitary classifier. Answers maps a
// question number to the selected option text and is only sent on the
// second pass.
type ClassifyRequest struct {
	Codes   []string       `json:"codes" validate:"max=200,dive,max=64"`
	Answers map[int]string `json:"answers,omitempty" validate:"max=200,dive,keys,gt=0,endkeys,max=256"`
}

// CodeResult is the display-ready classification of one input code.
type CodeResult struct {
	Code          string `json:"code"`
	FormattedCode string `json:"formatted_code"`
	Description   string `json:"description"`
	// Tier is the stored base tier. A P code keeps "P" here even after its
	// questions are answered; the answered tier is in EffectiveTier, so
	// clients must read EffectiveTier as the code's risk.
	Tier Tier `json:"tier"`
	// EffectiveTier is the tier used for aggregation: the base tier for
	// resolved codes, the answered tier for P codes, empty otherwise.
	EffectiveTier   Tier   `json:"effective_tier,omitempty"`
	ProjectExempt   *bool  `json:"project_exempt,omitempty"`
	QuestionNumbers []int  `json:"question_numbers"`
	Unavailable     bool   `json:"unavailable,omitempty"`
	Color           string `json:"color"`
	Tooltip         string `json:"tooltip"`
	Order           int    `json:"order"`
}

// RequiredQuestion is a question that must be answered before a P code can
// be resolved. It appears once per batch even when several codes link it.
type RequiredQuestion struct {
	Number                 int          `json:"question_number"`
	Text                   string       `json:"question_text"`
	Options                []OptionView `json:"options"`
	OriginatingCode        string       `json:"originating_code"`
	OriginatingDescription string       `json:"originating_description"`
	OriginatingCodes       []string     `json:"originating_codes"`
	Answer                 string       `json:"answer,omitempty"`
}

// OptionView is an answer option as shown to the caller.
type OptionView struct {
	Text          string `json:"text"`
	ResultantTier Tier   `json:"resultant_tier"`
}

// OverallRisk aggregates a batch. Tier is the maximum resolved tier seen so
// far; Determined is false while any code is pending or when nothing could
// be resolved at all.
type OverallRisk struct {
	Tier         Tier     `json:"tier,omitempty"`
	Determined   bool     `json:"determined"`
	PendingCodes []string `json:"pending_codes"`
}

// ClassifyResponse is the output of the sanitary classifier.
type ClassifyResponse struct {
	Results           []CodeResult       `json:"results"`
	RequiredQuestions []RequiredQuestion `json:"required_questions"`
	Overall           OverallRisk        `json:"overall_risk"`
}

// Environmental result statuses.
const (
	EnvClassified       = "classified"
	EnvNoClassification = "no_specific_classification"
	EnvUnknown          = "unknown"
)

// EnvironmentalRequest is the input of the environmental classifier.
type EnvironmentalRequest struct {
	Codes []string `json:"codes" validate:"max=200,dive,max=64"`
}

// EnvironmentalResult is the environmental classification of one input code.
type EnvironmentalResult struct {
	Code          string                `json:"code"`
	FormattedCode string                `json:"formatted_code"`
	Description   string                `json:"description"`
	Status        string                `json:"status"`
	Tier          Tier                  `json:"tier,omitempty"`
	Entries       []*EnvironmentalEntry `json:"entries"`
}

// EnvironmentalResponse is the output of the environmental classifier.
type EnvironmentalResponse struct {
	Results []EnvironmentalResult `json:"results"`
	Overall OverallRisk           `json:"overall_risk"`
}

// SearchResult is an autocomplete suggestion.
type SearchResult struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// CodeDetail is a code entry with its linked questions, used by the
// reference endpoints.
type CodeDetail struct {
	CodeEntry
	FormattedCode string      `json:"formatted_code"`
	Questions     []*Question `json:"questions"`
}

// IntegrityReport lists reference rows the classifier cannot resolve.
type IntegrityReport struct {
	PendingWithoutQuestions []string `json:"pending_without_questions"`
	QuestionsWithoutOptions []int    `json:"questions_without_options"`
}

// Healthy reports whether the report found no gaps.
func (r *IntegrityReport) Healthy() bool {
	return len(r.PendingWithoutQuestions) == 0 && len(r.QuestionsWithoutOptions) == 0
}
