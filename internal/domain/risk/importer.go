package risk

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// SanitaryFiles holds the four CSV sources of the sanitary reference set.
type SanitaryFiles struct {
	Questions io.Reader // numero, texto
	Options   io.Reader // numero_pergunta, texto_resposta, risco_resultante
	Codes     io.Reader // codigo, descricao, risco_base
	Links     io.Reader // codigo_cnae, numero_pergunta
}

// ImportReport summarizes what an import wrote and what it skipped.
type ImportReport struct {
	Questions        int      `json:"questions"`
	Options          int      `json:"options"`
	Codes            int      `json:"codes"`
	Links            int      `json:"links"`
	Entries          int      `json:"entries"`
	Deleted          int64    `json:"deleted"`
	Exempted         int      `json:"exempted"`
	Skipped          int      `json:"skipped"`
	Invalid          int      `json:"invalid"`
	MissingCodes     []string `json:"missing_codes,omitempty"`
	MissingQuestions []int    `json:"missing_questions,omitempty"`
}

// Importer loads reference data into a store. Every exported method runs in
// one transaction, so a failed import leaves the store untouched.
type Importer struct {
	writer ReferenceWriter
	logger zerolog.Logger
}

// NewImporter creates an importer writing through w.
func NewImporter(w ReferenceWriter, logger zerolog.Logger) *Importer {
	return &Importer{writer: w, logger: logger.With().Str("component", "reference-import").Logger()}
}

// ImportSanitary loads questions, answer options, codes and code-question
// links, in that order. Existing rows are kept.
func (im *Importer) ImportSanitary(ctx context.Context, files SanitaryFiles) (*ImportReport, error) {
	if files.Questions == nil || files.Options == nil || files.Codes == nil || files.Links == nil {
		return nil, fmt.Errorf("%w: all four sanitary files are required", ErrInvalidInput)
	}
	questions, err := readTable(files.Questions, ',', false)
	if err != nil {
		return nil, fmt.Errorf("read questions: %w", err)
	}
	options, err := readTable(files.Options, ',', false)
	if err != nil {
		return nil, fmt.Errorf("read options: %w", err)
	}
	codes, err := readTable(files.Codes, ',', false)
	if err != nil {
		return nil, fmt.Errorf("read codes: %w", err)
	}
	links, err := readTable(files.Links, ',', false)
	if err != nil {
		return nil, fmt.Errorf("read links: %w", err)
	}

	report := &ImportReport{}
	err = im.writer.WithTx(ctx, func(tx ReferenceTx) error {
		for _, row := range questions.rows {
			number, err := strconv.Atoi(strings.TrimSpace(row["numero"]))
			if err != nil || number <= 0 {
				report.Invalid++
				continue
			}
			q := &Question{Number: number, Text: collapseSpace(row["texto"])}
			if err := tx.UpsertQuestion(ctx, q); err != nil {
				return err
			}
			report.Questions++
		}

		for _, row := range options.rows {
			number, err := strconv.Atoi(strings.TrimSpace(row["numero_pergunta"]))
			if err != nil {
				report.Invalid++
				continue
			}
			tier, err := ParseResolvedTier(row["risco_resultante"])
			if err != nil {
				im.logger.Warn().Int("question", number).Str("tier", row["risco_resultante"]).Msg("skipping option with invalid tier")
				report.Invalid++
				continue
			}
			ok, err := tx.QuestionExists(ctx, number)
			if err != nil {
				return err
			}
			if !ok {
				report.MissingQuestions = appendMissingQuestion(report.MissingQuestions, number)
				report.Skipped++
				continue
			}
			o := &AnswerOption{QuestionNumber: number, Text: strings.TrimSpace(row["texto_resposta"]), ResultantTier: tier}
			if err := tx.UpsertOption(ctx, o); err != nil {
				return err
			}
			report.Options++
		}

		for _, row := range codes.rows {
			code := Normalize(row["codigo"])
			if code == "" {
				continue
			}
			tier, err := ParseTier(row["risco_base"])
			if err != nil {
				im.logger.Warn().Str("code", code).Str("tier", row["risco_base"]).Msg("skipping code with invalid tier")
				report.Invalid++
				continue
			}
			c := &CodeEntry{Code: code, Description: strings.TrimSpace(row["descricao"]), BaseTier: tier}
			if err := tx.UpsertCode(ctx, c); err != nil {
				return err
			}
			report.Codes++
		}

		for _, row := range links.rows {
			code := Normalize(row["codigo_cnae"])
			if code == "" {
				continue
			}
			number, err := strconv.Atoi(strings.TrimSpace(row["numero_pergunta"]))
			if err != nil {
				report.Invalid++
				continue
			}
			codeOK, err := tx.CodeExists(ctx, code)
			if err != nil {
				return err
			}
			questionOK, err := tx.QuestionExists(ctx, number)
			if err != nil {
				return err
			}
			if !codeOK || !questionOK {
				im.logger.Warn().Str("code", code).Int("question", number).Msg("skipping link to missing row")
				if !codeOK {
					report.MissingCodes = appendMissingCode(report.MissingCodes, code)
				}
				if !questionOK {
					report.MissingQuestions = appendMissingQuestion(report.MissingQuestions, number)
				}
				report.Skipped++
				continue
			}
			if err := tx.LinkQuestion(ctx, code, number); err != nil {
				return err
			}
			report.Links++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	im.logger.Info().
		Int("questions", report.Questions).
		Int("options", report.Options).
		Int("codes", report.Codes).
		Int("links", report.Links).
		Int("skipped", report.Skipped).
		Int("invalid", report.Invalid).
		Msg("sanitary import complete")
	return report, nil
}

// ImportEnvironmental replaces every environmental entry with the rows of a
// semicolon-separated sheet. Rows whose code is not in the code table are
// counted and skipped.
func (im *Importer) ImportEnvironmental(ctx context.Context, r io.Reader) (*ImportReport, error) {
	sheet, err := readTable(r, ';', true)
	if err != nil {
		return nil, fmt.Errorf("read environmental sheet: %w", err)
	}
	descriptionKey := "DESCRIÇÃO DO CÓDIGO"
	for _, h := range sheet.header {
		if h != descriptionKey && strings.Contains(h, "DESCRIÇÃO") && strings.Contains(h, "CÓDIGO") {
			descriptionKey = h
			break
		}
	}

	report := &ImportReport{}
	err = im.writer.WithTx(ctx, func(tx ReferenceTx) error {
		deleted, err := tx.DeleteEnvironmental(ctx)
		if err != nil {
			return err
		}
		report.Deleted = deleted

		for _, row := range sheet.rows {
			code := Normalize(row["CÓDIGO CNAE"])
			if code == "" {
				continue
			}
			tier, err := ParseResolvedTier(row["NÍVEL DE RISCO"])
			if err != nil {
				report.Invalid++
				continue
			}
			ok, err := tx.CodeExists(ctx, code)
			if err != nil {
				return err
			}
			if !ok {
				report.MissingCodes = appendMissingCode(report.MissingCodes, code)
				report.Skipped++
				continue
			}
			e := &EnvironmentalEntry{
				Code:                 code,
				AggregationLevel:     firstOf(row, "NÍVEL AGREGAÇÃO", "NÍVEL AGREGAÇÃO CNAE"),
				COPAMCode:            strings.TrimSpace(row["CÓDIGO DN COPAM"]),
				Description:          firstOf(row, "DESCRIÇÃO DO CÓDIGO", descriptionKey),
				MunicipalRequirement: firstOf(row, "EXIGÊNCIA AMBIENTAL", "EXIGÊNCIA AMBIENTAL MUNICIPAL"),
				Tier:                 tier,
			}
			if err := tx.InsertEnvironmental(ctx, e); err != nil {
				return err
			}
			report.Entries++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	im.logger.Info().
		Int64("deleted", report.Deleted).
		Int("imported", report.Entries).
		Int("missing_code", report.Skipped).
		Int("invalid", report.Invalid).
		Msg("environmental import complete")
	return report, nil
}

// ApplyExemptions clears every project exemption and flags the given codes.
// Codes absent from the table are reported, not created.
func (im *Importer) ApplyExemptions(ctx context.Context, codes []string) (*ImportReport, error) {
	codes = distinct(normalizeAll(codes))
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: no exemption codes", ErrInvalidInput)
	}

	report := &ImportReport{}
	err := im.writer.WithTx(ctx, func(tx ReferenceTx) error {
		if err := tx.ResetExemptions(ctx); err != nil {
			return err
		}
		found, err := tx.MarkExempt(ctx, codes)
		if err != nil {
			return err
		}
		report.Exempted = len(found)
		seen := make(map[string]bool, len(found))
		for _, c := range found {
			seen[c] = true
		}
		for _, c := range codes {
			if !seen[c] {
				report.MissingCodes = append(report.MissingCodes, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	evt := im.logger.Info()
	if len(report.MissingCodes) > 0 {
		evt = im.logger.Warn().Strs("missing", report.MissingCodes)
	}
	evt.Int("exempted", report.Exempted).Msg("project exemptions applied")
	return report, nil
}

type table struct {
	header []string
	rows   []map[string]string
}

// readTable reads a CSV with a header row. Headers are trimmed, stripped of
// a UTF-8 BOM and optionally upper-cased; short rows yield empty values.
func readTable(r io.Reader, comma rune, upper bool) (*table, error) {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &table{}, nil
		}
		return nil, err
	}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if upper {
			h = strings.ToUpper(h)
		}
		header[i] = h
	}

	t := &table{header: header}
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(record) {
				row[h] = record[i]
			}
		}
		t.rows = append(t.rows, row)
	}
	return t, nil
}

func firstOf(row map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(row[k]); v != "" {
			return v
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func appendMissingCode(list []string, code string) []string {
	for _, c := range list {
		if c == code {
			return list
		}
	}
	return append(list, code)
}

func appendMissingQuestion(list []int, n int) []int {
	for _, v := range list {
		if v == n {
			return list
		}
	}
	return append(list, n)
}
