// Package ingest turns operator-uploaded spreadsheets into candidate records.
// Column layouts are unknown a priori: a text LLM maps the free-form headers
// to canonical fields, with a keyword fallback when no model is configured.
package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/pipeline/pkg/providers"
	"github.com/xuri/excelize/v2"
)

// Canonical fields a column can map to. Only document is mandatory.
const (
	FieldName        = "name"
	FieldPhone       = "phone"
	FieldAddress     = "address"
	FieldCity        = "city"
	FieldState       = "state"
	FieldZip         = "zip"
	FieldDocument    = "document"
	FieldServiceType = "serviceType"
)

var canonicalFields = []string{
	FieldName, FieldPhone, FieldAddress, FieldCity,
	FieldState, FieldZip, FieldDocument, FieldServiceType,
}

// Mapping binds canonical fields to zero-based column indexes.
type Mapping map[string]int

// RejectedRow reports one input row that could not become a record.
type RejectedRow struct {
	Row    int    `json:"row"` // 1-based, counting the header as row 1
	Reason string `json:"reason"`
}

// Result is the outcome of parsing one upload.
type Result struct {
	Records  []domain.Record `json:"records"`
	Rejected []RejectedRow   `json:"rejected"`
	Mapping  Mapping         `json:"mapping"`
	// MappedByLLM is false when the keyword fallback produced the mapping.
	MappedByLLM bool `json:"mapped_by_llm"`
}

// Parser reads uploads and builds pending records.
type Parser struct {
	log *slog.Logger
	llm providers.TextCompleter // optional
}

func NewParser(log *slog.Logger, llm providers.TextCompleter) *Parser {
	return &Parser{log: log, llm: llm}
}

// ParseFile dispatches on the file extension. Supported: .csv, .xlsx, .xls.
func (p *Parser) ParseFile(ctx context.Context, fileName string, data []byte) (*Result, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv":
		rows, err := readCSV(data)
		return p.parseRows(ctx, rows, err)
	case ".xlsx", ".xls":
		rows, err := readXLSX(data)
		if err != nil {
			return nil, err
		}
		return p.parseRows(ctx, rows, nil)
	default:
		return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(fileName))
	}
}

func readCSV(data []byte) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	// Brazilian exports frequently use semicolons.
	rows, err := r.ReadAll()
	if err != nil || len(rows) > 0 && len(rows[0]) == 1 && strings.Contains(rows[0][0], ";") {
		r = csv.NewReader(bytes.NewReader(data))
		r.FieldsPerRecord = -1
		r.TrimLeadingSpace = true
		r.Comma = ';'
		rows, err = r.ReadAll()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	return rows, nil
}

func readXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("spreadsheet has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	return rows, nil
}

func (p *Parser) parseRows(ctx context.Context, rows [][]string, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("file needs a header row and at least one data row")
	}

	header := rows[0]
	sample := rows[1:]
	if len(sample) > 3 {
		sample = sample[:3]
	}

	mapping, byLLM := p.mapHeaders(ctx, header, sample)
	if _, ok := mapping[FieldDocument]; !ok {
		return nil, fmt.Errorf("no column maps to the tax document")
	}

	res := &Result{Mapping: mapping, MappedByLLM: byLLM}
	for i, row := range rows[1:] {
		rowNum := i + 2
		if blankRow(row) {
			continue
		}

		raw := cell(row, mapping, FieldDocument)
		doc, kind := domain.DetectDocumentKind(raw)
		if raw == "" {
			res.Rejected = append(res.Rejected, RejectedRow{Row: rowNum, Reason: "missing document"})
			continue
		}

		rec := domain.Record{
			ID:             uuid.New(),
			Document:       doc,
			DocumentKind:   kind,
			NameRaw:        cell(row, mapping, FieldName),
			AddressRaw:     cell(row, mapping, FieldAddress),
			CityRaw:        cell(row, mapping, FieldCity),
			StateRaw:       cell(row, mapping, FieldState),
			PhoneRaw:       cell(row, mapping, FieldPhone),
			ZipRaw:         cell(row, mapping, FieldZip),
			ServiceTypeRaw: cell(row, mapping, FieldServiceType),
			Stages:         domain.PendingStages(),
		}
		res.Records = append(res.Records, rec)
	}

	if len(res.Records) == 0 {
		return nil, fmt.Errorf("no usable rows: all %d rejected", len(res.Rejected))
	}
	return res, nil
}

func cell(row []string, mapping Mapping, field string) string {
	idx, ok := mapping[field]
	if !ok || idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
