package catalogsource

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yanqian/playgrounded/internal/domain/catalog"
	"github.com/yanqian/playgrounded/internal/infra/relay"
)

// SheetSource loads a published spreadsheet. URLs are tried in order, the
// first that answers wins; each answer may be JSON or CSV.
type SheetSource struct {
	name   string
	urls   []string
	kind   catalog.Kind
	doer   relay.Doer
	logger *slog.Logger
}

// NewSheetSource builds a sheet source. Empty URLs are ignored.
func NewSheetSource(name string, kind catalog.Kind, urls []string, doer relay.Doer, logger *slog.Logger) *SheetSource {
	var cleaned []string
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			cleaned = append(cleaned, u)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SheetSource{
		name:   name,
		urls:   cleaned,
		kind:   kind,
		doer:   doer,
		logger: logger.With("component", "catalogsource.sheet", "source", name),
	}
}

// Configured reports whether any URL is set.
func (s *SheetSource) Configured() bool {
	return len(s.urls) > 0
}

func (s *SheetSource) Name() string {
	return s.name
}

// Load fetches and normalizes the sheet.
func (s *SheetSource) Load(ctx context.Context) ([]catalog.Park, error) {
	if len(s.urls) == 0 {
		return nil, errors.New("no sheet urls configured")
	}
	var lastErr error
	for _, u := range s.urls {
		resp, err := s.doer.Do(ctx, relay.Request{
			Method: http.MethodGet,
			URL:    u,
			Header: http.Header{"Cache-Control": []string{"no-store"}},
		})
		if err != nil {
			lastErr = err
			s.logger.Warn("sheet fetch failed", "url", u, "error", err)
			continue
		}
		records, err := ParseSheet(resp.Body)
		if err != nil {
			lastErr = err
			s.logger.Warn("sheet parse failed", "url", u, "error", err)
			continue
		}
		parks := catalog.Normalize(records, s.kind)
		s.logger.Debug("sheet loaded", "url", u, "rows", len(records), "parks", len(parks), "viaProxy", resp.ViaProxy)
		return parks, nil
	}
	return nil, fmt.Errorf("sheet %s: %w", s.name, lastErr)
}

// ParseSheet decodes a sheet body: a JSON array, a JSON object with a data
// array, or CSV with a header row. An empty body is an empty sheet.
func ParseSheet(body []byte) ([]catalog.Record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if json.Valid(trimmed) {
		return parseJSON(trimmed)
	}
	return parseCSV(trimmed)
}

func parseJSON(body []byte) ([]catalog.Record, error) {
	var rows []catalog.Record
	if err := json.Unmarshal(body, &rows); err == nil {
		return rows, nil
	}
	var wrapped struct {
		Data []catalog.Record `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, nil
	}
	return wrapped.Data, nil
}

func parseCSV(body []byte) ([]catalog.Record, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var rows []catalog.Record
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		if blank(fields) {
			continue
		}
		row := make(catalog.Record, len(header))
		for i, name := range header {
			if name == "" || i >= len(fields) {
				continue
			}
			row[name] = fields[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func blank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

var _ catalog.Source = (*SheetSource)(nil)
