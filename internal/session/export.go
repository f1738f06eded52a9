package session

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kalambet/storepulse/internal/conversation"
)

// ExportFormat selects the history export encoding.
type ExportFormat string

const (
	ExportJSON     ExportFormat = "json"
	ExportCSV      ExportFormat = "csv"
	ExportMarkdown ExportFormat = "markdown"
	ExportXLSX     ExportFormat = "xlsx"
)

// ParseExportFormat accepts the format names and "md".
func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return ExportJSON, nil
	case "csv":
		return ExportCSV, nil
	case "md", "markdown":
		return ExportMarkdown, nil
	case "xlsx":
		return ExportXLSX, nil
	}
	return "", fmt.Errorf("unknown export format %q (want json, csv, markdown or xlsx)", s)
}

// ContentType is the MIME type of an export.
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportCSV:
		return "text/csv; charset=utf-8"
	case ExportMarkdown:
		return "text/markdown; charset=utf-8"
	case ExportXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/json"
}

// Extension is the file extension of an export, without the dot.
func (f ExportFormat) Extension() string {
	if f == ExportMarkdown {
		return "md"
	}
	return string(f)
}

type exportRow struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

var exportHeader = []string{"id", "role", "kind", "created_at", "content"}

func (r exportRow) cells() []string {
	return []string{r.ID, r.Role, r.Kind, r.CreatedAt.UTC().Format(time.RFC3339), r.Content}
}

// ExportHistory writes the active thread's history to w.
func (s *Session) ExportHistory(w io.Writer, format ExportFormat) error {
	b := s.threads.Binding()
	return WriteHistory(w, format, string(b.Feature), b.ThreadID, s.log.Messages(b.ThreadID))
}

// WriteHistory encodes msgs in format.
func WriteHistory(w io.Writer, format ExportFormat, feat, threadID string, msgs []conversation.Message) error {
	rows := make([]exportRow, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, exportRow{
			ID:        m.ID,
			Role:      string(m.Role),
			Kind:      string(m.Kind),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}

	switch format {
	case ExportJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Feature  string      `json:"feature"`
			ThreadID string      `json:"threadId"`
			Messages []exportRow `json:"messages"`
		}{feat, threadID, rows})
	case ExportCSV:
		return writeCSV(w, rows)
	case ExportMarkdown:
		return writeMarkdown(w, feat, threadID, rows)
	case ExportXLSX:
		return writeXLSX(w, rows)
	}
	return fmt.Errorf("unknown export format %q", format)
}

func writeCSV(w io.Writer, rows []exportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, r := range rows {
		if err := cw.Write(r.cells()); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeMarkdown(w io.Writer, feat, threadID string, rows []exportRow) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Conversation (%s)\n\nThread `%s`\n", feat, threadID)
	for _, r := range rows {
		fmt.Fprintf(&sb, "\n### %s, %s\n\n", r.Role, r.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
		if r.Kind != string(conversation.KindRemote) {
			sb.WriteString("_local " + r.Kind + "_\n\n")
		}
		sb.WriteString(strings.TrimSpace(r.Content))
		sb.WriteString("\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func writeXLSX(w io.Writer, rows []exportRow) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "History"
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}
	header := make([]any, len(exportHeader))
	for i, h := range exportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("writing xlsx header: %w", err)
	}
	for i, r := range rows {
		cells := r.cells()
		row := make([]any, len(cells))
		for j, c := range cells {
			row[j] = c
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("writing xlsx row %d: %w", i+1, err)
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing xlsx: %w", err)
	}
	return nil
}
