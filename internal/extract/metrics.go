// Package extract turns uploaded exports (CSV, XLSX, PDF, HTML, plain
// text) into a best-effort set of app-store metrics. Anything that cannot
// be recognized is simply left out.
package extract

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
)

// Format of an uploaded file.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
	FormatText Format = "text"
)

// Keyword is one row of a keyword ranking export.
type Keyword struct {
	Term   string   `json:"term"`
	Rank   *float64 `json:"rank,omitempty"`
	Volume *float64 `json:"volume,omitempty"`
}

// PartialMetrics holds whatever could be recognized in a file. Nil means
// not present.
type PartialMetrics struct {
	Format         Format    `json:"format"`
	Rows           int       `json:"rows"`
	Downloads      *float64  `json:"downloads,omitempty"`
	Revenue        *float64  `json:"revenue,omitempty"`
	Impressions    *float64  `json:"impressions,omitempty"`
	PageViews      *float64  `json:"pageViews,omitempty"`
	ConversionRate *float64  `json:"conversionRate,omitempty"`
	Rating         *float64  `json:"rating,omitempty"`
	RatingsCount   *float64  `json:"ratingsCount,omitempty"`
	Keywords       []Keyword `json:"keywords,omitempty"`
}

// Empty reports whether nothing at all was recognized.
func (m PartialMetrics) Empty() bool {
	return m.Downloads == nil && m.Revenue == nil && m.Impressions == nil &&
		m.PageViews == nil && m.ConversionRate == nil && m.Rating == nil &&
		m.RatingsCount == nil && len(m.Keywords) == 0
}

// Metrics extracts metrics from content. fileName and contentType are
// hints for format detection; either may be empty.
func Metrics(fileName, contentType string, content []byte) (PartialMetrics, error) {
	format := Detect(fileName, contentType, content)

	var (
		m   PartialMetrics
		err error
	)
	switch format {
	case FormatCSV:
		var rows [][]string
		rows, err = readCSV(content)
		m = fromTable(rows)
	case FormatXLSX:
		var rows [][]string
		rows, err = readXLSX(content)
		m = fromTable(rows)
	case FormatPDF:
		var text string
		text, err = readPDF(content)
		m = fromText(text)
	case FormatHTML:
		m, err = fromHTML(content)
	default:
		m = fromText(string(content))
	}
	if err != nil {
		return PartialMetrics{Format: format}, fmt.Errorf("extracting %s metrics from %q: %w", format, fileName, err)
	}
	m.Format = format
	return m, nil
}

// Detect guesses the format from the extension, then the content type,
// then the content itself.
func Detect(fileName, contentType string, content []byte) Format {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv", ".tsv":
		return FormatCSV
	case ".xlsx", ".xlsm":
		return FormatXLSX
	case ".pdf":
		return FormatPDF
	case ".html", ".htm":
		return FormatHTML
	case ".txt", ".md":
		return FormatText
	}

	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(content)
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "csv"):
		return FormatCSV
	case strings.Contains(ct, "spreadsheetml"), strings.Contains(ct, "zip"):
		return FormatXLSX
	case strings.Contains(ct, "pdf"):
		return FormatPDF
	case strings.Contains(ct, "html"):
		return FormatHTML
	}
	if looksLikeCSV(content) {
		return FormatCSV
	}
	return FormatText
}

func looksLikeCSV(content []byte) bool {
	lines := bytes.Split(bytes.TrimSpace(content), []byte("\n"))
	if len(lines) < 2 {
		return false
	}
	n := bytes.Count(lines[0], []byte(","))
	if n == 0 {
		return false
	}
	for _, l := range lines[1:] {
		if bytes.Count(l, []byte(",")) != n {
			return false
		}
	}
	return true
}

type field int

const (
	fieldNone field = iota
	fieldDownloads
	fieldRevenue
	fieldImpressions
	fieldPageViews
	fieldConversion
	fieldRating
	fieldRatingsCount
	fieldKeyword
	fieldRank
	fieldVolume
)

var synonyms = map[string]field{
	"downloads":            fieldDownloads,
	"installs":             fieldDownloads,
	"units":                fieldDownloads,
	"app units":            fieldDownloads,
	"first time downloads": fieldDownloads,
	"total downloads":      fieldDownloads,
	"revenue":              fieldRevenue,
	"proceeds":             fieldRevenue,
	"sales":                fieldRevenue,
	"impressions":          fieldImpressions,
	"total impressions":    fieldImpressions,
	"page views":           fieldPageViews,
	"pageviews":            fieldPageViews,
	"product page views":   fieldPageViews,
	"conversion rate":      fieldConversion,
	"conversion":           fieldConversion,
	"cvr":                  fieldConversion,
	"rating":               fieldRating,
	"average rating":       fieldRating,
	"avg rating":           fieldRating,
	"ratings":              fieldRatingsCount,
	"ratings count":        fieldRatingsCount,
	"rating count":         fieldRatingsCount,
	"number of ratings":    fieldRatingsCount,
	"reviews":              fieldRatingsCount,
	"keyword":              fieldKeyword,
	"keywords":             fieldKeyword,
	"term":                 fieldKeyword,
	"search term":          fieldKeyword,
	"query":                fieldKeyword,
	"rank":                 fieldRank,
	"position":             fieldRank,
	"ranking":              fieldRank,
	"volume":               fieldVolume,
	"search volume":        fieldVolume,
	"popularity":           fieldVolume,
	"traffic":              fieldVolume,
}

func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("_", " ", "-", " ", "(", " ", ")", " ", "%", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func lookup(label string) field {
	return synonyms[normalizeLabel(label)]
}

// parseNumber accepts "1,234", "$12.50", "3.4%", "€ 10" and similar.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case ',', '$', '€', '£', '%', ' ', '\u00a0':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// accumulator sums additive metrics and averages ratios.
type accumulator struct {
	sums   map[field]float64
	counts map[field]int
}

func newAccumulator() *accumulator {
	return &accumulator{sums: make(map[field]float64), counts: make(map[field]int)}
}

func (a *accumulator) add(f field, v float64) {
	a.sums[f] += v
	a.counts[f]++
}

func (a *accumulator) get(f field) *float64 {
	n := a.counts[f]
	if n == 0 {
		return nil
	}
	v := a.sums[f]
	if f == fieldConversion || f == fieldRating {
		v /= float64(n)
	}
	return &v
}

func (a *accumulator) into(m *PartialMetrics) {
	m.Downloads = a.get(fieldDownloads)
	m.Revenue = a.get(fieldRevenue)
	m.Impressions = a.get(fieldImpressions)
	m.PageViews = a.get(fieldPageViews)
	m.ConversionRate = a.get(fieldConversion)
	m.Rating = a.get(fieldRating)
	m.RatingsCount = a.get(fieldRatingsCount)
}

// fromTable treats the first non-empty row as the header.
func fromTable(rows [][]string) PartialMetrics {
	var m PartialMetrics
	header := -1
	for i, r := range rows {
		if !blankRow(r) {
			header = i
			break
		}
	}
	if header < 0 {
		return m
	}

	cols := make([]field, len(rows[header]))
	for i, h := range rows[header] {
		cols[i] = lookup(h)
	}

	acc := newAccumulator()
	for _, r := range rows[header+1:] {
		if blankRow(r) {
			continue
		}
		m.Rows++

		var kw Keyword
		for i, cell := range r {
			if i >= len(cols) {
				break
			}
			switch f := cols[i]; f {
			case fieldNone:
			case fieldKeyword:
				kw.Term = strings.TrimSpace(cell)
			case fieldRank:
				if v, ok := parseNumber(cell); ok {
					kw.Rank = &v
				}
			case fieldVolume:
				if v, ok := parseNumber(cell); ok {
					kw.Volume = &v
				}
			default:
				if v, ok := parseNumber(cell); ok {
					acc.add(f, v)
				}
			}
		}
		if kw.Term != "" {
			m.Keywords = append(m.Keywords, kw)
		}
	}
	acc.into(&m)
	return m
}

func blankRow(r []string) bool {
	for _, c := range r {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// fromText reads "label: value" and "label = value" lines.
func fromText(text string) PartialMetrics {
	var m PartialMetrics
	acc := newAccumulator()
	for _, line := range strings.Split(text, "\n") {
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			label, value, ok = strings.Cut(line, "=")
		}
		if !ok {
			continue
		}
		f := lookup(label)
		if f == fieldNone || f == fieldKeyword || f == fieldRank || f == fieldVolume {
			continue
		}
		if v, ok := parseNumber(value); ok {
			acc.add(f, v)
			m.Rows++
		}
	}
	acc.into(&m)
	return m
}
