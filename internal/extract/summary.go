package extract

import (
	"fmt"
	"strconv"
	"strings"
)

const maxSummaryKeywords = 15

// Summarize renders m as the message sent to the assistant for analysis.
func Summarize(fileName string, m PartialMetrics) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I uploaded %q (%s, %d rows). Please analyze it.\n", fileName, m.Format, m.Rows)

	if m.Empty() {
		b.WriteString("\nNo app-store metrics could be recognized in this file.\n")
		return b.String()
	}

	b.WriteString("\nExtracted metrics:\n")
	line := func(label string, v *float64, suffix string) {
		if v != nil {
			fmt.Fprintf(&b, "- %s: %s%s\n", label, formatNumber(*v), suffix)
		}
	}
	line("Downloads", m.Downloads, "")
	line("Revenue", m.Revenue, "")
	line("Impressions", m.Impressions, "")
	line("Product page views", m.PageViews, "")
	line("Conversion rate", m.ConversionRate, "%")
	line("Average rating", m.Rating, "")
	line("Ratings", m.RatingsCount, "")

	if len(m.Keywords) > 0 {
		fmt.Fprintf(&b, "\nKeywords (%d):\n", len(m.Keywords))
		for i, k := range m.Keywords {
			if i == maxSummaryKeywords {
				fmt.Fprintf(&b, "- … and %d more\n", len(m.Keywords)-maxSummaryKeywords)
				break
			}
			fmt.Fprintf(&b, "- %s", k.Term)
			if k.Rank != nil {
				fmt.Fprintf(&b, " (rank %s", formatNumber(*k.Rank))
				if k.Volume != nil {
					fmt.Fprintf(&b, ", volume %s", formatNumber(*k.Volume))
				}
				b.WriteString(")")
			} else if k.Volume != nil {
				fmt.Fprintf(&b, " (volume %s)", formatNumber(*k.Volume))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
