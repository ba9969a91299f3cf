// Package report renders a ranking as the fixed-width console table.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/width"

	"stock-rise-monitor/internal/engine"
)

const (
	lineWidth    = 80
	captionWidth = 76
	nameCells    = 12
	timeLayout   = "2006-01-02 15:04:05"
)

// Render returns the table for entries. It has no side effects.
func Render(entries []engine.RankedEntry, generatedAt time.Time) string {
	var b strings.Builder
	b.WriteString(strings.Repeat("=", lineWidth))
	b.WriteByte('\n')
	b.WriteString(center(fmt.Sprintf("涨速前%d股票", len(entries)), captionWidth, '.'))
	b.WriteByte('\n')
	b.WriteString(center("更新时间: "+generatedAt.Format(timeLayout), captionWidth, '.'))
	b.WriteByte('\n')
	b.WriteString(strings.Repeat("=", lineWidth))
	b.WriteByte('\n')

	if len(entries) == 0 {
		b.WriteString("没有获取到股票数据\n")
		return b.String()
	}

	b.WriteString(strings.Join([]string{
		padLeft("排名", 4),
		padLeft("代码", 8),
		padRight("名称", nameCells),
		padLeft("现价", 8),
		padLeft("涨跌幅", 8),
		padLeft("1分钟涨速", 12),
		padLeft("成交量", 12),
	}, " "))
	b.WriteByte('\n')
	b.WriteString(strings.Repeat("-", lineWidth))
	b.WriteByte('\n')

	for _, e := range entries {
		fmt.Fprintf(&b, "%4d %8s %s %8.2f %7.2f%% %11.2f%% %s\n",
			e.Rank,
			e.Code,
			padRight(truncate(e.Quote.Name, nameCells), nameCells),
			e.Quote.Price,
			e.Quote.ChangePct,
			e.RiseSpeed,
			padLeft(humanize.Comma(e.Quote.Volume), 12),
		)
	}
	return b.String()
}

// cells is the terminal width of s: East Asian wide and fullwidth runes
// take two cells.
func cells(s string) int {
	n := 0
	for _, r := range s {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			n += 2
		default:
			n++
		}
	}
	return n
}

func truncate(s string, max int) string {
	if cells(s) <= max {
		return s
	}
	var b strings.Builder
	n := 0
	for _, r := range s {
		w := cells(string(r))
		if n+w > max {
			break
		}
		b.WriteRune(r)
		n += w
	}
	return b.String()
}

func padRight(s string, n int) string {
	if gap := n - cells(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}

func padLeft(s string, n int) string {
	if gap := n - cells(s); gap > 0 {
		return strings.Repeat(" ", gap) + s
	}
	return s
}

// center pads s with fill on both sides, the odd cell going right.
func center(s string, n int, fill rune) string {
	gap := n - cells(s)
	if gap <= 0 {
		return s
	}
	left := gap / 2
	f := string(fill)
	return strings.Repeat(f, left) + s + strings.Repeat(f, gap-left)
}
