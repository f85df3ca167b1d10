package console

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

// styles はコンソール出力のスタイル。
// 出力先が端末でない場合、rendererは装飾を出力しない。
type styles struct {
	renderer *lipgloss.Renderer
	title    lipgloss.Style
	prompt   lipgloss.Style
	header   lipgloss.Style
	ok       lipgloss.Style
	warn     lipgloss.Style
	err      lipgloss.Style
	muted    lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		renderer: r,
		title:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		prompt:   r.NewStyle().Foreground(lipgloss.Color("99")),
		header:   r.NewStyle().Bold(true).Padding(0, 1),
		ok:       r.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		warn:     r.NewStyle().Foreground(lipgloss.Color("214")),
		err:      r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		muted:    r.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

// printTable は見出し付きの表を出力する。
func (c *Console) printTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		c.printf("%s\n", c.styles.muted.Render("no data"))
		return
	}

	cell := c.styles.renderer.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(c.styles.muted).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return c.styles.header
			}
			return cell
		})
	c.printf("%s\n", t.String())
}

// formatPrice はドル建ての価格を3桁区切りで整形する。
func formatPrice(v float64) string {
	return "$" + humanize.CommafWithDigits(v, 2)
}

// formatAmount は出来高・時価総額を整数部のみ3桁区切りで整形する。
func formatAmount(v float64) string {
	return humanize.CommafWithDigits(v, 0)
}

// formatPercent は変化率を符号付きで整形する。
func formatPercent(v float64) string {
	return fmt.Sprintf("%+.2f%%", v)
}

// formatOptional は算出できない指標をn/aとして整形する。
func formatOptional(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return humanize.CommafWithDigits(*v, 2)
}

// formatTime は時刻をUTCで整形する。
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}
