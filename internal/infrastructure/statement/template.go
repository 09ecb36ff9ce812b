package statement

import (
	"bytes"
	"context"
	"html/template"
	"strconv"
	"strings"
	"time"
)

// StatementData is the view model bound to the statement template.
// All money and quantity fields arrive display-ready so the template
// stays free of pricing logic.
type StatementData struct {
	StatementNumber string
	TenantID        string
	TierLabel       string
	PeriodLabel     string
	PeriodStart     time.Time
	PeriodEnd       time.Time
	GeneratedAt     time.Time
	Lines           []StatementLine
	Segments        []StatementSegment
	Total           string
	Currency        string
}

// StatementLine is one priced row on the statement
type StatementLine struct {
	Label    string
	Quantity string
	Rate     string
	Amount   string
}

// StatementSegment is one prorated slice of the billing period. It only
// appears when a tier change split the month.
type StatementSegment struct {
	Label    string
	Share    string
	Lines    []StatementLine
	Subtotal string
}

// TemplateEngine renders the statement HTML. The template is fixed and
// parsed once at construction.
type TemplateEngine struct {
	tmpl *template.Template
}

// NewTemplateEngine creates the statement template engine
func NewTemplateEngine() (*TemplateEngine, error) {
	tmpl, err := template.New("usage_statement").Funcs(template.FuncMap{
		"formatDate":     formatDate,
		"formatDateTime": formatDateTime,
	}).Parse(statementHTML)
	if err != nil {
		return nil, NewRenderError(ErrCodeInvalidHTML, "failed to parse statement template", err)
	}
	return &TemplateEngine{tmpl: tmpl}, nil
}

// RenderStatement renders the statement HTML for the given data
func (e *TemplateEngine) RenderStatement(ctx context.Context, data *StatementData) (string, error) {
	if data == nil {
		return "", NewRenderError(ErrCodeInvalidHTML, "statement data is nil", nil)
	}

	var buf bytes.Buffer
	if err := e.tmpl.Execute(&buf, data); err != nil {
		return "", NewRenderError(ErrCodeRenderFailed, "failed to execute statement template", err)
	}
	return buf.String(), nil
}

// formatDate formats a time value as a date string
func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

// formatDateTime formats a time value as a datetime string
func formatDateTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04 MST")
}

// FormatAmount renders a decimal amount string with a currency symbol
// and thousand separators, preserving the incoming precision.
func FormatAmount(amount, currency string) string {
	if amount == "" {
		amount = "0"
	}
	sign := ""
	if strings.HasPrefix(amount, "-") {
		sign = "-"
		amount = amount[1:]
	}

	intPart, decPart, hasDec := strings.Cut(amount, ".")
	formatted := groupThousands(intPart)
	if hasDec {
		formatted += "." + decPart
	}

	if symbol := currencySymbol(currency); symbol != "" {
		return sign + symbol + formatted
	}
	return sign + formatted + " " + strings.ToUpper(currency)
}

// FormatCount renders an integer with thousand separators
func FormatCount(n int64) string {
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	return sign + groupThousands(strconv.FormatInt(n, 10))
}

// FormatShare renders a decimal period-share fraction (such as "0.5000")
// as a percentage for display.
func FormatShare(share string) string {
	f, err := strconv.ParseFloat(share, 64)
	if err != nil {
		return share
	}
	return strconv.FormatFloat(f*100, 'f', 1, 64) + "%"
}

// groupThousands inserts comma separators into a digit string
func groupThousands(digits string) string {
	var result strings.Builder
	for i, c := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			result.WriteRune(',')
		}
		result.WriteRune(c)
	}
	return result.String()
}

// currencySymbol returns the display symbol for known currencies
func currencySymbol(currency string) string {
	switch strings.ToUpper(currency) {
	case "USD":
		return "$"
	case "EUR":
		return "€"
	case "GBP":
		return "£"
	default:
		return ""
	}
}

// DefaultFooterHTML is the page footer rendered by Chrome. The
// pageNumber and totalPages spans are substituted by the browser.
const DefaultFooterHTML = `<div style="font-size:8px;color:#9aa0a6;width:100%;text-align:center;font-family:Helvetica,Arial,sans-serif;">
Page <span class="pageNumber"></span> of <span class="totalPages"></span></div>`

const statementHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>Usage Statement {{.PeriodLabel}}</title>
<style>
  body { font-family: Helvetica, Arial, sans-serif; color: #202124; font-size: 12px; margin: 0; }
  .header { display: flex; justify-content: space-between; align-items: baseline;
            border-bottom: 2px solid #1a73e8; padding-bottom: 12px; }
  .brand { font-size: 20px; font-weight: 700; color: #1a73e8; }
  .doc-title { font-size: 16px; color: #5f6368; }
  table.meta { margin: 16px 0 24px 0; border-collapse: collapse; }
  table.meta td { padding: 2px 16px 2px 0; }
  table.meta td.k { color: #5f6368; }
  table.lines { width: 100%; border-collapse: collapse; }
  table.lines th { text-align: left; color: #5f6368; font-weight: 600;
                   border-bottom: 1px solid #dadce0; padding: 6px 8px; }
  table.lines td { border-bottom: 1px solid #f1f3f4; padding: 6px 8px; }
  table.lines th.num, table.lines td.num { text-align: right; white-space: nowrap; }
  table.lines td.empty { color: #5f6368; font-style: italic; text-align: center; padding: 16px; }
  table.lines tfoot td { border-top: 2px solid #dadce0; border-bottom: none;
                         font-weight: 700; padding-top: 10px; }
  .breakdown { margin-top: 28px; }
  .breakdown h2 { font-size: 13px; color: #5f6368; font-weight: 600; margin: 0 0 4px 0; }
  .segment { margin-top: 12px; }
  .segment .range { font-weight: 600; padding: 4px 0; }
  .segment .range .share { color: #5f6368; font-weight: 400; }
  .segment td.subtotal { font-weight: 600; }
  .note { margin-top: 24px; color: #5f6368; font-size: 10px; }
</style>
</head>
<body>
  <div class="header">
    <div class="brand">Briefly Cloud</div>
    <div class="doc-title">Usage Statement</div>
  </div>

  <table class="meta">
    <tr><td class="k">Statement</td><td>{{.StatementNumber}}</td></tr>
    <tr><td class="k">Account</td><td>{{.TenantID}}</td></tr>
    <tr><td class="k">Plan</td><td>{{.TierLabel}}</td></tr>
    <tr><td class="k">Billing period</td><td>{{.PeriodLabel}} ({{formatDate .PeriodStart}} to {{formatDate .PeriodEnd}})</td></tr>
    <tr><td class="k">Generated</td><td>{{formatDateTime .GeneratedAt}}</td></tr>
  </table>

  <table class="lines">
    <thead>
      <tr><th>Item</th><th class="num">Quantity</th><th class="num">Unit rate</th><th class="num">Amount</th></tr>
    </thead>
    <tbody>
      {{- range .Lines}}
      <tr>
        <td>{{.Label}}</td>
        <td class="num">{{.Quantity}}</td>
        <td class="num">{{.Rate}}</td>
        <td class="num">{{.Amount}}</td>
      </tr>
      {{- else}}
      <tr><td colspan="4" class="empty">No billable usage was recorded in this period.</td></tr>
      {{- end}}
    </tbody>
    <tfoot>
      <tr><td colspan="3">Total ({{.Currency}})</td><td class="num">{{.Total}}</td></tr>
    </tfoot>
  </table>

  {{- if .Segments}}
  <div class="breakdown">
    <h2>Period breakdown</h2>
    {{- range .Segments}}
    <div class="segment">
      <div class="range">{{.Label}} <span class="share">({{.Share}} of period)</span></div>
      <table class="lines">
        <tbody>
          {{- range .Lines}}
          <tr>
            <td>{{.Label}}</td>
            <td class="num">{{.Quantity}}</td>
            <td class="num">{{.Rate}}</td>
            <td class="num">{{.Amount}}</td>
          </tr>
          {{- end}}
          <tr><td colspan="3" class="subtotal">Subtotal</td><td class="num subtotal">{{.Subtotal}}</td></tr>
        </tbody>
      </table>
    </div>
    {{- end}}
  </div>
  {{- end}}

  <p class="note">Amounts are computed from metered usage at the listed unit rates.
  Storage is billed per GB-month, prorated by the period's share of a 30-day month.
  This statement is informational; the payment provider's invoice is authoritative.</p>
</body>
</html>`
