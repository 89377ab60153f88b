package inspector

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"interceptor/internal/domain"
)

// sqlErrorSignatures はデータベースのエラーメッセージのパターン
var sqlErrorSignatures = []struct {
	dbms string
	re   *regexp.Regexp
}{
	{"MySQL", regexp.MustCompile(`(?i)you have an error in your sql syntax|warning: mysql_|mysqli?_fetch`)},
	{"PostgreSQL", regexp.MustCompile(`(?i)pg_query\(\)|postgresql.*error|unterminated quoted string at or near`)},
	{"MSSQL", regexp.MustCompile(`(?i)unclosed quotation mark after the character string|microsoft ole db provider for sql server`)},
	{"Oracle", regexp.MustCompile(`\bORA-\d{5}\b`)},
	{"SQLite", regexp.MustCompile(`(?i)sqlite3?\.(operational)?error|sqlite_error|near ".*": syntax error`)},
}

// SQLErrors はレスポンスにデータベースのエラーが露出していないか調べる
type SQLErrors struct{}

var _ domain.Inspector = SQLErrors{}

func (SQLErrors) Name() string { return "sql-errors" }

func (SQLErrors) Inspect(
	ctx context.Context, phase domain.Phase, msg *domain.Message, xc domain.ExchangeContext,
) (domain.InspectorResult, error) {
	if phase != domain.PhaseResponse || msg.Response == nil || len(msg.Response.Body) == 0 {
		return domain.PassThrough(), nil
	}
	body := decodedBody(msg.Response.Headers, msg.Response.Body)

	for _, sig := range sqlErrorSignatures {
		if loc := sig.re.FindIndex(body); loc != nil {
			return domain.Annotate(domain.Annotation{
				Kind:     "sqli-candidate",
				Detail:   fmt.Sprintf("%s error message in response: %q", sig.dbms, body[loc[0]:loc[1]]),
				Severity: domain.SeverityHigh,
				Phase:    phase,
				At:       time.Now(),
			}), nil
		}
	}
	return domain.PassThrough(), nil
}
