package inspector

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"interceptor/internal/domain"
)

// minReflectedLength より短い値は偶然の一致が多いため対象外
const minReflectedLength = 4

// Reflection はリクエストパラメータがHTMLレスポンスにそのまま反映されているか調べる
type Reflection struct{}

var _ domain.Inspector = Reflection{}

func (Reflection) Name() string { return "reflection" }

func (Reflection) Inspect(
	ctx context.Context, phase domain.Phase, msg *domain.Message, xc domain.ExchangeContext,
) (domain.InspectorResult, error) {
	if phase != domain.PhaseResponse || msg.Request == nil || msg.Response == nil {
		return domain.PassThrough(), nil
	}
	ct := strings.ToLower(msg.Response.Headers.Get("Content-Type"))
	if ct != "" && !strings.Contains(ct, "html") {
		return domain.PassThrough(), nil
	}

	params := requestParams(msg.Request)
	if len(params) == 0 {
		return domain.PassThrough(), nil
	}
	body := decodedBody(msg.Response.Headers, msg.Response.Body)

	var reflected []string
	for name, values := range params {
		for _, v := range values {
			if len(v) >= minReflectedLength && bytes.Contains(body, []byte(v)) {
				reflected = append(reflected, name)
				break
			}
		}
	}
	if len(reflected) == 0 {
		return domain.PassThrough(), nil
	}
	sort.Strings(reflected)

	return domain.Annotate(domain.Annotation{
		Kind:     "xss-candidate",
		Detail:   fmt.Sprintf("parameters reflected unencoded: %s", strings.Join(reflected, ", ")),
		Severity: domain.SeverityMedium,
		Phase:    phase,
		At:       time.Now(),
	}), nil
}

// requestParams はクエリとフォームボディのパラメータを集める
func requestParams(req *domain.Request) url.Values {
	params := url.Values{}
	if i := strings.IndexByte(req.Target, '?'); i >= 0 {
		if q, err := url.ParseQuery(req.Target[i+1:]); err == nil {
			for k, v := range q {
				params[k] = append(params[k], v...)
			}
		}
	}
	ct := strings.ToLower(req.Headers.Get("Content-Type"))
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") && len(req.Body) > 0 {
		if form, err := url.ParseQuery(string(req.Body)); err == nil {
			for k, v := range form {
				params[k] = append(params[k], v...)
			}
		}
	}
	return params
}
