package inspector

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"interceptor/internal/domain"
)

// Rule はマッチ&リプレースのルール1件
type Rule struct {
	Name string `yaml:"name" json:"name"`
	// Phase は "request" または "response"
	Phase domain.Phase `yaml:"phase" json:"phase"`
	// Part は "header" または "body"
	Part    string `yaml:"part" json:"part"`
	Match   string `yaml:"match" json:"match"`
	Replace string `yaml:"replace" json:"replace"`
	// Regex がfalseならMatchはリテラル文字列として扱う
	Regex bool `yaml:"regex" json:"regex"`
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Rules は登録順にルールを適用し、変化があればmutateを返す
type Rules struct {
	rules []compiledRule
	codec domain.MessageCodec
}

var _ domain.Inspector = (*Rules)(nil)

// NewRules はルールをコンパイルしてRulesインスペクタを作成
func NewRules(rules []Rule, codec domain.MessageCodec) (*Rules, error) {
	r := &Rules{codec: codec}
	for i, rule := range rules {
		if rule.Phase == "" {
			rule.Phase = domain.PhaseRequest
		}
		if rule.Phase != domain.PhaseRequest && rule.Phase != domain.PhaseResponse {
			return nil, fmt.Errorf("rule %d: invalid phase %q", i, rule.Phase)
		}
		if rule.Part == "" {
			rule.Part = "header"
		}
		if rule.Part != "header" && rule.Part != "body" {
			return nil, fmt.Errorf("rule %d: invalid part %q", i, rule.Part)
		}
		if rule.Match == "" {
			return nil, fmt.Errorf("rule %d: empty match", i)
		}
		pattern := rule.Match
		if !rule.Regex {
			pattern = regexp.QuoteMeta(pattern)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		r.rules = append(r.rules, compiledRule{Rule: rule, re: re})
	}
	return r, nil
}

func (r *Rules) Name() string { return "rules" }

func (r *Rules) Inspect(
	ctx context.Context, phase domain.Phase, msg *domain.Message, xc domain.ExchangeContext,
) (domain.InspectorResult, error) {
	var (
		headers *domain.Headers
		body    *[]byte
	)
	switch {
	case phase == domain.PhaseRequest && msg.Request != nil:
		headers, body = &msg.Request.Headers, &msg.Request.Body
	case phase == domain.PhaseResponse && msg.Response != nil:
		headers, body = &msg.Response.Headers, &msg.Response.Body
	default:
		return domain.PassThrough(), nil
	}

	changed := false
	for _, rule := range r.rules {
		if rule.Phase != phase {
			continue
		}
		switch rule.Part {
		case "header":
			if applyHeaderRule(headers, rule) {
				changed = true
			}
		case "body":
			out := rule.re.ReplaceAll(*body, []byte(rule.Replace))
			if string(out) != string(*body) {
				*body = out
				changed = true
			}
		}
	}
	if !changed {
		return domain.PassThrough(), nil
	}

	if phase == domain.PhaseRequest {
		msg.Request.SyncContentLength()
		return domain.Mutate(r.codec.SerializeRequest(msg.Request)), nil
	}
	msg.Response.SyncContentLength()
	return domain.Mutate(r.codec.SerializeResponse(msg.Response)), nil
}

// applyHeaderRule は "Name: Value" 形式の各行に置換を適用する.
// 空に置換されたヘッダーは削除する.
func applyHeaderRule(headers *domain.Headers, rule compiledRule) bool {
	changed := false
	out := make(domain.Headers, 0, len(*headers))
	for _, h := range *headers {
		line := h.Name + ": " + h.Value
		replaced := rule.re.ReplaceAllString(line, rule.Replace)
		if replaced == line {
			out = append(out, h)
			continue
		}
		changed = true
		if strings.TrimSpace(replaced) == "" {
			continue
		}
		name, value, ok := strings.Cut(replaced, ":")
		if !ok {
			out = append(out, h)
			continue
		}
		out = append(out, domain.Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	*headers = out
	return changed
}
