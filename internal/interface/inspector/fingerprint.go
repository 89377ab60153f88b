package inspector

import (
	"context"
	"fmt"
	"time"

	"github.com/spaolacci/murmur3"

	"interceptor/internal/domain"
)

// BodyHash はボディのmurmur3ハッシュを "mmh3:<int32>" 形式で返す
func BodyHash(body []byte) string {
	return fmt.Sprintf("mmh3:%d", int32(murmur3.Sum32(body)))
}

// Fingerprint はレスポンスの指紋(ステータス、長さ、ボディハッシュ)を記録する.
// ファザーの結果比較に使う.
type Fingerprint struct{}

var (
	_ domain.Inspector         = Fingerprint{}
	_ domain.BodyFingerprinter = Fingerprint{}
)

func (Fingerprint) Name() string { return "fingerprint" }

func (Fingerprint) Inspect(
	ctx context.Context, phase domain.Phase, msg *domain.Message, xc domain.ExchangeContext,
) (domain.InspectorResult, error) {
	if phase != domain.PhaseResponse || msg.Response == nil {
		return domain.PassThrough(), nil
	}
	length, hash := Fingerprint{}.BodyFingerprint(msg.Response.Headers, msg.Response.Body)

	return domain.Annotate(domain.Annotation{
		Kind:     "fuzz-result",
		Detail:   fmt.Sprintf("status=%d length=%d hash=%s", msg.Response.StatusCode, length, hash),
		Severity: domain.SeverityInfo,
		Phase:    phase,
		At:       time.Now(),
	}), nil
}

// BodyFingerprint は復号後のボディ長とハッシュを返す. 復号できない場合は生のボディを使う.
func (Fingerprint) BodyFingerprint(headers domain.Headers, body []byte) (int, string) {
	body = decodedBody(headers, body)
	return len(body), BodyHash(body)
}
