package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"interceptor/internal/domain"
)

const (
	defaultUpstreamTimeout = 30 * time.Second
	relayBufferSize        = 32 * 1024
)

// ProxyConfig はエクスチェンジ処理の設定
type ProxyConfig struct {
	// UpstreamTimeout はリクエスト送信からレスポンス受信完了までの上限
	UpstreamTimeout time.Duration
	// InterceptResponses がtrueならレスポンスもインターセプト対象にする
	InterceptResponses bool
	DialTimeout        time.Duration
}

// ExchangeResult はExchangeの処理結果
type ExchangeResult struct {
	Exchange *domain.Exchange
	// Response はクライアントに返すレスポンス. nilなら何も書かずに接続を閉じる
	Response *domain.Response
	// Close はレスポンス送信後に接続を閉じるか
	Close bool
	// Upgrade は101応答後にリレーする上流接続
	Upgrade domain.UpstreamConn
}

// ProxyUseCase はプロキシの主要なユースケースを実装
type ProxyUseCase struct {
	pool     domain.UpstreamPool
	queue    domain.InterceptQueue
	pipeline *Pipeline
	store    domain.TrafficStore
	codec    domain.MessageCodec
	metrics  domain.MetricsCollector
	logger   domain.Logger
	tracer   trace.Tracer
	config   ProxyConfig
}

// NewProxyUseCase は新しいProxyUseCaseインスタンスを作成
func NewProxyUseCase(
	pool domain.UpstreamPool,
	queue domain.InterceptQueue,
	pipeline *Pipeline,
	store domain.TrafficStore,
	codec domain.MessageCodec,
	metrics domain.MetricsCollector,
	logger domain.Logger,
	config ProxyConfig,
) *ProxyUseCase {
	if config.UpstreamTimeout <= 0 {
		config.UpstreamTimeout = defaultUpstreamTimeout
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 30 * time.Second
	}
	return &ProxyUseCase{
		pool:     pool,
		queue:    queue,
		pipeline: pipeline,
		store:    store,
		codec:    codec,
		metrics:  metrics,
		logger:   logger,
		tracer:   otel.Tracer("interceptor/proxy"),
		config:   config,
	}
}

// Exchange はリクエスト1件をインターセプト、パイプライン、上流送信の順に処理し、
// 結果をトラフィックストアに記録する.
func (uc *ProxyUseCase) Exchange(ctx context.Context, sess *domain.Session, req *domain.Request) *ExchangeResult {
	x := &domain.Exchange{
		ID:         uuid.NewString(),
		ConnID:     sess.ConnID,
		ClientAddr: sess.ClientAddr,
		Scheme:     sess.Scheme,
		Target:     sess.Target,
		StartedAt:  time.Now(),
		State:      domain.StateInFlight,
		Request:    req.Clone(),
	}

	ctx, span := uc.tracer.Start(ctx, "proxy.exchange",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(req.Method),
			attribute.String("interceptor.exchange_id", x.ID),
			attribute.String("interceptor.conn_id", sess.ConnID),
		),
	)
	defer span.End()

	res := uc.exchange(ctx, sess, x, req)
	res.Exchange = x

	x.CompletedAt = time.Now()
	x.Timing.Total = x.CompletedAt.Sub(x.StartedAt)
	if res.Response != nil && x.Response == nil {
		x.Response = res.Response.Clone()
	}

	span.SetAttributes(
		semconv.ServerAddress(x.Target),
		attribute.String("interceptor.state", string(x.State)),
	)
	if res.Response != nil {
		span.SetAttributes(semconv.HTTPResponseStatusCode(res.Response.StatusCode))
	}
	if x.Error != "" {
		span.SetStatus(codes.Error, x.Error)
	}

	uc.record(x)
	return res
}

func (uc *ProxyUseCase) exchange(
	ctx context.Context, sess *domain.Session, x *domain.Exchange, req *domain.Request,
) *ExchangeResult {
	key, err := resolveUpstream(sess, req)
	if err != nil {
		x.State = domain.StateFailed
		x.Error = errorName(err)
		return &ExchangeResult{
			Response: domain.NewSyntheticResponse(400, "Bad Request", err.Error()+"\n"),
			Close:    true,
		}
	}
	x.Scheme = key.Scheme
	x.Target = key.Addr()
	x.Request = req.Clone()

	xc := domain.ExchangeContext{
		ExchangeID: x.ID,
		ConnID:     sess.ConnID,
		ClientAddr: sess.ClientAddr,
		Scheme:     key.Scheme,
		Target:     key.Addr(),
		StartedAt:  x.StartedAt,
	}
	intercept := uc.queue != nil && !sess.SkipIntercept

	// リクエストのインターセプト
	if intercept && uc.queue.Enabled() {
		dec, err := uc.queue.Submit(ctx, domain.InterceptTicket{
			ExchangeID: x.ID,
			ConnID:     sess.ConnID,
			Direction:  domain.DirectionRequest,
			Request:    req,
		})
		if err != nil {
			return uc.cancelled(x, err)
		}
		if dec.State == domain.InterceptDropped {
			x.State = domain.StateDropped
			x.Error = "request dropped by interceptor"
			return &ExchangeResult{
				Response: domain.NewSyntheticResponse(403, "Forbidden", "Request dropped by interceptor\n"),
				Close:    true,
			}
		}
		req = dec.Request
		x.Request = req.Clone()
	}

	// リクエスト段階のインスペクタ
	out, err := uc.pipeline.Run(ctx, domain.PhaseRequest, &domain.Message{Request: req}, xc)
	x.Annotations = append(x.Annotations, out.Annotations...)
	if err != nil {
		return uc.fail(x, err)
	}
	req = out.Message.Request
	if out.Mutated {
		x.Request = req.Clone()
	}

	// 上流への送信
	resp, conn, err := uc.roundTrip(ctx, key, req, &x.Timing)
	if err != nil {
		return uc.fail(x, err)
	}
	// 応答の読み込み中にクライアントが切断した場合. 接続はroundTripで返却済み
	if err := ctx.Err(); err != nil {
		x.Response = resp.Clone()
		if conn != nil {
			uc.pool.Release(conn, false)
		}
		return uc.cancelled(x, err)
	}

	// レスポンス段階のインスペクタ
	out, err = uc.pipeline.Run(ctx, domain.PhaseResponse, &domain.Message{Request: req, Response: resp}, xc)
	x.Annotations = append(x.Annotations, out.Annotations...)
	if err != nil {
		if conn != nil {
			uc.pool.Release(conn, false)
		}
		x.Response = resp.Clone()
		return uc.fail(x, err)
	}
	resp = out.Message.Response

	// レスポンスのインターセプト. 101はリレーに移るため対象外
	if intercept && uc.config.InterceptResponses && conn == nil && uc.queue.Enabled() {
		dec, err := uc.queue.Submit(ctx, domain.InterceptTicket{
			ExchangeID: x.ID,
			ConnID:     sess.ConnID,
			Direction:  domain.DirectionResponse,
			Request:    req,
			Response:   resp,
		})
		if err != nil {
			return uc.cancelled(x, err)
		}
		if dec.State == domain.InterceptDropped {
			x.State = domain.StateDropped
			x.Error = "response dropped by interceptor"
			x.Response = resp.Clone()
			return &ExchangeResult{
				Response: domain.NewSyntheticResponse(502, "Bad Gateway", "Response dropped by interceptor\n"),
				Close:    true,
			}
		}
		resp = dec.Response
	}

	x.State = domain.StateComplete
	x.Response = resp.Clone()
	return &ExchangeResult{
		Response: resp,
		Close:    conn == nil && (!req.KeepAlive() || !resp.KeepAlive()),
		Upgrade:  conn,
	}
}

// roundTrip はプールから接続を取得してリクエストを送り、レスポンスを読み込む.
// 再利用した接続が応答前に閉じられていた場合は新しい接続で一度だけ再試行する.
// 101の場合は接続を返却せずに返す.
func (uc *ProxyUseCase) roundTrip(
	ctx context.Context, key domain.UpstreamKey, req *domain.Request, timing *domain.Timing,
) (*domain.Response, domain.UpstreamConn, error) {
	raw := uc.codec.SerializeRequest(req)

	for attempt := 0; ; attempt++ {
		conn, err := uc.pool.Acquire(ctx, key)
		if err != nil {
			return nil, nil, err
		}

		sent := time.Now()
		resp, err := uc.send(conn, raw, req.Method)
		if err != nil {
			uc.pool.Release(conn, false)
			if attempt == 0 && conn.Reused() && req.Idempotent() && staleConnection(err) {
				uc.logger.Debug("Retrying on fresh upstream connection", map[string]interface{}{
					"upstream": key.String(),
				})
				continue
			}
			return nil, nil, err
		}
		timing.TTFB = resp.ttfb.Sub(sent)

		uc.metrics.AddBytesTransferred("upstream", int64(len(raw)))
		uc.metrics.AddBytesTransferred("downstream", resp.Size)

		if resp.StatusCode == 101 {
			_ = conn.SetDeadline(time.Time{})
			return resp.Response, conn, nil
		}

		reusable := req.KeepAlive() && resp.KeepAlive() && conn.Reader().Buffered() == 0
		_ = conn.SetDeadline(time.Time{})
		uc.pool.Release(conn, reusable)
		return resp.Response, nil, nil
	}
}

type timedResponse struct {
	*domain.Response
	ttfb time.Time
}

// send は1回分の送受信. 読み込みは上流タイムアウトで打ち切る.
func (uc *ProxyUseCase) send(conn domain.UpstreamConn, raw []byte, method string) (*timedResponse, error) {
	if err := conn.SetDeadline(time.Now().Add(uc.config.UpstreamTimeout)); err != nil {
		return nil, &domain.UpstreamConnectError{Host: conn.Key().Addr(), Err: err}
	}
	if _, err := conn.Write(raw); err != nil {
		if isTimeout(err) {
			return nil, domain.ErrUpstreamTimeout
		}
		return nil, &domain.UpstreamConnectError{Host: conn.Key().Addr(), Err: err}
	}

	br := conn.Reader()
	if _, err := br.Peek(1); err != nil {
		if isTimeout(err) {
			return nil, domain.ErrUpstreamTimeout
		}
		return nil, &domain.UpstreamConnectError{Host: conn.Key().Addr(), Err: err}
	}
	ttfb := time.Now()

	resp, err := uc.codec.ReadResponse(br, method)
	if err != nil {
		if isTimeout(err) {
			return nil, domain.ErrUpstreamTimeout
		}
		if errors.Is(err, io.EOF) {
			err = &domain.ParseError{Reason: "unexpected end of message"}
		}
		return nil, err
	}
	return &timedResponse{Response: resp, ttfb: ttfb}, nil
}

// fail はエラーを分類し、クライアントに返す合成レスポンスを作る
func (uc *ProxyUseCase) fail(x *domain.Exchange, err error) *ExchangeResult {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return uc.cancelled(x, err)
	}

	status, reason := errorStatus(err)
	x.State = domain.StateFailed
	x.Error = errorName(err)

	var blocked *domain.BlockedError
	if errors.As(err, &blocked) {
		x.State = domain.StateBlocked
		uc.metrics.RecordBlockedRequest()
	}
	var pe *domain.ParseError
	if errors.As(err, &pe) {
		x.Annotations = append(x.Annotations, parseErrorAnnotation(pe, domain.PhaseResponse))
	}

	uc.logger.Warn("Exchange failed", map[string]interface{}{
		"exchange_id": x.ID,
		"target":      x.Target,
		"status":      status,
		"error":       err.Error(),
	})
	return &ExchangeResult{
		Response: domain.NewSyntheticResponse(status, reason, err.Error()+"\n"),
		Close:    true,
	}
}

// cancelled はクライアント切断による中断. レスポンスは返さない
func (uc *ProxyUseCase) cancelled(x *domain.Exchange, err error) *ExchangeResult {
	x.State = domain.StateDropped
	x.Error = "client closed connection: " + err.Error()
	return &ExchangeResult{Close: true}
}

// record はエクスチェンジをストアに追加し、メトリクスを更新する
func (uc *ProxyUseCase) record(x *domain.Exchange) {
	if err := uc.store.Append(x); err != nil {
		uc.logger.Error("Failed to record exchange", err, map[string]interface{}{
			"exchange_id": x.ID,
		})
	}
	uc.metrics.RecordExchange(x.State, x.Timing.Total)

	fields := map[string]interface{}{
		"exchange_id": x.ID,
		"conn_id":     x.ConnID,
		"target":      x.Target,
		"state":       string(x.State),
		"duration":    x.Timing.Total.String(),
	}
	if x.Request != nil {
		fields["method"] = x.Request.Method
	}
	if x.Response != nil {
		fields["status"] = x.Response.StatusCode
	}
	uc.logger.Info("Exchange completed", fields)
}

// RecordMalformed はパースできなかったクライアントリクエストを失敗として記録する
func (uc *ProxyUseCase) RecordMalformed(sess *domain.Session, pe *domain.ParseError) *domain.Exchange {
	now := time.Now()
	x := &domain.Exchange{
		ID:          uuid.NewString(),
		ConnID:      sess.ConnID,
		ClientAddr:  sess.ClientAddr,
		Scheme:      sess.Scheme,
		Target:      sess.Target,
		StartedAt:   now,
		CompletedAt: now,
		State:       domain.StateFailed,
		Error:       errorName(pe),
		Annotations: []domain.Annotation{parseErrorAnnotation(pe, domain.PhaseRequest)},
	}
	uc.record(x)
	return x
}

func parseErrorAnnotation(pe *domain.ParseError, phase domain.Phase) domain.Annotation {
	return domain.Annotation{
		Inspector: "parser",
		Kind:      "parse-error",
		Detail:    pe.Reason,
		Severity:  domain.SeverityLow,
		Phase:     phase,
		At:        time.Now(),
	}
}

// RecordDegraded はTLS終端できずに生のリレーとなった接続を記録する
func (uc *ProxyUseCase) RecordDegraded(sess *domain.Session, target string, cause error) {
	now := time.Now()
	x := &domain.Exchange{
		ID:          uuid.NewString(),
		ConnID:      sess.ConnID,
		ClientAddr:  sess.ClientAddr,
		Scheme:      "https",
		Target:      target,
		StartedAt:   sess.StartedAt,
		CompletedAt: now,
		State:       domain.StateDegraded,
		Error:       errorName(cause),
	}
	x.Timing.Total = now.Sub(sess.StartedAt)
	uc.record(x)
}

// HandleTunnel はtargetに接続し、クライアントとの間でバイト列をそのまま中継する.
// clientReaderにはクライアント側で先読み済みのデータを含むリーダーを渡す.
func (uc *ProxyUseCase) HandleTunnel(
	ctx context.Context, clientConn net.Conn, clientReader io.Reader, target string,
) error {
	dialer := &net.Dialer{
		Timeout:   uc.config.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	serverConn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return &domain.UpstreamConnectError{Host: target, Err: err}
	}
	defer serverConn.Close()

	return uc.Relay(ctx, clientConn, clientReader, serverConn, serverConn)
}

// Relay はクライアントとサーバーの間でバイト列を双方向に中継する.
// どちらかの方向が終わると書き込み側をハーフクローズし、両方向の終了を待つ.
func (uc *ProxyUseCase) Relay(
	ctx context.Context, clientConn net.Conn, clientReader io.Reader, serverConn net.Conn, serverReader io.Reader,
) error {
	var wg sync.WaitGroup
	wg.Add(2)

	// エラーチャネル
	errc := make(chan error, 2)

	// クライアント → サーバー
	go func() {
		defer wg.Done()
		buf := make([]byte, relayBufferSize)
		n, err := io.CopyBuffer(serverConn, clientReader, buf)
		uc.metrics.AddBytesTransferred("upstream", n)
		if err != nil && !isConnectionClosed(err) {
			errc <- fmt.Errorf("client to server: %w", err)
		}
		closeWrite(serverConn)
	}()

	// サーバー → クライアント
	go func() {
		defer wg.Done()
		buf := make([]byte, relayBufferSize)
		n, err := io.CopyBuffer(clientConn, serverReader, buf)
		uc.metrics.AddBytesTransferred("downstream", n)
		if err != nil && !isConnectionClosed(err) {
			errc <- fmt.Errorf("server to client: %w", err)
		}
		closeWrite(clientConn)
	}()

	// ゴルーチンの完了を待つ
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		// 両方向のコピーを止める
		_ = clientConn.SetDeadline(time.Unix(1, 0))
		_ = serverConn.SetDeadline(time.Unix(1, 0))
		<-done
		return ctx.Err()
	case <-done:
	}

	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

// RelayUpgrade は101応答後の接続をリレーし、終了後に上流接続を破棄する
func (uc *ProxyUseCase) RelayUpgrade(
	ctx context.Context, clientConn net.Conn, clientReader io.Reader, upstream domain.UpstreamConn,
) error {
	defer uc.pool.Release(upstream, false)
	return uc.Relay(ctx, clientConn, clientReader, upstream, upstream.Reader())
}

// resolveUpstream はセッションとリクエストから上流のキーを決める.
// absolute-formのターゲットはorigin-formに書き換える.
func resolveUpstream(sess *domain.Session, req *domain.Request) (domain.UpstreamKey, error) {
	scheme := sess.Scheme
	if scheme == "" {
		scheme = "http"
	}
	hostport := sess.Target

	if i := strings.Index(req.Target, "://"); i > 0 && !strings.HasPrefix(req.Target, "/") {
		urlScheme := strings.ToLower(req.Target[:i])
		rest := req.Target[i+3:]
		authority, path := rest, "/"
		if j := strings.IndexAny(rest, "/?"); j >= 0 {
			authority, path = rest[:j], rest[j:]
			if path[0] == '?' {
				path = "/" + path
			}
		}
		if at := strings.LastIndexByte(authority, '@'); at >= 0 {
			authority = authority[at+1:]
		}
		if authority == "" {
			return domain.UpstreamKey{}, &domain.ParseError{Reason: "absolute-form target without host", Line: req.Target}
		}
		if hostport == "" {
			scheme = urlScheme
			hostport = authority
		}
		req.Target = path
		if !req.Headers.Has("Host") {
			req.Headers.Set("Host", authority)
		}
		req.Headers.Del("Proxy-Connection")
	}

	if hostport == "" {
		hostport = req.Headers.Get("Host")
	}
	if hostport == "" {
		return domain.UpstreamKey{}, &domain.ParseError{Reason: "request has no target host", Line: req.Target}
	}
	if scheme != "http" && scheme != "https" {
		return domain.UpstreamKey{}, &domain.ParseError{Reason: "unsupported scheme", Line: scheme}
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host = strings.Trim(hostport, "[]")
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}
	if host == "" {
		return domain.UpstreamKey{}, &domain.ParseError{Reason: "empty host", Line: hostport}
	}
	return domain.UpstreamKey{Scheme: scheme, Host: strings.ToLower(host), Port: port}, nil
}

// errorStatus はエラー種別をクライアントに返すステータスに対応付ける
func errorStatus(err error) (int, string) {
	var (
		blocked *domain.BlockedError
		connect *domain.UpstreamConnectError
	)
	switch {
	case errors.As(err, &blocked):
		return 403, "Forbidden"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		return 504, "Gateway Timeout"
	case errors.Is(err, domain.ErrPoolExhausted):
		return 503, "Service Unavailable"
	case errors.As(err, &connect):
		return 502, "Bad Gateway"
	default:
		return 502, "Bad Gateway"
	}
}

// errorName はエクスチェンジに記録するエラー名と詳細
func errorName(err error) string {
	var (
		blocked *domain.BlockedError
		connect *domain.UpstreamConnectError
		tlsErr  *domain.TLSError
		issue   *domain.CertificateIssuanceError
		parse   *domain.ParseError
	)
	name := "Error"
	switch {
	case errors.As(err, &blocked):
		name = "Blocked"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		name = "UpstreamTimeout"
	case errors.Is(err, domain.ErrPoolExhausted):
		name = "PoolExhausted"
	case errors.As(err, &tlsErr):
		name = "TLSError"
	case errors.As(err, &connect):
		name = "UpstreamConnectError"
	case errors.As(err, &issue):
		name = "CertificateIssuanceError"
	case errors.As(err, &parse):
		name = "ParseError"
	}
	return name + ": " + err.Error()
}

// staleConnection は再利用した接続が既に閉じられていたことを示すエラーか判定
func staleConnection(err error) bool {
	var connect *domain.UpstreamConnectError
	if !errors.As(err, &connect) {
		return false
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "broken pipe")
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isConnectionClosed は接続が正常に閉じられたかを判断
func isConnectionClosed(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return isTimeout(err)
}

// closeWrite は書き込み側だけを閉じる. 対応しない接続は全体を閉じる
func closeWrite(conn net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = conn.Close()
}
