package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"interceptor/internal/config"
	"interceptor/internal/domain"
	"interceptor/internal/interface/connection"
	"interceptor/internal/interface/handler"
	"interceptor/internal/interface/httpwire"
	"interceptor/internal/interface/inspector"
	"interceptor/internal/interface/repository/access"
	"interceptor/internal/interface/repository/cert"
	"interceptor/internal/interface/repository/intercept"
	"interceptor/internal/interface/repository/logger"
	"interceptor/internal/interface/repository/metrics"
	"interceptor/internal/interface/repository/traffic"
	"interceptor/internal/interface/tracing"
	"interceptor/internal/usecase"
)

const (
	scopePollInterval = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
)

func main() {
	// コンフィグの解析
	cfg, err := config.Load(os.Args[0], os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	// ロガーの初期化
	loggerRepo, err := logger.New(
		cfg.Logging.Dir,
		cfg.Logging.File,
		&logger.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   true,
		},
		logger.Options{Level: logger.ParseLevel(cfg.Logging.Level), Stderr: cfg.Logging.Stderr},
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer loggerRepo.Close()

	if err := run(cfg, loggerRepo); err != nil {
		loggerRepo.Error("Interceptor stopped with error", err, nil)
		os.Exit(1)
	}
}

func run(cfg config.Config, log domain.Logger) error {
	// トレースの初期化
	tracer, err := tracing.New(tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}

	// メトリクスの初期化
	metricsRepo := metrics.New(cfg.Metrics.File)

	// CAの初期化
	ca, err := cert.New(cert.Config{
		Dir:          cfg.CA.Dir,
		LeafValidity: cfg.CA.LeafValidity,
		RenewBefore:  cfg.CA.RenewBefore,
		Metrics:      metricsRepo,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("initialize certificate authority: %w", err)
	}

	// スコープ(アクセス制御)の初期化
	scope, err := access.New(access.Config{
		File:         cfg.ScopeFile,
		PollInterval: scopePollInterval,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("initialize scope: %w", err)
	}
	defer scope.Close()

	// 上流接続の初期化
	dialer, err := connection.NewDialer(connection.DialerConfig{
		Timeout:            cfg.Upstream.DialTimeout,
		UpstreamProxy:      cfg.Upstream.Proxy,
		TLSFingerprint:     cfg.Upstream.TLSFingerprint,
		InsecureSkipVerify: cfg.Upstream.InsecureSkipVerify,
	})
	if err != nil {
		return fmt.Errorf("initialize dialer: %w", err)
	}
	pool := connection.NewManager(connection.Config{
		MaxPerHost:  cfg.Upstream.MaxConnsPerHost,
		MaxWaiters:  maxWaiters(cfg.Upstream.MaxWaitersPerHost),
		WaitTimeout: cfg.Upstream.WaitTimeout,
		IdleTimeout: cfg.Upstream.IdleTTL,
		RateLimit:   cfg.Upstream.RateLimit,
		Dialer:      dialer,
		Metrics:     metricsRepo,
		Logger:      log,
	})
	defer pool.CloseAll()

	codec := httpwire.Codec{MaxBodySize: cfg.Traffic.MaxBodyBytes}
	store := traffic.New(cfg.Traffic.MaxEntries)
	defer store.Close()

	queue := intercept.New(intercept.Config{
		Enabled:       cfg.Intercept.Enabled,
		Deadline:      cfg.Intercept.Deadline,
		DefaultPolicy: intercept.Policy(cfg.Intercept.DefaultResolution),
		Codec:         codec,
		Metrics:       metricsRepo,
		Logger:        log,
	})

	// インスペクタの登録
	pipeline := usecase.NewPipeline(codec, metricsRepo, log)
	deps := inspector.Dependencies{Access: scope, Codec: codec, Rules: cfg.Rules}
	for _, name := range cfg.Inspectors {
		ins, err := inspector.New(name, deps)
		if err != nil {
			return fmt.Errorf("initialize inspector: %w", err)
		}
		if err := pipeline.Register(ins); err != nil {
			return err
		}
	}

	// ユースケースの作成
	proxyUseCase := usecase.NewProxyUseCase(
		pool,        // domain.UpstreamPool
		queue,       // domain.InterceptQueue
		pipeline,    // インスペクタパイプライン
		store,       // domain.TrafficStore
		codec,       // domain.MessageCodec
		metricsRepo, // domain.MetricsCollector
		log,         // domain.Logger
		usecase.ProxyConfig{
			UpstreamTimeout:    cfg.Upstream.Timeout,
			InterceptResponses: cfg.Intercept.Responses,
			DialTimeout:        cfg.Upstream.DialTimeout,
		},
	)
	metricsUseCase := usecase.NewMetricsUseCase(metricsRepo, log, usecase.MetricsConfig{
		SaveInterval: cfg.Metrics.SaveInterval,
	})
	controlUseCase := usecase.NewControlUseCase(queue, store, pipeline, ca, log)
	replayUseCase := usecase.NewReplayUseCase(proxyUseCase, codec, inspector.Fingerprint{}, log)

	// ハンドラーの作成
	proxyHandler := handler.NewProxyHandler(proxyUseCase, ca, metricsRepo, log, handler.ProxyConfig{
		IdleTimeout: cfg.IdleTimeout,
		MaxBodySize: cfg.Traffic.MaxBodyBytes,
	})
	metricsHandler := handler.NewMetricsHandler(metricsUseCase, metricsRepo.Handler(), log)
	controlHandler := handler.NewControlHandler(controlUseCase, replayUseCase, metricsHandler, log)

	if err := metricsUseCase.Start(); err != nil {
		return err
	}
	defer metricsUseCase.Stop()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	controlServer := &http.Server{
		Addr:              cfg.ControlListen,
		Handler:           controlHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// シャットダウンハンドラの設定
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	proxyDone := make(chan error, 1)
	go func() {
		log.Info("Starting proxy server", map[string]interface{}{
			"listen":    ln.Addr().String(),
			"intercept": cfg.Intercept.Enabled,
			"tracing":   tracer.Enabled(),
		})
		proxyDone <- proxyHandler.Serve(ctx, ln)
		cancel()
	}()

	controlDone := make(chan error, 1)
	go func() {
		log.Info("Starting control server", map[string]interface{}{"listen": cfg.ControlListen})
		err := controlServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		controlDone <- err
		cancel()
	}()

	<-ctx.Done()
	log.Info("Shutdown initiated", nil)

	// グレースフルシャットダウン
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down control server", err, nil)
	}
	proxyErr := <-proxyDone
	controlErr := <-controlDone

	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down tracing", err, nil)
	}

	log.Info("Shutdown complete", nil)
	return errors.Join(proxyErr, controlErr)
}

// maxWaiters は設定の0を「待機なし」として接続プールに渡す
func maxWaiters(n int) int {
	if n == 0 {
		return -1
	}
	return n
}
