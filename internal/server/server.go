package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/loopworks/mendloop/config"
	"github.com/loopworks/mendloop/internal/agentloop"
	"github.com/loopworks/mendloop/internal/audit"
	"github.com/loopworks/mendloop/internal/classify"
	"github.com/loopworks/mendloop/internal/diagnose"
	"github.com/loopworks/mendloop/internal/patchstore"
	"github.com/loopworks/mendloop/internal/queue/streams"
	"github.com/loopworks/mendloop/internal/store"
	"github.com/loopworks/mendloop/internal/telemetry"
	"github.com/loopworks/mendloop/internal/triage"
	"github.com/loopworks/mendloop/provider"
)

// Run wires the full service and blocks serving HTTP until the listener
// fails or the context is cancelled.
func Run(ctx context.Context, cfg *config.Config, tools agentloop.ToolExecutor) error {
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	tele, _, _, err := telemetry.Setup(ctx, cfg.Telemetry, telemetry.Options{
		ServiceName:    "mendloop",
		ServiceVersion: "dev",
		MetricsPort:    cfg.Telemetry.MetricsPort,
	})
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tele.Shutdown(shCtx)
	}()

	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		baseLogger.Printf("warn: migrations: %v", err)
	}

	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := st.VerifyTierIndex(ctx); err != nil {
		return fmt.Errorf("tier index check: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}

	registry, err := streams.NewSchemaRegistry()
	if err != nil {
		return fmt.Errorf("event schemas: %w", err)
	}
	publisher := streams.NewPublisher(rdb, registry)
	emitter := telemetry.NewEmitter(
		log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		publisher,
		cfg.Storage.Redis.EventStream,
		cfg.Storage.Redis.EventStreamMaxLen,
		"mendloop",
	)

	patches, err := patchstore.New(
		log.New(log.Writer(), "[PATCHSTORE] ", log.LstdFlags),
		st,
		patchstore.Options{
			CacheCapacity: cfg.Patches.CacheCapacity,
			ArchiveTopK:   cfg.Patches.ArchiveTopK,
			PromoteHits:   cfg.Patches.PromoteHits,
			PromoteWindow: cfg.Patches.PromoteWindow,
			DemoteWindow:  cfg.Patches.DemoteWindow,
			ModelVersion:  cfg.Patches.ModelVersion,
		},
	)
	if err != nil {
		return err
	}
	if err := patches.Hydrate(ctx); err != nil {
		return err
	}
	go patches.Run(ctx)

	clientType := provider.OpenAI
	for _, p := range cfg.LLM.Providers {
		if p.Type != "" {
			clientType = provider.Client(p.Type)
			break
		}
	}
	llm, err := provider.New(clientType, cfg.General.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("llm provider: %w", err)
	}

	oracle := agentloop.NewOracleReplayer(llm, cfg.LLM.Routing.Oracle, tools)
	comparator := diagnose.New(
		log.New(log.Writer(), "[DIAGNOSE] ", log.LstdFlags),
		oracle,
		cfg.Diagnosis.OracleTimeout,
		cfg.Diagnosis.ConfidenceThreshold,
	)
	classifier := classify.New(log.New(log.Writer(), "[CLASSIFY] ", log.LstdFlags))

	auditor := audit.New(
		log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
		audit.NewSampler(cfg.Audit.SampleTarget),
		cfg.Audit.QueueDepth,
		cfg.Audit.Workers,
		comparator,
		classifier,
		patches,
		st,
		emitter,
	)
	go auditor.Start(ctx)

	scheduler := triage.New(cfg.Triage)
	loop := agentloop.New(
		log.New(log.Writer(), "[LOOP] ", log.LstdFlags),
		llm,
		cfg.LLM.Routing.Primary,
		patches,
		scheduler,
		auditor,
		emitter,
		tools,
	)

	sweeper := &Sweeper{
		Logger:  log.New(log.Writer(), "[SWEEP] ", log.LstdFlags),
		Patches: patches,
		Rdb:     rdb,
		Cron:    cfg.Patches.SweepCron,
		Emitter: emitter,
		Stop:    make(chan struct{}),
	}
	sweeper.Start()
	defer sweeper.Shutdown()

	auth := &AuthHandler{Store: st, Secret: []byte(cfg.Server.JWTSecret)}
	api := e.Group("/api")
	auth.Register(api.Group("/auth"))

	protected := api.Group("")
	protected.Use(AuthMiddleware(auth.Secret))

	th := &TurnsHandler{Loop: loop}
	th.Register(protected)

	ph := &PatchesHandler{Patches: patches, Store: st, Classifier: classifier, Emitter: emitter, ModelVersion: cfg.Patches.ModelVersion}
	ph.Register(protected)

	ah := &AuditHandler{Auditor: auditor, Store: st}
	ah.Register(protected)

	baseLogger.Printf("listening on %s", cfg.Server.Address)
	return e.Start(cfg.Server.Address)
}
