package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/researchportal/internal/access"
	"github.com/ehr/researchportal/internal/config"
	"github.com/ehr/researchportal/internal/domain/clinical"
	"github.com/ehr/researchportal/internal/domain/cohort"
	"github.com/ehr/researchportal/internal/domain/export"
	"github.com/ehr/researchportal/internal/domain/tier"
	"github.com/ehr/researchportal/internal/domain/visit"
	"github.com/ehr/researchportal/internal/filterspec"
	"github.com/ehr/researchportal/internal/platform/apperror"
	"github.com/ehr/researchportal/internal/platform/auth"
	"github.com/ehr/researchportal/internal/platform/db"
	"github.com/ehr/researchportal/internal/platform/hipaa"
	"github.com/ehr/researchportal/internal/platform/middleware"
	"github.com/ehr/researchportal/internal/platform/telemetry"
)

const (
	apiPrefix       = "/api/v1"
	shutdownTimeout = 10 * time.Second
)

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if cfg.IsDev() {
		logger.Warn().Str("dev_user_id", cfg.DevUserID).
			Msg("development mode: requests without a token are served as DEV_USER_ID")
	}

	stores, err := db.OpenStores(ctx, db.StoreURLs{
		Accounts: cfg.AccountsDatabaseURL,
		Clinical: cfg.ClinicalDatabaseURL,
		Research: cfg.ResearchDatabaseURL,
	}, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer stores.Close()
	logger.Info().Msg("connected to accounts, clinical and research stores")

	e := newServer(cfg, logger, stores, telemetry.New())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer wires every component onto a fresh echo instance. Store pools
// are only used once requests arrive.
func newServer(cfg *config.Config, logger zerolog.Logger, stores *db.Stores, metrics *telemetry.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperror.Handler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID},
		ExposeHeaders: []string{echo.HeaderContentDisposition, export.AuditEventHeader},
	}))
	e.Use(metrics.Middleware())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, apiPrefix+"/exports"))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(cfg.DevUserID, jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(stores))
	e.GET("/metrics", metrics.Handler())

	// Accounts store: tiers, users, cohorts and the audit trail.
	tiers := tier.NewRepoPG(stores.Accounts)
	policy := access.NewPolicy(tiers)
	auditTrail := hipaa.NewAuditTrail(stores.Accounts)
	auditTrail.SetMetrics(metrics)
	cohorts := cohort.NewRepoPG(stores.Accounts)

	validator := filterspec.NewValidator(filterspec.Limits{
		MaxLeaves: cfg.FilterMaxLeaves,
		MaxDepth:  cfg.FilterMaxDepth,
	})

	visitSvc := visit.NewService(visit.NewRepoPG(stores.Research), policy, validator)
	visitSvc.SetMetrics(metrics)
	visitHandler := visit.NewHandler(visitSvc)

	exportSvc := export.NewService(cohorts, validator, visitSvc,
		export.NewRepoPG(stores.Research), auditTrail, logger)
	exportSvc.SetMetrics(metrics)
	exportSvc.SetMaxRecords(cfg.ExportMaxRecords)

	api := e.Group(apiPrefix,
		access.PrincipalMiddleware(access.NewLoaderPG(stores.Accounts), logger),
		middleware.Audit(logger, auditTrail),
		middleware.RateLimit(middleware.RateLimitConfig{
			Operation:         "api",
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
	)

	access.NewHandler(policy).RegisterRoutes(api)
	visitHandler.RegisterRoutes(api)
	cohort.NewHandler(cohort.NewService(cohorts, validator, visitSvc), visitHandler).RegisterRoutes(api)
	export.NewHandler(exportSvc).RegisterRoutes(api, middleware.RateLimit(middleware.RateLimitConfig{
		Operation:         "export",
		RequestsPerSecond: middleware.PerMinute(cfg.ExportRatePerMinute),
		BurstSize:         cfg.ExportRateBurst,
	}))
	clinical.NewHandler(clinical.NewService(clinical.NewRepoPG(stores.Clinical), policy, tiers)).RegisterRoutes(api)

	admin := api.Group("/admin", access.RequireSuperuser())
	hipaa.NewAuditHandler(auditTrail).RegisterRoutes(admin)

	return e
}
