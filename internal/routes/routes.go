package routes

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/piotrowy/SmartContract/internal/clock"
	"github.com/piotrowy/SmartContract/internal/config"
	"github.com/piotrowy/SmartContract/internal/events"
	"github.com/piotrowy/SmartContract/internal/funds"
	"github.com/piotrowy/SmartContract/internal/ledger"
	"github.com/piotrowy/SmartContract/internal/middleware"
	"github.com/piotrowy/SmartContract/internal/sale"
	"github.com/piotrowy/SmartContract/internal/token"
)

// Deps aggregates shared dependencies required to wire routes. DB and Cache
// may be nil, in which case in-memory backends and a logging emitter are
// used.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
	Clock  clock.Clock
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	RegisterHealthRoutes(app, d)

	clk := d.Clock
	if clk == nil {
		clk = clock.System()
	}

	var (
		book      ledger.Ledger
		authority ledger.ReserveAuthority
		err       error
	)
	if d.DB != nil {
		book, authority, err = ledger.NewPostgres(context.Background(), d.DB, d.Cfg.TokenSupply, d.Cfg.Beneficiary)
		if err != nil {
			return err
		}
	} else {
		book, authority = ledger.NewInMemory(d.Cfg.TokenSupply, d.Cfg.Beneficiary)
	}

	var emitter events.Emitter
	if d.Cache != nil {
		emitter = events.NewRedisEmitter(d.Cache, d.Logger)
	} else {
		emitter = events.NewLoggerEmitter(d.Logger)
	}

	forwarder := funds.NewLoggerForwarder(d.Logger)

	saleSvc, err := sale.NewService(sale.Params{
		TokenName:      d.Cfg.TokenName,
		Beneficiary:    d.Cfg.Beneficiary,
		Start:          d.Cfg.SaleStart,
		Duration:       d.Cfg.SaleDuration,
		Rate:           d.Cfg.Rate,
		MinPayment:     d.Cfg.MinPayment,
		FundingGoal:    d.Cfg.FundingGoal,
		BonusThreshold: d.Cfg.BonusThreshold,
	}, book, authority, forwarder, emitter, clk, d.Logger)
	if err != nil {
		return err
	}
	tokenSvc := token.NewService(d.Cfg.TokenName, book, saleSvc, emitter)

	saleHandler := sale.NewHandler(saleSvc)
	tokenHandler := token.NewHandler(tokenSvc)

	api := app.Group("/api/v1")
	RegisterSaleRoutes(api, saleHandler)
	RegisterTokenRoutes(api, tokenHandler)

	return nil
}
