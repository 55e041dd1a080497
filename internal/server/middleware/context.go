// Package middleware injects the shared application dependencies into
// echo handlers.
package middleware

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rabbitmq/amqp091-go"

	"github.com/hoferino/manda-platform-sub010/internal/storage"
	"github.com/hoferino/manda-platform-sub010/pkg/resolver"
	"github.com/hoferino/manda-platform-sub010/pkg/retrieval"
	"github.com/hoferino/manda-platform-sub010/pkg/store"
)

// App bundles the clients handlers need. One App is built at startup
// and shared by every request for the process lifetime.
type App struct {
	DBConn    *pgxpool.Pool
	Queue     *amqp091.Channel
	Store     *store.Store
	Resolver  *resolver.Resolver
	Retrieval *retrieval.Service
	// Quarantine is nil when no object store is configured; episode
	// review then omits archived payloads.
	Quarantine *storage.Quarantine
}

type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&AppContext{c, app})
		}
	}
}
