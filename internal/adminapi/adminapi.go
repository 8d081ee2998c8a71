// Package adminapi exposes the tenant-facing HTTP operations.
package adminapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/talkincode/toughwa/internal/queue"
	"github.com/talkincode/toughwa/internal/repository"
	"github.com/talkincode/toughwa/internal/webserver"
	"github.com/talkincode/toughwa/internal/whatsapp"
)

const servicesKey = "adminapi.services"

// SessionControl is the connection lifecycle the API drives.
type SessionControl interface {
	Initialize(ctx context.Context, tenant int64) error
	Disconnect(ctx context.Context, tenant int64, resetAuth bool) error
	ForceReinit(ctx context.Context, tenant int64) error
	Status(tenant int64) whatsapp.StatusReport
	QR(tenant int64) string
}

type MessageSender interface {
	Send(ctx context.Context, tenant int64, phone, text string) whatsapp.Result
}

type BatchCreator interface {
	CreateBatch(ctx context.Context, tenant int64, req queue.BatchRequest) (queue.BatchResult, error)
}

type Requeuer interface {
	Requeue(ctx context.Context, tenant, id int64) error
}

type SocketServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, authTenant int64) error
}

// Services are the collaborators handlers reach through the request context.
type Services struct {
	Sessions   SessionControl
	Sender     MessageSender
	Campaign   BatchCreator
	Requeuer   Requeuer
	Messages   repository.MessageRepository
	Templates  repository.TemplateRepository
	NotifyLogs repository.NotifyLogRepository
	Sockets    SocketServer
}

// Init binds svc to every /api request and registers the routes. It must
// run after webserver.Init.
func Init(svc *Services) {
	webserver.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(servicesKey, svc)
			return next(c)
		}
	})
	registerHealthRoutes()
	registerWhatsAppRoutes()
	registerMessageRoutes()
	registerRealtimeRoutes()
}

func GetServices(c echo.Context) *Services {
	svc, _ := c.Get(servicesKey).(*Services)
	return svc
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, data)
}

func fail(c echo.Context, status int, code, message string, detail interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"code":    code,
		"message": message,
		"detail":  detail,
	})
}

func paged(c echo.Context, data interface{}, total int64, limit int) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  data,
		"total": total,
		"limit": limit,
	})
}

func unauthorized(c echo.Context) error {
	return fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "Tenant not identified", nil)
}

func parseIDParam(c echo.Context, name string) (int64, error) {
	id, err := cast.ToInt64E(c.Param(name))
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid %s", name)
	}
	return id, nil
}

func parseLimit(c echo.Context, def, max int) int {
	limit := cast.ToInt(c.QueryParam("limit"))
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func handleValidationError(c echo.Context, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, strings.ToLower(fe.Field())+":"+fe.Tag())
		}
		return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", fields)
	}
	return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", err.Error())
}
