package adminapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughwa/internal/webserver"
)

var startedAt = time.Now()

func registerHealthRoutes() {
	webserver.ApiGET("/health", getHealth)
}

func registerRealtimeRoutes() {
	webserver.ApiGET("/ws", getWebsocket)
}

func getHealth(c echo.Context) error {
	return ok(c, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(startedAt).Round(time.Second).String(),
	})
}

// getWebsocket upgrades to the realtime channel. The join is bound to the
// tenant of the token, so a client can never subscribe to another room.
func getWebsocket(c echo.Context) error {
	tenant, err := webserver.TenantID(c)
	if err != nil {
		return unauthorized(c)
	}
	sockets := GetServices(c).Sockets
	if sockets == nil {
		return fail(c, http.StatusServiceUnavailable, "WS_UNAVAILABLE", "Realtime channel not available", nil)
	}
	// a failed upgrade has already been answered by the upgrader
	_ = sockets.ServeWS(c.Response(), c.Request(), tenant)
	return nil
}
