package adminapi

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughwa/internal/webserver"
	"go.uber.org/zap"
)

func registerWhatsAppRoutes() {
	webserver.ApiGET("/whatsapp/status", getWhatsAppStatus)
	webserver.ApiGET("/whatsapp/qr", getWhatsAppQR)
	webserver.ApiPOST("/whatsapp/connect", postWhatsAppConnect)
	webserver.ApiPOST("/whatsapp/disconnect", postWhatsAppDisconnect)
	webserver.ApiPOST("/whatsapp/reload", postWhatsAppReload)
}

// getWhatsAppStatus returns {status, user} for the caller's tenant
func getWhatsAppStatus(c echo.Context) error {
	tenant, err := webserver.TenantID(c)
	if err != nil {
		return unauthorized(c)
	}
	return ok(c, GetServices(c).Sessions.Status(tenant))
}

// getWhatsAppQR returns the pending QR as a data URL. The UI normally gets
// it pushed over the websocket; this covers a reload of the page.
func getWhatsAppQR(c echo.Context) error {
	tenant, err := webserver.TenantID(c)
	if err != nil {
		return unauthorized(c)
	}
	qr := GetServices(c).Sessions.QR(tenant)
	return ok(c, map[string]interface{}{"qr": qr, "has_qr": qr != ""})
}

// postWhatsAppConnect starts an initialization in the background. Progress
// (qr, status) arrives on the tenant channel.
func postWhatsAppConnect(c echo.Context) error {
	tenant, err := webserver.TenantID(c)
	if err != nil {
		return unauthorized(c)
	}
	sessions := GetServices(c).Sessions
	go func() {
		if err := sessions.Initialize(context.Background(), tenant); err != nil {
			zap.L().Warn("adminapi: whatsapp initialize failed", zap.Int64("tenant", tenant), zap.Error(err))
		}
	}()
	zap.L().Info("adminapi: triggered whatsapp connect", zap.Int64("tenant", tenant))
	return ok(c, map[string]interface{}{"success": true, "message": "Initialization started"})
}

func postWhatsAppDisconnect(c echo.Context) error {
	tenant, err := webserver.TenantID(c)
	if err != nil {
		return unauthorized(c)
	}
	// reset_auth defaults to true: a plain disconnect unlinks the account
	var payload struct {
		ResetAuth *bool `json:"reset_auth"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	resetAuth := payload.ResetAuth == nil || *payload.ResetAuth
	if err := GetServices(c).Sessions.Disconnect(c.Request().Context(), tenant, resetAuth); err != nil {
		return fail(c, http.StatusInternalServerError, "DISCONNECT_FAILED", "Failed to disconnect", err.Error())
	}
	return ok(c, map[string]interface{}{"success": true, "reset_auth": resetAuth})
}

// postWhatsAppReload wipes credentials and forces a fresh QR
func postWhatsAppReload(c echo.Context) error {
	tenant, err := webserver.TenantID(c)
	if err != nil {
		return unauthorized(c)
	}
	if err := GetServices(c).Sessions.ForceReinit(c.Request().Context(), tenant); err != nil {
		return fail(c, http.StatusInternalServerError, "RELOAD_FAILED", "Failed to reload session", err.Error())
	}
	zap.L().Info("adminapi: whatsapp reload requested", zap.Int64("tenant", tenant))
	return ok(c, map[string]interface{}{"success": true})
}
