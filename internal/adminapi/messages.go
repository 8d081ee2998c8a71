package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/internal/queue"
	"github.com/talkincode/toughwa/internal/webserver"
	"github.com/talkincode/toughwa/internal/whatsapp"
	"go.uber.org/zap"
)

type sendPayload struct {
	Phone string `json:"phone" validate:"required,max=32"`
	Text  string `json:"text" validate:"required,max=4096"`
}

type batchPayload struct {
	CustomerIDs []int64 `json:"customer_ids" validate:"required,min=1,max=5000"`
	TemplateID  *int64  `json:"template_id"`
	Body        string  `json:"custom_body" validate:"omitempty,max=4096"`
	Category    string  `json:"category" validate:"omitempty,max=64"`
}

func registerMessageRoutes() {
	webserver.ApiPOST("/send-message", postSendMessage)
	webserver.ApiPOST("/messages/batch", postMessageBatch)
	webserver.ApiPOST("/messages/:id/resend", postMessageResend)
	webserver.ApiGET("/messages/logs", listMessageLogs)
	webserver.ApiGET("/conversations", listConversations)
	webserver.ApiGET("/conversations/:phone", listConversationHistory)
	webserver.ApiGET("/templates", listTemplates)
	webserver.ApiGET("/notify/logs", listNotifyLogs)
}

// postSendMessage sends immediately through the tenant's session.
func postSendMessage(c echo.Context) error {
	tenant, err := webserver.TenantID(c)
	if err != nil {
		return unauthorized(c)
	}
	var payload sendPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	res := GetServices(c).Sender.Send(c.Request().Context(), tenant, payload.Phone, payload.Text)
	if res.OK {
		return ok(c, res)
	}
	switch {
	case errors.Is(res.Cause, whatsapp.ErrInvalidPhone), errors.Is(res.Cause, whatsapp.ErrEmptyText):
		return fail(c, http.StatusBadRequest, "INVALID_MESSAGE", res.Error, res)
	case errors.Is(res.Cause, whatsapp.ErrNotConnected):
		return fail(c, http.StatusServiceUnavailable, "WA_NOT_CONNECTED", res.Error, res)
	default:
		return fail(c, http.StatusBadGateway, "SEND_FAILED", "Failed to send message", res)
	}
}

func postMessageBatch(c echo.Context) error {
	tenant, err := webserver.TenantID(c)
	if err != nil {
		return unauthorized(c)
	}
	var payload batchPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	res, err := GetServices(c).Campaign.CreateBatch(c.Request().Context(), tenant, queue.BatchRequest{
		CustomerIDs: payload.CustomerIDs,
		TemplateID:  payload.TemplateID,
		Body:        payload.Body,
		Category:    payload.Category,
	})
	switch {
	case err == nil:
		return ok(c, res)
	case errors.Is(err, queue.ErrNoRecipients), errors.Is(err, queue.ErrNoBody):
		return fail(c, http.StatusBadRequest, "INVALID_BATCH", err.Error(), nil)
	case errors.Is(err, queue.ErrTemplateMissing), errors.Is(err, queue.ErrEmptyCategory):
		return fail(c, http.StatusNotFound, "BODY_NOT_FOUND", err.Error(), nil)
	default:
		zap.L().Error("adminapi: create batch failed", zap.Int64("tenant", tenant), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to queue messages", err.Error())
	}
}

// postMessageResend puts a failed message back in the queue.
func postMessageResend(c echo.Context) error {
	tenant, err := webserver.TenantID(c)
	if err != nil {
		return unauthorized(c)
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid message ID", nil)
	}
	err = GetServices(c).Requeuer.Requeue(c.Request().Context(), tenant, id)
	if errors.Is(err, queue.ErrNotRequeueable) {
		return fail(c, http.StatusConflict, "NOT_REQUEUEABLE", err.Error(), nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to requeue message", err.Error())
	}
	return ok(c, map[string]interface{}{"success": true, "id": id})
}

func listMessageLogs(c echo.Context) error {
	tenant, err := webserver.TenantID(c)
	if err != nil {
		return unauthorized(c)
	}
	limit := parseLimit(c, 50, 500)
	msgs, err := GetServices(c).Messages.ListRecent(c.Request().Context(), tenant, limit)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query messages", err.Error())
	}
	return paged(c, msgs, int64(len(msgs)), limit)
}

// listConversations returns the latest message per counterpart.
func listConversations(c echo.Context) error {
	tenant, err := webserver.TenantID(c)
	if err != nil {
		return unauthorized(c)
	}
	limit := parseLimit(c, 100, 1000)
	msgs, err := GetServices(c).Messages.Conversations(c.Request().Context(), tenant, limit)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query conversations", err.Error())
	}
	return paged(c, msgs, int64(len(msgs)), limit)
}

// listConversationHistory returns the chat with one counterpart, oldest first.
func listConversationHistory(c echo.Context) error {
	tenant, err := webserver.TenantID(c)
	if err != nil {
		return unauthorized(c)
	}
	phone, err := whatsapp.NormalizeOutbound(c.Param("phone"))
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_PHONE", "Invalid phone number", nil)
	}
	limit := parseLimit(c, 100, 1000)
	msgs, err := GetServices(c).Messages.History(c.Request().Context(), tenant, phone, limit)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query chat history", err.Error())
	}
	return paged(c, msgs, int64(len(msgs)), limit)
}

func listTemplates(c echo.Context) error {
	if _, err := webserver.TenantID(c); err != nil {
		return unauthorized(c)
	}
	tpls, err := GetServices(c).Templates.List(c.Request().Context())
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query templates", err.Error())
	}
	return ok(c, tpls)
}

func listNotifyLogs(c echo.Context) error {
	tenant, err := webserver.TenantID(c)
	if err != nil {
		return unauthorized(c)
	}
	limit := parseLimit(c, 50, 500)
	logs, err := GetServices(c).NotifyLogs.ListRecent(c.Request().Context(), tenant, limit)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query notification logs", err.Error())
	}
	return paged(c, logs, int64(len(logs)), limit)
}
