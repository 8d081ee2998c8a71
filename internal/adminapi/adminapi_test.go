package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/toughwa/config"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/queue"
	"github.com/talkincode/toughwa/internal/repository"
	"github.com/talkincode/toughwa/internal/testutil"
	"github.com/talkincode/toughwa/internal/webserver"
	"github.com/talkincode/toughwa/internal/whatsapp"
	"gorm.io/gorm"
)

type disconnectCall struct {
	tenant    int64
	resetAuth bool
}

type fakeSessions struct {
	mu          sync.Mutex
	inits       []int64
	disconnects []disconnectCall
	reinits     []int64
	qr          map[int64]string
	connected   map[int64]bool
}

func (s *fakeSessions) Initialize(ctx context.Context, tenant int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits = append(s.inits, tenant)
	return nil
}

func (s *fakeSessions) Disconnect(ctx context.Context, tenant int64, resetAuth bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects = append(s.disconnects, disconnectCall{tenant, resetAuth})
	return nil
}

func (s *fakeSessions) ForceReinit(ctx context.Context, tenant int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reinits = append(s.reinits, tenant)
	return nil
}

func (s *fakeSessions) Status(tenant int64) whatsapp.StatusReport {
	if s.connected[tenant] {
		return whatsapp.StatusReport{Status: string(whatsapp.StateConnected), User: &whatsapp.Identity{Phone: "919800000000"}}
	}
	return whatsapp.StatusReport{Status: string(whatsapp.StateDisconnected)}
}

func (s *fakeSessions) QR(tenant int64) string {
	return s.qr[tenant]
}

func (s *fakeSessions) initialized() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.inits...)
}

type fakeSender struct {
	calls []string
}

func (f *fakeSender) Send(ctx context.Context, tenant int64, phone, text string) whatsapp.Result {
	f.calls = append(f.calls, phone)
	switch phone {
	case "bad":
		return whatsapp.Result{Phone: phone, Error: whatsapp.ErrInvalidPhone.Error(), Cause: whatsapp.ErrInvalidPhone}
	case "offline":
		return whatsapp.Result{Phone: phone, Error: whatsapp.ErrNotConnected.Error(), Cause: whatsapp.ErrNotConnected}
	case "boom":
		return whatsapp.Result{Phone: phone, Error: "send: websocket closed"}
	}
	return whatsapp.Result{OK: true, MessageID: "3EB0ABC", Phone: phone, Timestamp: time.Now()}
}

type fixture struct {
	db       *gorm.DB
	sessions *fakeSessions
	sender   *fakeSender
	secret   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenSQLite(t)
	node, err := snowflake.NewNode(9)
	require.NoError(t, err)

	messages := repository.NewGormMessageRepository(db)
	f := &fixture{
		db:       db,
		sessions: &fakeSessions{qr: map[int64]string{}, connected: map[int64]bool{}},
		sender:   &fakeSender{},
		secret:   "api-test-secret",
	}
	cfg := config.DefaultAppConfig()
	cfg.Web.Secret = f.secret
	webserver.Init(cfg)
	Init(&Services{
		Sessions: f.sessions,
		Sender:   f.sender,
		Campaign: queue.NewCampaign(
			repository.NewGormCustomerRepository(db),
			messages,
			repository.NewGormTemplateRepository(db),
			repository.NewGormCategoryRepository(db),
			node, 10*time.Second, 30*time.Second,
		),
		Requeuer:   queue.NewWorker(messages, repository.NewGormSysLogRepository(db), nil, nil, nil, 10),
		Messages:   messages,
		Templates:  repository.NewGormTemplateRepository(db),
		NotifyLogs: repository.NewGormNotifyLogRepository(db),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, tenant int64) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if tenant > 0 {
		token, err := webserver.IssueToken(f.secret, tenant, time.Hour)
		require.NoError(t, err)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	webserver.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthWithoutToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/health", "", 0)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/whatsapp/status", "/api/messages/logs", "/api/conversations", "/api/ws"} {
		rec := f.do(t, http.MethodGet, path, "", 0)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestWhatsAppStatusAndQRAreTenantScoped(t *testing.T) {
	f := newFixture(t)
	f.sessions.connected[1] = true
	f.sessions.qr[2] = "data:image/png;base64,AAAA"

	rec := f.do(t, http.MethodGet, "/api/whatsapp/status", "", 1)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "connected", body["status"])
	assert.NotNil(t, body["user"])

	body = decode(t, f.do(t, http.MethodGet, "/api/whatsapp/status", "", 2))
	assert.Equal(t, "disconnected", body["status"])

	body = decode(t, f.do(t, http.MethodGet, "/api/whatsapp/qr", "", 1))
	assert.Equal(t, false, body["has_qr"])
	body = decode(t, f.do(t, http.MethodGet, "/api/whatsapp/qr", "", 2))
	assert.Equal(t, true, body["has_qr"])
	assert.Equal(t, "data:image/png;base64,AAAA", body["qr"])
}

func TestWhatsAppConnectDisconnectReload(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/whatsapp/connect", "", 5)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool { return len(f.sessions.initialized()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{5}, f.sessions.initialized())

	rec = f.do(t, http.MethodPost, "/api/whatsapp/disconnect", `{"reset_auth":true}`, 5)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/whatsapp/disconnect", `{"reset_auth":false}`, 6)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/whatsapp/disconnect", "", 7)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["reset_auth"])
	assert.Equal(t, []disconnectCall{{5, true}, {6, false}, {7, true}}, f.sessions.disconnects)

	rec = f.do(t, http.MethodPost, "/api/whatsapp/reload", "", 5)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{5}, f.sessions.reinits)
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/send-message", `{"phone":"9800000001","text":"hi"}`, 1)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "3EB0ABC", body["message_id"])

	cases := []struct {
		phone string
		code  int
		err   string
	}{
		{"bad", http.StatusBadRequest, "INVALID_MESSAGE"},
		{"offline", http.StatusServiceUnavailable, "WA_NOT_CONNECTED"},
		{"boom", http.StatusBadGateway, "SEND_FAILED"},
	}
	for _, c := range cases {
		rec := f.do(t, http.MethodPost, "/api/send-message", `{"phone":"`+c.phone+`","text":"hi"}`, 1)
		assert.Equal(t, c.code, rec.Code, c.phone)
		assert.Equal(t, c.err, decode(t, rec)["code"], c.phone)
	}

	rec = f.do(t, http.MethodPost, "/api/send-message", `{"phone":"9800000001","text":""}`, 1)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode(t, rec)["code"])
	assert.Len(t, f.sender.calls, 4, "invalid payloads never reach the gateway")
}

func TestMessageBatch(t *testing.T) {
	f := newFixture(t)
	c1 := &domain.Customer{AdminID: 1, Phone: "919800000001", Name: "Asha"}
	c2 := &domain.Customer{AdminID: 1, Phone: "919800000002", Name: "Bala"}
	require.NoError(t, f.db.Create(c1).Error)
	require.NoError(t, f.db.Create(c2).Error)

	payload := `{"customer_ids":[` + idList(c1.ID, c2.ID) + `],"custom_body":"Hi {{name}}"}`
	rec := f.do(t, http.MethodPost, "/api/messages/batch", payload, 1)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["count"])

	var queued int64
	require.NoError(t, f.db.Model(&domain.Message{}).Where("job_id = ?", body["job_id"]).Count(&queued).Error)
	assert.EqualValues(t, 2, queued)

	rec = f.do(t, http.MethodPost, "/api/messages/batch", `{"customer_ids":[`+idList(c1.ID)+`],"category":"none"}`, 1)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// another tenant's token sees none of these customers
	rec = f.do(t, http.MethodPost, "/api/messages/batch", payload, 2)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/messages/batch", `{"customer_ids":[]}`, 1)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageResend(t *testing.T) {
	f := newFixture(t)
	m := &domain.Message{AdminID: 1, FromMe: true, ToPhone: "919800000001", Body: "x", Status: domain.MessageFailed, Error: "boom"}
	require.NoError(t, f.db.Create(m).Error)
	path := "/api/messages/" + idList(m.ID) + "/resend"

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, path, "", 2).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, path, "", 1).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, path, "", 1).Code, "already queued")
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/messages/abc/resend", "", 1).Code)

	var got domain.Message
	require.NoError(t, f.db.First(&got, m.ID).Error)
	assert.Equal(t, domain.MessageQueued, got.Status)
}

func TestLogsAndConversationsScoped(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	rows := []*domain.Message{
		{AdminID: 1, ToPhone: "919800000001", Body: "first", Status: domain.MessageSent, Timestamp: now.Add(-2 * time.Minute)},
		{AdminID: 1, ToPhone: "919800000001", Body: "second", Status: domain.MessageSent, Timestamp: now.Add(-time.Minute)},
		{AdminID: 1, ToPhone: "919800000002", Body: "other", Status: domain.MessageSent, Timestamp: now},
		{AdminID: 2, ToPhone: "919800000003", Body: "foreign", Status: domain.MessageSent, Timestamp: now},
	}
	for _, r := range rows {
		require.NoError(t, f.db.Create(r).Error)
	}

	body := decode(t, f.do(t, http.MethodGet, "/api/messages/logs?limit=10", "", 1))
	assert.EqualValues(t, 3, body["total"])
	assert.NotContains(t, fmtBodies(body), "foreign")

	body = decode(t, f.do(t, http.MethodGet, "/api/conversations", "", 1))
	assert.EqualValues(t, 2, body["total"])
	assert.ElementsMatch(t, []string{"second", "other"}, fmtBodies(body))
}

func TestConversationHistoryScoped(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	rows := []*domain.Message{
		{AdminID: 1, ToPhone: "919800000001", Body: "hello", Status: domain.MessageReceived, Timestamp: now.Add(-2 * time.Minute)},
		{AdminID: 1, ToPhone: "919800000001", Body: "reply", FromMe: true, Status: domain.MessageSent, Timestamp: now.Add(-time.Minute)},
		{AdminID: 1, ToPhone: "919800000002", Body: "other", Status: domain.MessageReceived, Timestamp: now},
		{AdminID: 2, ToPhone: "919800000001", Body: "foreign", Status: domain.MessageReceived, Timestamp: now},
	}
	for _, r := range rows {
		require.NoError(t, f.db.Create(r).Error)
	}

	body := decode(t, f.do(t, http.MethodGet, "/api/conversations/+919800000001", "", 1))
	assert.Equal(t, []string{"hello", "reply"}, fmtBodies(body))

	body = decode(t, f.do(t, http.MethodGet, "/api/conversations/919800000001", "", 2))
	assert.Equal(t, []string{"foreign"}, fmtBodies(body))

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/conversations/abc", "", 1).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/conversations/919800000001", "", 0).Code)
}

func idList(ids ...int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		b, _ := json.Marshal(id)
		parts = append(parts, string(b))
	}
	return strings.Join(parts, ",")
}

func fmtBodies(resp map[string]interface{}) []string {
	var out []string
	items, _ := resp["data"].([]interface{})
	for _, it := range items {
		if m, ok := it.(map[string]interface{}); ok {
			out = append(out, m["body"].(string))
		}
	}
	return out
}
