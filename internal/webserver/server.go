// Package webserver hosts the admin API and the realtime websocket endpoint.
package webserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/config"
	"go.uber.org/zap"
)

const (
	ApiPrefix  = "/api"
	UserCtxKey = "user"
)

var ErrNoTenant = errors.New("request carries no tenant")

var server *AdminServer

// TenantClaims is the token issued by the account service. The id claim is
// the tenant (admin) id every request is scoped to.
type TenantClaims struct {
	AdminID int64  `json:"id"`
	Email   string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type AdminServer struct {
	root   *echo.Echo
	api    *echo.Group
	secret string
	addr   string
}

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

// Init replaces the global server. Routes must be registered after Init.
func Init(cfg *config.AppConfig) {
	server = NewAdminServer(cfg)
}

func NewAdminServer(cfg *config.AppConfig) *AdminServer {
	s := &AdminServer{
		root:   echo.New(),
		secret: cfg.Web.Secret,
		addr:   fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
	}
	s.root.HideBanner = true
	s.root.HidePort = true
	s.root.Validator = &requestValidator{validate: validator.New()}
	s.root.HTTPErrorHandler = s.httpErrorHandler
	s.root.Use(middleware.Recover())
	s.root.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	s.root.Use(requestLogger())

	s.api = s.root.Group(ApiPrefix)
	s.api.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(s.secret),
		SigningMethod: jwt.SigningMethodHS256.Alg(),
		ContextKey:    UserCtxKey,
		// browsers cannot set headers on a websocket upgrade
		TokenLookup: "header:Authorization:Bearer ,query:token",
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return new(TenantClaims)
		},
		Skipper: func(c echo.Context) bool {
			return c.Path() == ApiPrefix+"/health"
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusUnauthorized, map[string]interface{}{
				"code":    "UNAUTHORIZED",
				"message": "Authentication required",
				"detail":  err.Error(),
			})
		},
	}))
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
				zap.L().Warn("webserver: request", fields...)
				return nil
			}
			zap.L().Debug("webserver: request", fields...)
			return nil
		},
	})
}

func (s *AdminServer) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := "Internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	} else {
		zap.L().Error("webserver: unhandled error", zap.String("uri", c.Request().RequestURI), zap.Error(err))
	}
	_ = c.JSON(code, map[string]interface{}{
		"code":    strings.ToUpper(strings.ReplaceAll(http.StatusText(code), " ", "_")),
		"message": msg,
	})
}

// Start blocks serving until the server is shut down.
func (s *AdminServer) Start() error {
	zap.L().Info("webserver: admin api listening", zap.String("addr", s.addr))
	err := s.root.Start(s.addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "admin api")
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.root.Shutdown(ctx)
}

func (s *AdminServer) Echo() *echo.Echo {
	return s.root
}

// Listen starts the global server.
func Listen() error {
	return server.Start()
}

func Shutdown(ctx context.Context) error {
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Handler exposes the global router, mostly for tests.
func Handler() http.Handler {
	return server.root
}

// Use adds middleware to every /api route.
func Use(mw ...echo.MiddlewareFunc) {
	server.api.Use(mw...)
}

func ApiGET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.GET(path, h, m...)
}

func ApiPOST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.POST(path, h, m...)
}

func ApiPUT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.PUT(path, h, m...)
}

func ApiDELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.DELETE(path, h, m...)
}

// TenantID returns the tenant the request was authenticated for.
func TenantID(c echo.Context) (int64, error) {
	token, ok := c.Get(UserCtxKey).(*jwt.Token)
	if !ok || token == nil {
		return 0, ErrNoTenant
	}
	claims, ok := token.Claims.(*TenantClaims)
	if !ok || claims.AdminID <= 0 {
		return 0, ErrNoTenant
	}
	return claims.AdminID, nil
}

// IssueToken signs a tenant token with secret.
func IssueToken(secret string, tenant int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := TenantClaims{
		AdminID: tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
