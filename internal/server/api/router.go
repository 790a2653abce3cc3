package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"imghost/internal/server/config"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))
	e.Use(middleware.BodyLimit(strconv.FormatInt(cfg.MaxRequestBytes, 10)))

	// Uploads and registrations share one per-IP budget
	limiter := NewRateLimiter(cfg.Rate.RPS, cfg.Rate.Burst)
	auth := RequireUser(handler.accounts)

	e.GET("/health", handler.HandleHealth)
	e.GET("/i/:filename", handler.HandleServe)
	e.GET("/api/public/config", handler.HandlePublicConfig)

	e.POST("/api/upload", handler.HandleUpload, limiter.Middleware(), auth)
	e.DELETE("/api/images/:id", handler.HandleDelete, auth)

	e.POST("/api/auth/register", handler.HandleRegister, limiter.Middleware())
	authGroup := e.Group("/api/auth", auth)
	authGroup.GET("/me", handler.HandleMe)
	authGroup.GET("/stats", handler.HandleUserStats)
	authGroup.PUT("/password", handler.HandleChangePassword)

	admin := e.Group("/api/admin", auth, RequireAdmin())
	admin.GET("/config", handler.HandleGetConfig)
	admin.POST("/config", handler.HandleSetConfig)
	admin.GET("/invites", handler.HandleListInvites)
	admin.POST("/invites", handler.HandleCreateInvites)
	admin.DELETE("/invites/:id", handler.HandleDeleteInvite)
	admin.GET("/users", handler.HandleListUsers)
	admin.PUT("/users/:id", handler.HandleUpdateUser)
	admin.DELETE("/users/:id", handler.HandleDeleteUser)
	admin.PUT("/users/:id/password", handler.HandleResetUserPassword)
	admin.PUT("/users/:id/quota", handler.HandleSetUserQuota)

	return e
}
