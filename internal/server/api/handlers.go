package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/spf13/afero"

	"imghost/internal/core"
	"imghost/internal/server/database"
	"imghost/internal/server/service"
)

// ImageService ingests, serves and deletes images.
type ImageService interface {
	Upload(ctx context.Context, req service.UploadRequest) (*service.UploadResult, error)
	Open(ctx context.Context, filename, referer string) (afero.File, os.FileInfo, error)
	DeleteImage(ctx context.Context, caller *database.User, id int64) error
	Quota(ctx context.Context, owner *database.User) (*service.QuotaStatus, error)
}

// AccountService registers and authenticates users.
type AccountService interface {
	Authenticator
	Register(ctx context.Context, req service.RegisterRequest) (*database.User, error)
	ChangePassword(ctx context.Context, user *database.User, oldPassword, newPassword string) error
}

// AdminService backs the admin endpoints.
type AdminService interface {
	Config(ctx context.Context) (map[string]string, error)
	UpdateConfig(ctx context.Context, values map[string]string) error
	CreateInvites(ctx context.Context, req service.InviteRequest) ([]string, error)
	Invites(ctx context.Context) ([]*database.InviteCode, error)
	DeleteInvite(ctx context.Context, id int64) error
	SetUserQuota(ctx context.Context, userID int64, quotaMB *float64) (*int64, error)
	Users(ctx context.Context) ([]service.UserSummary, error)
	UpdateUser(ctx context.Context, caller *database.User, id int64, upd service.UserUpdate) (*database.User, error)
	DeleteUser(ctx context.Context, caller *database.User, id int64) error
	ResetUserPassword(ctx context.Context, id int64, password string) error
}

// QualityReader exposes the admin quality ceiling.
type QualityReader interface {
	QualityCeiling(ctx context.Context) int
}

// HealthChecker reports database connectivity.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler contains the HTTP handlers for the image host API.
type Handler struct {
	images   ImageService
	accounts AccountService
	admin    AdminService
	quality  QualityReader
	db       HealthChecker
}

// NewHandler creates a new handler with the given service dependencies.
func NewHandler(images ImageService, accounts AccountService, admin AdminService, quality QualityReader, db HealthChecker) *Handler {
	return &Handler{
		images:   images,
		accounts: accounts,
		admin:    admin,
		quality:  quality,
		db:       db,
	}
}

// userResponse is the public view of an account.
type userResponse struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Role       string `json:"role"`
	CreatedAt  string `json:"created_at"`
	IsActive   bool   `json:"is_active"`
	QuotaBytes *int64 `json:"quota_bytes"`
}

func toUserResponse(u *database.User) userResponse {
	return userResponse{
		ID:         u.ID,
		Username:   u.Username,
		Role:       u.Role,
		CreatedAt:  u.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		IsActive:   u.IsActive,
		QuotaBytes: u.QuotaBytes,
	}
}

// HandleUpload handles POST /api/upload.
// Accepts a multipart form with a "file" field and optional "quality" and
// "passthrough" fields.
func (h *Handler) HandleUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "file is required (use form field 'file')",
		})
	}
	if fileHeader.Filename == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "no file selected"})
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}
	defer src.Close()

	req := service.UploadRequest{
		Body:     src,
		Filename: fileHeader.Filename,
		Mode:     core.ModeProcessed,
		Owner:    currentUser(c),
	}
	// An unparsable quality is ignored and the ceiling applies.
	if q, err := strconv.Atoi(strings.TrimSpace(c.FormValue("quality"))); err == nil {
		req.Quality = &q
	}
	if strings.EqualFold(strings.TrimSpace(c.FormValue("passthrough")), "true") {
		req.Mode = core.ModePassthrough
	}

	result, err := h.images.Upload(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// HandleServe handles GET /i/:filename.
// Serves the stored bytes with range support and records a view.
func (h *Handler) HandleServe(c echo.Context) error {
	f, info, err := h.images.Open(c.Request().Context(), c.Param("filename"), c.Request().Referer())
	if err != nil {
		return mapServiceError(c, err)
	}
	defer f.Close()

	// Stored names are random and never reused
	c.Response().Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(c.Response(), c.Request(), info.Name(), info.ModTime(), f)
	return nil
}

// HandleDelete handles DELETE /api/images/:id.
func (h *Handler) HandleDelete(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid image id"})
	}

	if err := h.images.DeleteImage(c.Request().Context(), currentUser(c), id); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"message": "deleted"})
}

// HandleRegister handles POST /api/auth/register.
func (h *Handler) HandleRegister(c echo.Context) error {
	var req service.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	user, err := h.accounts.Register(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, toUserResponse(user))
}

// HandleMe handles GET /api/auth/me.
func (h *Handler) HandleMe(c echo.Context) error {
	return c.JSON(http.StatusOK, toUserResponse(currentUser(c)))
}

// HandleUserStats handles GET /api/auth/stats.
// Returns the caller's usage against their effective quota.
func (h *Handler) HandleUserStats(c echo.Context) error {
	q, err := h.images.Quota(c.Request().Context(), currentUser(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, q)
}

// HandleChangePassword handles PUT /api/auth/password.
func (h *Handler) HandleChangePassword(c echo.Context) error {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	if err := h.accounts.ChangePassword(c.Request().Context(), currentUser(c), req.OldPassword, req.NewPassword); err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "incorrect old password"})
		}
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "password updated"})
}

// HandlePublicConfig handles GET /api/public/config.
func (h *Handler) HandlePublicConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"compress_quality": h.quality.QualityCeiling(c.Request().Context()),
	})
}

// HandleGetConfig handles GET /api/admin/config.
func (h *Handler) HandleGetConfig(c echo.Context) error {
	values, err := h.admin.Config(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, values)
}

// HandleSetConfig handles POST /api/admin/config.
// Accepts a JSON object of keys to values; non-string values are stored in
// their JSON text form.
func (h *Handler) HandleSetConfig(c echo.Context) error {
	var raw map[string]any
	if err := c.Bind(&raw); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case string:
			values[k] = v
		case nil:
			values[k] = "None"
		default:
			values[k] = fmt.Sprint(v)
		}
	}

	if err := h.admin.UpdateConfig(c.Request().Context(), values); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "config saved"})
}

// HandleListInvites handles GET /api/admin/invites.
func (h *Handler) HandleListInvites(c echo.Context) error {
	invites, err := h.admin.Invites(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}

	out := make([]echo.Map, 0, len(invites))
	for _, inv := range invites {
		out = append(out, echo.Map{
			"id":           inv.ID,
			"code":         inv.Code,
			"max_uses":     inv.MaxUses,
			"current_uses": inv.CurrentUses,
			"expires_at":   inv.ExpiresAt,
			"created_at":   inv.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// HandleCreateInvites handles POST /api/admin/invites.
func (h *Handler) HandleCreateInvites(c echo.Context) error {
	req := service.InviteRequest{Count: 1, Days: 7, Limit: 1}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	codes, err := h.admin.CreateInvites(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"codes": codes})
}

// HandleDeleteInvite handles DELETE /api/admin/invites/:id.
func (h *Handler) HandleDeleteInvite(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid invite id"})
	}
	if err := h.admin.DeleteInvite(c.Request().Context(), id); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "deleted"})
}

// HandleListUsers handles GET /api/admin/users.
func (h *Handler) HandleListUsers(c echo.Context) error {
	users, err := h.admin.Users(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}

	type adminUserResponse struct {
		userResponse
		UsedBytes  int64 `json:"used_bytes"`
		ImageCount int64 `json:"image_count"`
	}
	out := make([]adminUserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, adminUserResponse{
			userResponse: toUserResponse(u.User),
			UsedBytes:    u.Usage.UsedBytes,
			ImageCount:   u.Usage.ImageCount,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// HandleUpdateUser handles PUT /api/admin/users/:id.
// Body: {"role": "user"|"admin", "is_active": bool}; omitted fields are kept.
func (h *Handler) HandleUpdateUser(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user id"})
	}

	var upd service.UserUpdate
	if err := c.Bind(&upd); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	user, err := h.admin.UpdateUser(c.Request().Context(), currentUser(c), id, upd)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, toUserResponse(user))
}

// HandleDeleteUser handles DELETE /api/admin/users/:id.
func (h *Handler) HandleDeleteUser(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user id"})
	}

	if err := h.admin.DeleteUser(c.Request().Context(), currentUser(c), id); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "user deleted"})
}

// HandleResetUserPassword handles PUT /api/admin/users/:id/password.
func (h *Handler) HandleResetUserPassword(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user id"})
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	if err := h.admin.ResetUserPassword(c.Request().Context(), id, req.Password); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "password updated"})
}

// HandleSetUserQuota handles PUT /api/admin/users/:id/quota.
// Body: {"quota_mb": <number|null>}; null resets to the global default.
func (h *Handler) HandleSetUserQuota(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user id"})
	}

	var req struct {
		QuotaMB *float64 `json:"quota_mb"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid quota value"})
	}

	quota, err := h.admin.SetUserQuota(c.Request().Context(), id, req.QuotaMB)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "quota updated", "quota_bytes": quota})
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
// Client errors carry their message; anything else is logged and reported
// generically.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrCorruptImage):
		// decoder detail stays in the log
		slog.Warn("undecodable upload",
			"path", c.Request().URL.Path,
			"ip", c.RealIP(),
			"error", err,
		)
		return c.JSON(http.StatusBadRequest, echo.Map{"error": service.ErrCorruptImage.Error()})
	case errors.Is(err, service.ErrUnrecognizedFormat),
		errors.Is(err, service.ErrDisallowedExtension),
		errors.Is(err, service.ErrOversizeUpload),
		errors.Is(err, service.ErrImageTooLarge),
		errors.Is(err, service.ErrQuotaExceeded),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInviteRequired),
		errors.Is(err, service.ErrInvalidInvite),
		errors.Is(err, service.ErrUsernameTaken):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	case errors.Is(err, service.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	default:
		slog.Error("request failed",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}
