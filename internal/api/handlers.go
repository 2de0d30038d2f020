// Package api serves the REST surface for course browsing and progress
// tracking. Content routes are gated on an active subscription; token
// reauth failures map to 401 so the client can restart the OAuth flow.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/dukex/drive-learning/internal/course"
	"github.com/dukex/drive-learning/internal/db"
	"github.com/dukex/drive-learning/internal/middleware"
	"github.com/dukex/drive-learning/internal/observability"
	"github.com/dukex/drive-learning/internal/token"
)

// Handler owns the HTTP endpoints and their dependencies.
type Handler struct {
	courses       *course.Service
	accounts      *db.AccountRepo
	progress      *db.ProgressRepo
	subscriptions *db.SubscriptionRepo
	tokens        *token.Manager
}

func NewHandler(
	courses *course.Service,
	accounts *db.AccountRepo,
	progress *db.ProgressRepo,
	subscriptions *db.SubscriptionRepo,
	tokens *token.Manager,
) *Handler {
	return &Handler{
		courses:       courses,
		accounts:      accounts,
		progress:      progress,
		subscriptions: subscriptions,
		tokens:        tokens,
	}
}

// Routes registers the versioned API on mux. All routes assume the
// Authorize middleware already ran.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/me", h.handleMe)
	mux.HandleFunc("GET /v1/courses", h.handleListCourses)
	mux.HandleFunc("GET /v1/courses/{courseID}", h.handleGetCourse)
	mux.HandleFunc("GET /v1/courses/{courseID}/lessons/{lessonID}", h.handleGetLesson)
	mux.HandleFunc("GET /v1/courses/{courseID}/progress", h.handleCourseProgress)
	mux.HandleFunc("POST /v1/progress", h.handleUpdateProgress)
	mux.HandleFunc("POST /v1/courses/cache/invalidate", h.handleInvalidateCache)
}

// =============================================================================
// Profile
// =============================================================================

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r.Context())
	if authCtx == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Not authenticated")
		return
	}

	acct, err := h.accounts.GetAccount(r.Context(), authCtx.UserID, "google")
	if err != nil {
		log.Printf("[api] failed to load linked account for %s: %v", authCtx.UserID, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load account")
		return
	}

	sub, err := h.subscriptions.ActiveSubscription(r.Context(), authCtx.UserID)
	if err != nil {
		log.Printf("[api] failed to load subscription for %s: %v", authCtx.UserID, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load subscription")
		return
	}

	resp := map[string]interface{}{
		"user_id":        authCtx.UserID,
		"email":          authCtx.Email,
		"account_status": authCtx.AccountStatus,
		"google_linked":  acct != nil,
		"subscribed":     sub != nil,
	}
	if authCtx.RootFolderID != "" {
		resp["root_folder_id"] = authCtx.RootFolderID
	}
	if sub != nil && sub.CurrentPeriodEnd != nil {
		resp["subscription_ends_at"] = sub.CurrentPeriodEnd.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Courses
// =============================================================================

func (h *Handler) handleListCourses(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := h.requireContent(w, r)
	if !ok {
		return
	}
	if authCtx.RootFolderID == "" {
		writeError(w, http.StatusConflict, "ROOT_FOLDER_NOT_SET", "No Drive folder is linked to this account")
		return
	}

	start := time.Now()
	courses, err := h.courses.ListCourses(r.Context(), authCtx.UserID, authCtx.RootFolderID)
	if err != nil {
		h.writeDriveError(w, r, "list courses", err)
		return
	}
	observability.LogRequest(r.Method, r.URL.Path, http.StatusOK, time.Since(start).Milliseconds())

	writeJSON(w, http.StatusOK, map[string]interface{}{"courses": courses})
}

func (h *Handler) handleGetCourse(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := h.requireContent(w, r)
	if !ok {
		return
	}

	detail, err := h.courses.GetCourse(r.Context(), authCtx.UserID, r.PathValue("courseID"))
	if err != nil {
		h.writeDriveError(w, r, "get course", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleGetLesson(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := h.requireContent(w, r)
	if !ok {
		return
	}

	detail, err := h.courses.GetLesson(r.Context(), authCtx.UserID, r.PathValue("courseID"), r.PathValue("lessonID"))
	if err != nil {
		h.writeDriveError(w, r, "get lesson", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r.Context())
	if authCtx == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Not authenticated")
		return
	}

	if err := h.courses.InvalidateUser(r.Context(), authCtx.UserID); err != nil {
		log.Printf("[api] cache invalidation failed for %s: %v", authCtx.UserID, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Cache invalidation failed")
		return
	}
	h.tokens.ClearCache()
	writeJSON(w, http.StatusOK, map[string]interface{}{"invalidated": true})
}

// =============================================================================
// Progress
// =============================================================================

type progressRequest struct {
	CourseID  string `json:"course_id"`
	LessonID  string `json:"lesson_id"`
	Completed bool   `json:"completed"`
}

func (h *Handler) handleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := h.requireContent(w, r)
	if !ok {
		return
	}

	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Malformed JSON body")
		return
	}
	if req.CourseID == "" || req.LessonID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "course_id and lesson_id are required")
		return
	}

	var err error
	if req.Completed {
		err = h.progress.MarkComplete(r.Context(), authCtx.UserID, req.CourseID, req.LessonID)
	} else {
		err = h.progress.MarkIncomplete(r.Context(), authCtx.UserID, req.CourseID, req.LessonID)
	}
	if err != nil {
		log.Printf("[api] progress update failed for %s: %v", authCtx.UserID, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update progress")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"course_id": req.CourseID,
		"lesson_id": req.LessonID,
		"completed": req.Completed,
	})
}

func (h *Handler) handleCourseProgress(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := h.requireContent(w, r)
	if !ok {
		return
	}
	courseID := r.PathValue("courseID")

	rows, err := h.progress.CourseProgress(r.Context(), authCtx.UserID, courseID)
	if err != nil {
		log.Printf("[api] progress lookup failed for %s: %v", authCtx.UserID, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load progress")
		return
	}

	completed := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		completed = append(completed, map[string]interface{}{
			"lesson_id":    row.LessonID,
			"completed_at": row.CompletedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"course_id": courseID,
		"completed": completed,
	})
}

// =============================================================================
// Helpers
// =============================================================================

// requireContent checks authentication and subscription for content
// routes. Writes the error response itself when access is denied.
func (h *Handler) requireContent(w http.ResponseWriter, r *http.Request) (*middleware.AuthContext, bool) {
	authCtx := middleware.GetAuthContext(r.Context())
	if authCtx == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Not authenticated")
		return nil, false
	}

	subscribed, err := h.subscriptions.HasActiveSubscription(r.Context(), authCtx.UserID)
	if err != nil {
		log.Printf("[api] subscription check failed for %s: %v", authCtx.UserID, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to verify subscription")
		return nil, false
	}
	if !subscribed {
		writeError(w, http.StatusPaymentRequired, "SUBSCRIPTION_REQUIRED", "An active subscription is required")
		return nil, false
	}
	return authCtx, true
}

// writeDriveError maps a failed Drive-backed operation to a response.
// A reauth-required token failure is the client's cue to restart OAuth.
func (h *Handler) writeDriveError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	authCtx := middleware.GetAuthContext(r.Context())
	userID := ""
	if authCtx != nil {
		userID = authCtx.UserID
	}

	if errors.Is(err, token.ErrReauthRequired) {
		observability.LogTokenEvent(userID, "google", "reauth_required", map[string]any{
			"operation": operation,
		})
		writeError(w, http.StatusUnauthorized, "REAUTH_REQUIRED", "Google authorization expired, please reconnect your account")
		return
	}

	switch token.ClassifyAPIError(err) {
	case token.FailureUnauthorized:
		writeError(w, http.StatusUnauthorized, "DRIVE_UNAUTHORIZED", "Google Drive rejected the request")
	case token.FailureRateLimited:
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusTooManyRequests, "DRIVE_RATE_LIMITED", "Google Drive rate limit reached, try again shortly")
	case token.FailureServerUnavailable, token.FailureNetwork:
		writeError(w, http.StatusBadGateway, "DRIVE_UNAVAILABLE", "Google Drive is unavailable")
	default:
		log.Printf("[api] %s failed for %s: %v", operation, userID, err)
		observability.LogError("api."+operation, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Operation failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[api] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}
