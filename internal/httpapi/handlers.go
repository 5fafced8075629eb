package httpapi

import (
	"errors"
	"net/http"
	"time"

	"healthtrack-platform/internal/auth"
	"healthtrack-platform/internal/call"
	"healthtrack-platform/internal/directory"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth      *auth.Manager
	Call      *call.Service
	Directory *directory.Service
}

// --- Call signaling ---

// signalRequest is the action-dispatched envelope for POST /v1/call/signal.
// Identity always comes from the authenticated context, never from the body.
type signalRequest struct {
	Action    string       `json:"action"`
	DoctorID  string       `json:"doctor_id"`
	SessionID string       `json:"session_id"`
	Signal    *call.Signal `json:"signal"`
}

// Signal dispatches one signaling action. Every response carries at least
// {success}; successful calls add the session status, and get_call_status
// adds the drained mailbox envelopes under "signal".
func (h Handlers) Signal(c *gin.Context) {
	if h.Call == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "message": "call service not configured"})
		return
	}
	userID, err := auth.UserID(c.Request.Context())
	if err != nil || userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "authentication required"})
		return
	}

	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid json"})
		return
	}

	ctx := c.Request.Context()

	switch req.Action {
	case "initiate_call":
		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		sess, err := h.Call.Initiate(ctx, userID, req.DoctorID, sessionID)
		if err != nil {
			writeCallError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "status": sess.Status, "session_id": sess.SessionID})

	case "accept_call":
		sess, err := h.Call.Accept(ctx, req.SessionID, userID)
		if err != nil {
			writeCallError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "status": sess.Status})

	case "reject_call":
		sess, err := h.Call.Reject(ctx, req.SessionID, userID)
		if err != nil {
			writeCallError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "status": sess.Status})

	case "send_signal":
		if req.Signal == nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "message": "signal required"})
			return
		}
		if _, err := h.Call.SendSignal(ctx, req.SessionID, userID, *req.Signal); err != nil {
			writeCallError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})

	case "get_call_status":
		res, err := h.Call.Poll(ctx, req.SessionID, userID)
		if err != nil {
			writeCallError(c, err)
			return
		}
		body := gin.H{"success": true, "status": res.Session.Status}
		if len(res.Signals) > 0 {
			body["signal"] = res.Signals
		}
		c.JSON(http.StatusOK, body)

	case "end_call":
		sess, err := h.Call.End(ctx, req.SessionID, userID)
		if err != nil {
			writeCallError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "status": sess.Status})

	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "message": "unknown action"})
	}
}

// writeCallError maps the call package's sentinel errors onto HTTP statuses.
// Messages stay generic; internals never leak past the boundary.
func writeCallError(c *gin.Context, err error) {
	var (
		status  int
		message string
	)
	switch {
	case errors.Is(err, call.ErrInvalidArgument):
		status, message = http.StatusBadRequest, "invalid request"
	case errors.Is(err, call.ErrBadSignal):
		status, message = http.StatusBadRequest, "malformed signal"
	case errors.Is(err, call.ErrUnauthorized):
		status, message = http.StatusForbidden, "not permitted"
	case errors.Is(err, call.ErrNotFound):
		status, message = http.StatusNotFound, "session not found"
	case errors.Is(err, call.ErrInvalidTransition):
		status, message = http.StatusConflict, "call already settled"
	case errors.Is(err, call.ErrBusy):
		status, message = http.StatusConflict, "participant busy"
	case errors.Is(err, call.ErrSessionEnded):
		status, message = http.StatusGone, "session ended"
	default:
		status, message = http.StatusInternalServerError, "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}

// --- Directory ---

func (h Handlers) ListDoctors(c *gin.Context) {
	if h.Directory == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "directory not configured"})
		return
	}
	doctors, err := h.Directory.ListDoctors(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "doctor listing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"doctors": doctors})
}

type connectRequest struct {
	DoctorID string `json:"doctor_id"`
}

// RequestConnection lets a patient ask to connect with a doctor. The
// connection must be accepted by the doctor before calls are permitted.
func (h Handlers) RequestConnection(c *gin.Context) {
	if h.Directory == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "directory not configured"})
		return
	}
	patientID, err := auth.UserID(c.Request.Context())
	if err != nil || patientID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DoctorID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "doctor_id required"})
		return
	}
	conn, err := h.Directory.RequestConnection(c.Request.Context(), patientID, req.DoctorID)
	if err != nil {
		writeDirectoryError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

type acceptConnectionRequest struct {
	PatientID string `json:"patient_id"`
}

func (h Handlers) AcceptConnection(c *gin.Context) {
	if h.Directory == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "directory not configured"})
		return
	}
	doctorID, err := auth.UserID(c.Request.Context())
	if err != nil || doctorID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	var req acceptConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PatientID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "patient_id required"})
		return
	}
	conn, err := h.Directory.AcceptConnection(c.Request.Context(), req.PatientID, doctorID)
	if err != nil {
		writeDirectoryError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func writeDirectoryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, directory.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	case errors.Is(err, directory.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, directory.ErrAlreadyExists):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "connection already exists"})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}
