package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"wa-bulk-sender/campaign"
	"wa-bulk-sender/session"
	"wa-bulk-sender/types"
)

type tenantRequest struct {
	UserID string `json:"userId"`
}

type sendOneRequest struct {
	UserID  string `json:"userId"`
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type sendRequest struct {
	UserID          string           `json:"userId"`
	Recipients      []map[string]any `json:"recipients"`
	MessageTemplate string           `json:"messageTemplate"`
	// Delay between messages in milliseconds.
	Delay *int `json:"delay"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Status  string `json:"status,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string, err error) {
	resp := errorResponse{Success: false, Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, code, resp)
}

// decode reads a JSON body into v and checks the userId field.
func decode(w http.ResponseWriter, r *http.Request, v any, userID func() string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	if strings.TrimSpace(userID()) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Success: false,
			Message: "a valid userId is required",
			Error:   "userId is required",
			Status:  string(types.StatusDisconnected),
		})
		return false
	}
	return true
}

func (s *Server) tenantError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, session.ErrInvalidTenant) {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Success: false,
			Message: "a valid userId is required",
			Error:   err.Error(),
			Status:  string(types.StatusDisconnected),
		})
		return
	}
	writeError(w, http.StatusInternalServerError, message, err)
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if !decode(w, r, &req, func() string { return req.UserID }) {
		return
	}

	res, err := s.reg.Initialize(r.Context(), req.UserID)
	if err != nil {
		s.log.Error().Err(err).Str("tenant", req.UserID).Msg("Init failed")
		s.tenantError(w, "initialization failed", err)
		return
	}

	message := "initializing WhatsApp connection..."
	if !res.Accepted {
		message = "connecting..."
		if res.Status == types.StatusReady {
			message = "connected"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": message,
		"status":  res.Status,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if !decode(w, r, &req, func() string { return req.UserID }) {
		return
	}

	st, err := s.reg.Status(req.UserID)
	if err != nil {
		s.tenantError(w, "status failed", err)
		return
	}
	resp := map[string]any{
		"success": true,
		"status":  st.Status,
		"version": s.opts.Version,
	}
	if st.Error != "" {
		resp["error"] = st.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"version":        s.opts.Version,
		"activeSessions": s.reg.ActiveSessionCount(),
		"message":        "service is running, POST a userId to get a session status",
	})
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if !decode(w, r, &req, func() string { return req.UserID }) {
		return
	}

	st, err := s.reg.Status(req.UserID)
	if err != nil {
		s.tenantError(w, "qr failed", err)
		return
	}
	info, err := s.reg.PairingInfo(req.UserID)
	if err != nil {
		s.tenantError(w, "qr failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"status":    st.Status,
		"qrCode":    info.Payload,
		"qrDataUrl": info.Image,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if !decode(w, r, &req, func() string { return req.UserID }) {
		return
	}

	if err := s.reg.Logout(req.UserID); err != nil {
		s.log.Error().Err(err).Str("tenant", req.UserID).Msg("Logout failed")
		s.tenantError(w, "logout failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "logged out of WhatsApp",
	})
}

func (s *Server) handleSendOne(w http.ResponseWriter, r *http.Request) {
	var req sendOneRequest
	if !decode(w, r, &req, func() string { return req.UserID }) {
		return
	}
	if !s.reg.IsReady(req.UserID) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Success: false, Error: session.ErrNotReady.Error()})
		return
	}
	if strings.TrimSpace(req.Phone) == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Success: false, Error: "phone and message are required"})
		return
	}
	if !s.limiter.Allow(req.UserID) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Success: false, Error: "too many requests"})
		return
	}

	writeJSON(w, http.StatusOK, s.reg.Send(r.Context(), req.UserID, req.Phone, req.Message))
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decode(w, r, &req, func() string { return req.UserID }) {
		return
	}
	if !s.reg.IsReady(req.UserID) {
		writeError(w, http.StatusBadRequest, session.ErrNotReady.Error(), nil)
		return
	}
	if limit := s.opts.MaxBulkRecipients; limit > 0 && len(req.Recipients) > limit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d recipients per request", limit), nil)
		return
	}

	delay := s.opts.BulkDelay
	if req.Delay != nil && *req.Delay >= 0 {
		delay = time.Duration(*req.Delay) * time.Millisecond
	}
	c := campaign.Campaign{
		Recipients: recipients(req.Recipients),
		Template:   req.MessageTemplate,
		Delay:      delay,
	}
	if err := c.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if !s.limiter.Allow(req.UserID) {
		writeError(w, http.StatusTooManyRequests, "too many requests", nil)
		return
	}

	report, err := s.runner.Run(r.Context(), req.UserID, c)
	if err != nil {
		// The caller went away; nobody reads the partial report.
		s.log.Warn().Err(err).Str("tenant", req.UserID).Msg("Bulk send aborted")
		writeError(w, http.StatusServiceUnavailable, "send aborted", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("send finished: %d succeeded, %d failed", report.Summary.Success, report.Summary.Failed),
		"results": report.Results,
		"summary": report.Summary,
	})
}

// recipients flattens JSON rows to strings so numeric columns can be
// used in templates too.
func recipients(rows []map[string]any) []campaign.Recipient {
	out := make([]campaign.Recipient, 0, len(rows))
	for _, row := range rows {
		rcpt := make(campaign.Recipient, len(row))
		for k, v := range row {
			switch val := v.(type) {
			case nil:
			case string:
				rcpt[k] = val
			case float64:
				rcpt[k] = fmt.Sprintf("%.15g", val)
			default:
				rcpt[k] = fmt.Sprint(val)
			}
		}
		out = append(out, rcpt)
	}
	return out
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if !decode(w, r, &req, func() string { return req.UserID }) {
		return
	}
	if !s.reg.IsReady(req.UserID) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   "WhatsApp is not connected",
			"user":    nil,
		})
		return
	}

	info, err := s.reg.UserInfo(r.Context(), req.UserID)
	if err != nil {
		s.log.Error().Err(err).Str("tenant", req.UserID).Msg("Get user info failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
			"user":    nil,
		})
		return
	}
	if info == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   "could not load user info",
			"user":    nil,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    info,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
