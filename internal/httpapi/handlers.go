package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"points-service/internal/dispatch"
	"points-service/internal/hub"
	"points-service/internal/ledger"
	"points-service/internal/model"
)

const (
	maxBodyBytes = 1 << 20

	// bounds recording a failed dispatch once the request itself may be gone
	dispatchFailureTimeout = 5 * time.Second
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"live_streams": s.hub.Users(),
	})
}

func (s *Server) handleCheckPoints(w http.ResponseWriter, r *http.Request) {
	var required int64
	if raw := r.URL.Query().Get("required"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			s.writeError(w, r, &ledger.ValidationError{Field: "required", Message: "must be a non-negative integer"})
			return
		}
		required = v
	}

	res, err := s.ledger.PreCheck(r.Context(), UserID(r.Context()), required)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type generateRequest struct {
	Product      map[string]any `json:"product"`
	PromptConfig map[string]any `json:"prompt_config"`
}

type generateResponse struct {
	Success        bool   `json:"success"`
	JobID          string `json:"job_id"`
	Status         string `json:"status"`
	PointsRequired int64  `json:"points_required"`
	CallbackURL    string `json:"callback_url"`
}

// handleGenerate pre-checks the balance and hands the job to the user's
// workflow engine. Nothing is reserved; the debit happens on completion.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())

	var req generateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, r, &ledger.ValidationError{Field: "body", Message: "must be a JSON object"})
			return
		}
	}

	check, err := s.ledger.PreCheck(r.Context(), userID, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !check.Allowed {
		s.writeError(w, r, &ledger.InsufficientBalanceError{Current: check.Balance, Required: check.Required})
		return
	}

	webhookURL, err := s.preferences.WebhookURL(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, ledger.WrapStore("preferences", err))
		return
	}

	jobID := uuid.NewString()
	s.ledger.MarkProcessing(userID, jobID)

	callbackURL := s.cfg.PublicBaseURL + "/api/video/callback"
	err = s.dispatcher.Initiate(r.Context(), webhookURL, dispatch.Request{
		JobID:              jobID,
		UserID:             userID,
		Product:            req.Product,
		PromptConfig:       req.PromptConfig,
		PointsCost:         check.Required,
		CallbackURL:        callbackURL,
		FailureCallbackURL: s.cfg.PublicBaseURL + "/api/video/callback/failure",
	})
	if err != nil {
		// the engine never took the job, so record it as failed the same
		// way its failure callback would have, even if the client left
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), dispatchFailureTimeout)
		defer cancel()
		if _, ferr := s.ledger.HandleCompletion(ctx, ledger.Completion{
			UserID:  userID,
			JobID:   jobID,
			Outcome: ledger.OutcomeFailure,
			Reason:  err.Error(),
		}); ferr != nil {
			s.log.WithError(ferr).WithField("job_id", jobID).Warn("failed to record dispatch failure")
		}
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, generateResponse{
		Success:        true,
		JobID:          jobID,
		Status:         "processing",
		PointsRequired: check.Required,
		CallbackURL:    callbackURL,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())

	stream := s.hub.Register(userID)
	defer s.hub.Unregister(userID, stream)

	log := s.log.WithFields(logrus.Fields{
		"user_id":   userID,
		"stream_id": stream.ID,
	})
	log.Info("live stream opened")

	if err := hub.Serve(r.Context(), w, stream, s.cfg.KeepAlive); err != nil {
		if errors.Is(err, hub.ErrStreamingUnsupported) {
			s.writeError(w, r, err)
			return
		}
		log.WithError(err).Debug("live stream write failed")
	}
	log.Info("live stream closed")
}

func readJSON(r *http.Request) (gjson.Result, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return gjson.Result{}, &ledger.ValidationError{Field: "body", Message: "could not be read"}
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return gjson.Result{}, &ledger.ValidationError{Field: "body", Message: "must be a JSON object"}
	}
	return gjson.ParseBytes(body), nil
}

// first returns the first present value among paths. Workflow engines
// differ in casing and nesting of the same field.
func first(doc gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// decodeCompletion reads a completion callback. Numeric user ids and
// points sent as strings are accepted.
func decodeCompletion(doc gjson.Result) (ledger.Completion, error) {
	c := ledger.Completion{
		UserID:    strings.TrimSpace(first(doc, "user_id", "userId", "data.user_id").String()),
		JobID:     strings.TrimSpace(first(doc, "job_id", "jobId", "video_id", "data.job_id").String()),
		ResultURL: first(doc, "result_url", "video_url", "resultUrl", "videoUrl", "data.video_url").String(),
		Reason:    first(doc, "reason", "error_message", "error.message", "error").String(),
	}

	if points := first(doc, "points_to_deduct", "pointsToDeduct", "points"); points.Exists() {
		v, err := strconv.ParseInt(strings.TrimSpace(points.String()), 10, 64)
		if err != nil {
			return c, &ledger.ValidationError{Field: "points_to_deduct", Message: "must be an integer"}
		}
		c.PointsToDeduct = v
	}

	status := strings.ToLower(strings.TrimSpace(first(doc, "status", "outcome").String()))
	switch status {
	case "success", "succeeded", "completed", "complete", "done":
		c.Outcome = ledger.OutcomeSuccess
	case "failure", "failed", "error":
		c.Outcome = ledger.OutcomeFailure
	case "":
		// without a status only an explicit success flag decides; an
		// ambiguous payload is rejected rather than billed
		if ok := doc.Get("success"); ok.IsBool() {
			if ok.Bool() {
				c.Outcome = ledger.OutcomeSuccess
			} else {
				c.Outcome = ledger.OutcomeFailure
			}
		}
	default:
		c.Outcome = ledger.Outcome(status)
	}

	return c, nil
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	doc, err := readJSON(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	c, err := decodeCompletion(doc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.complete(w, r, c)
}

func (s *Server) handleFailureCallback(w http.ResponseWriter, r *http.Request) {
	doc, err := readJSON(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	c, err := decodeCompletion(doc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c.Outcome = ledger.OutcomeFailure
	if c.Reason == "" {
		c.Reason = "generation failed"
	}
	s.complete(w, r, c)
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request, c ledger.Completion) {
	res, err := s.ledger.HandleCompletion(r.Context(), c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(mux.Vars(r)["job_id"])
	writeJSON(w, http.StatusOK, s.ledger.Status(jobID))
}

func (s *Server) handlePublication(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var succeeded bool
	switch vars["outcome"] {
	case "success":
		succeeded = true
	case "error":
	default:
		s.writeError(w, r, &ledger.ValidationError{Field: "outcome", Message: "must be success or error"})
		return
	}

	doc, err := readJSON(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	platform := vars["platform"]
	if platform == "" {
		platform = first(doc, "platform").String()
	}

	err = s.ledger.RecordOutcome(r.Context(), ledger.Publication{
		UserID:       first(doc, "user_id", "userId").String(),
		JobID:        first(doc, "job_id", "jobId", "video_id").String(),
		Platform:     platform,
		Succeeded:    succeeded,
		ErrorMessage: first(doc, "error_message", "error.message", "error", "message").String(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := s.ledger.History(r.Context(), UserID(r.Context()), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": entries,
		"count":        len(entries),
	})
}

type adjustRequest struct {
	UserID      string     `json:"user_id"`
	Points      int64      `json:"points"`
	Type        model.Kind `json:"type"`
	Description string     `json:"description"`
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, &ledger.ValidationError{Field: "body", Message: "must be a JSON object"})
		return
	}
	if req.Type == "" {
		req.Type = model.KindBonus
		if req.Points < 0 {
			req.Type = model.KindPenalty
		}
	}

	balance, err := s.ledger.Adjust(r.Context(), req.UserID, req.Points, req.Type, req.Description)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.log.WithFields(logrus.Fields{
		"admin_id": UserID(r.Context()),
		"user_id":  req.UserID,
		"points":   req.Points,
	}).Info("administrative adjustment applied")

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     req.UserID,
		"new_balance": balance,
	})
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	url, err := s.preferences.WebhookURL(r.Context(), UserID(r.Context()))
	if err != nil {
		s.writeError(w, r, ledger.WrapStore("preferences", err))
		return
	}

	resp := map[string]any{"webhook_url": url}
	if host := hostOf(url); host != "" && dispatch.IsLoopback(host) {
		resp["hint"] = dispatch.Hint(host, dispatch.KindUnreachable)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePutWebhook(w http.ResponseWriter, r *http.Request) {
	doc, err := readJSON(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	url := strings.TrimSpace(doc.Get("webhook_url").String())
	host := hostOf(url)
	if host == "" {
		s.writeError(w, r, &ledger.ValidationError{Field: "webhook_url", Message: "must be an absolute http(s) URL"})
		return
	}

	if err := s.preferences.SaveWebhookURL(r.Context(), UserID(r.Context()), url); err != nil {
		s.writeError(w, r, ledger.WrapStore("preferences", err))
		return
	}

	resp := map[string]any{"webhook_url": url}
	if dispatch.IsLoopback(host) {
		resp["hint"] = dispatch.Hint(host, dispatch.KindUnreachable)
	}
	writeJSON(w, http.StatusOK, resp)
}
