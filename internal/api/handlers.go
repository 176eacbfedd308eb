package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mkrav/outreach/internal/account"
	"github.com/mkrav/outreach/internal/engine"
	"github.com/mkrav/outreach/internal/ratelimit"
	"github.com/mkrav/outreach/internal/store"
	"github.com/mkrav/outreach/internal/template"
)

// CampaignResponse is the API view of a campaign with derived progress.
type CampaignResponse struct {
	*store.Campaign
	Remaining int `json:"remaining"`
}

// AccountResponse combines pool health with current rate window usage.
type AccountResponse struct {
	account.Status
	Usage *ratelimit.Stats `json:"usage"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

func campaignResponse(c *store.Campaign) CampaignResponse {
	return CampaignResponse{Campaign: c, Remaining: c.Remaining()}
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := s.manager.CreateCampaign(r.Context(), &req)
	if err != nil {
		// An unknown template surfaces as the template store's sentinel.
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, template.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, err.Error())
			return
		}
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.sendJSON(w, http.StatusCreated, campaignResponse(c))
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.store.ListCampaigns(r.Context())
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}

	out := make([]CampaignResponse, len(campaigns))
	for i, c := range campaigns {
		out[i] = campaignResponse(c)
	}
	s.sendJSON(w, http.StatusOK, out)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Campaign not found")
			return
		}
		s.logger.Error("failed to get campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		return
	}

	s.sendJSON(w, http.StatusOK, campaignResponse(c))
}

// lifecycle wraps the start/pause/resume/stop transitions, which share
// their error mapping: unknown id is 404, an illegal transition is 409.
func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request,
	op func(r *http.Request, id string) (*store.Campaign, error)) {
	id := chi.URLParam(r, "id")

	c, err := op(r, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Campaign not found")
			return
		}
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, campaignResponse(c))
}

// handleStartCampaign handles POST /api/v1/campaigns/{id}/start
func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(r *http.Request, id string) (*store.Campaign, error) {
		return s.manager.StartCampaign(r.Context(), id)
	})
}

// handlePauseCampaign handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(r *http.Request, id string) (*store.Campaign, error) {
		return s.manager.PauseCampaign(r.Context(), id)
	})
}

// handleResumeCampaign handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(r *http.Request, id string) (*store.Campaign, error) {
		return s.manager.ResumeCampaign(r.Context(), id)
	})
}

// handleStopCampaign handles POST /api/v1/campaigns/{id}/stop
func (s *Server) handleStopCampaign(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(r *http.Request, id string) (*store.Campaign, error) {
		return s.manager.StopCampaign(r.Context(), id)
	})
}

// handleListRecipients handles GET /api/v1/campaigns/{id}/recipients
func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetCampaign(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Campaign not found")
			return
		}
		s.logger.Error("failed to get campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		return
	}

	filter := store.RecipientFilter{
		Status: store.RecipientStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}

	recipients, err := s.store.ListRecipients(r.Context(), id, filter)
	if err != nil {
		s.logger.Error("failed to list recipients", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list recipients")
		return
	}

	s.sendJSON(w, http.StatusOK, recipients)
}

// handleListAttempts handles GET /api/v1/campaigns/{id}/attempts
func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetCampaign(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Campaign not found")
			return
		}
		s.logger.Error("failed to get campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		return
	}

	attempts, err := s.store.ListAttempts(r.Context(), id, queryInt(r, "limit"))
	if err != nil {
		s.logger.Error("failed to list attempts", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list attempts")
		return
	}

	s.sendJSON(w, http.StatusOK, attempts)
}

// handleListAccounts handles GET /api/v1/accounts
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	statuses := s.pool.Snapshot()

	out := make([]AccountResponse, len(statuses))
	for i, st := range statuses {
		out[i] = AccountResponse{
			Status: st,
			Usage:  s.limiter.AccountStats(st.Name),
		}
	}
	s.sendJSON(w, http.StatusOK, out)
}

// handleTestAccount handles POST /api/v1/accounts/{name}/test. A successful
// check reactivates an account previously marked unhealthy.
func (s *Server) handleTestAccount(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	acct := s.pool.Get(name)
	if acct == nil {
		s.sendError(w, http.StatusNotFound, "Account not found")
		return
	}

	if err := s.checker.Check(r.Context(), acct); err != nil {
		s.logger.Warn("account test failed", "account", name, "error", err)
		s.sendJSON(w, http.StatusOK, map[string]string{
			"account": name,
			"status":  "failed",
			"error":   err.Error(),
		})
		return
	}

	s.pool.Reactivate(name)
	s.logger.Info("account test passed", "account", name)
	s.sendJSON(w, http.StatusOK, map[string]string{
		"account": name,
		"status":  "ok",
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: "0.1.0",
		Uptime:  time.Since(s.startTime).String(),
	})
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

func queryInt(r *http.Request, key string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(key))
	return v
}
