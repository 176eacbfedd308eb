package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mkrav/outreach/internal/template"
)

// TemplateCreateRequest is the request for creating a template
type TemplateCreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Subject     string `json:"subject"`
	Text        string `json:"text,omitempty"`
	HTML        string `json:"html,omitempty"`
}

// TemplateUpdateRequest is the request for updating a template
type TemplateUpdateRequest struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Text        string `json:"text,omitempty"`
	HTML        string `json:"html,omitempty"`
}

// TemplateResponse is the API view of a template with its placeholder keys.
type TemplateResponse struct {
	*template.Template
	Placeholders []string `json:"placeholders,omitempty"`
}

// TemplateListResponse is the response for listing templates
type TemplateListResponse struct {
	Templates []TemplateResponse `json:"templates"`
	Total     int                `json:"total"`
}

// TemplatePreviewRequest carries sample recipient attributes for a preview.
type TemplatePreviewRequest struct {
	Attributes map[string]string `json:"attributes"`
}

func templateResponse(tmpl *template.Template) TemplateResponse {
	return TemplateResponse{Template: tmpl, Placeholders: tmpl.Placeholders()}
}

// handleCreateTemplate handles POST /api/v1/templates
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tmpl := &template.Template{
		Name:        req.Name,
		Description: req.Description,
		Subject:     req.Subject,
		Text:        req.Text,
		HTML:        req.HTML,
	}

	if err := s.templates.Create(r.Context(), tmpl); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			s.sendError(w, http.StatusConflict, err.Error())
			return
		}
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.sendJSON(w, http.StatusCreated, templateResponse(tmpl))
}

// handleListTemplates handles GET /api/v1/templates
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	filter := template.ListFilter{
		Search: r.URL.Query().Get("search"),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}

	templates, err := s.templates.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list templates", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list templates")
		return
	}

	response := TemplateListResponse{
		Templates: make([]TemplateResponse, len(templates)),
		Total:     len(templates),
	}
	for i, tmpl := range templates {
		response.Templates[i] = templateResponse(tmpl)
	}
	s.sendJSON(w, http.StatusOK, response)
}

// getTemplate resolves a path segment as a template id, then as a name.
func (s *Server) getTemplate(r *http.Request) (*template.Template, error) {
	id := chi.URLParam(r, "id")
	tmpl, err := s.templates.Get(r.Context(), id)
	if errors.Is(err, template.ErrNotFound) {
		return s.templates.GetByName(r.Context(), id)
	}
	return tmpl, err
}

// handleGetTemplate handles GET /api/v1/templates/{id}
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.getTemplate(r)
	if err != nil {
		if errors.Is(err, template.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Template not found")
			return
		}
		s.logger.Error("failed to get template", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get template")
		return
	}

	s.sendJSON(w, http.StatusOK, templateResponse(tmpl))
}

// handleUpdateTemplate handles PUT /api/v1/templates/{id}
func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tmpl, err := s.getTemplate(r)
	if err != nil {
		if errors.Is(err, template.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Template not found")
			return
		}
		s.logger.Error("failed to get template", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get template")
		return
	}

	if req.Name != "" {
		tmpl.Name = req.Name
	}
	if req.Description != "" {
		tmpl.Description = req.Description
	}
	if req.Subject != "" {
		tmpl.Subject = req.Subject
	}
	if req.Text != "" {
		tmpl.Text = req.Text
	}
	if req.HTML != "" {
		tmpl.HTML = req.HTML
	}

	if err := s.templates.Update(r.Context(), tmpl); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			s.sendError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("failed to update template", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to update template")
		return
	}

	s.sendJSON(w, http.StatusOK, templateResponse(tmpl))
}

// handleDeleteTemplate handles DELETE /api/v1/templates/{id}
func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.templates.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.logger.Error("failed to delete template", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete template")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handlePreviewTemplate handles POST /api/v1/templates/{id}/preview
func (s *Server) handlePreviewTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplatePreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tmpl, err := s.getTemplate(r)
	if err != nil {
		if errors.Is(err, template.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Template not found")
			return
		}
		s.logger.Error("failed to get template", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get template")
		return
	}

	rendered := s.renderer.Render(tmpl.Subject, tmpl.Text, tmpl.HTML, req.Attributes)
	s.sendJSON(w, http.StatusOK, rendered)
}
