package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/fragments/internal/domain"
	"github.com/ashureev/fragments/internal/identity"
	"github.com/ashureev/fragments/internal/store"
	"github.com/ashureev/fragments/internal/stream"
	"github.com/ashureev/fragments/internal/workflow"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const maxValueLength = 10000

// ProjectHandler serves projects, their conversations, fragments and run
// streams.
type ProjectHandler struct {
	repo    store.Repository
	trigger Triggerer
	hub     *stream.Hub
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewProjectHandler creates a project handler. limiter may be nil.
func NewProjectHandler(repo store.Repository, trigger Triggerer, hub *stream.Hub, limiter *RateLimiter, logger *slog.Logger) *ProjectHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProjectHandler{repo: repo, trigger: trigger, hub: hub, limiter: limiter, logger: logger}
}

// RegisterRoutes registers project routes.
func (h *ProjectHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if h.limiter != nil {
				r.Use(h.limiter.Middleware(identity.ClientKey))
			}
			r.Post("/projects", h.CreateProject)
			r.Post("/projects/{projectID}/messages", h.CreateMessage)
		})
		r.Get("/projects", h.ListProjects)
		r.Get("/projects/{projectID}", h.GetProject)
		r.Get("/projects/{projectID}/messages", h.ListMessages)
		r.Get("/fragments/{fragmentID}", h.GetFragment)
		r.Get("/invocations/{invocationID}", h.GetInvocation)
	})
	r.Get("/ws/projects/{projectID}", h.Stream)
}

type valueRequest struct {
	Value string `json:"value"`
}

func validateValue(value string) (string, bool) {
	if strings.TrimSpace(value) == "" {
		return "Value is required", false
	}
	if utf8.RuneCountInString(value) > maxValueLength {
		return "Value is too long", false
	}
	return "", true
}

func newUserMessage(projectID, value string) *domain.Message {
	return &domain.Message{
		ID:        ulid.Make().String(),
		ProjectID: projectID,
		Role:      domain.RoleUser,
		Type:      domain.MessageTypeResult,
		Content:   value,
		CreatedAt: time.Now(),
	}
}

// CreateProject creates a project with its first message and starts a run.
func (h *ProjectHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg, ok := validateValue(req.Value); !ok {
		Error(w, http.StatusBadRequest, msg)
		return
	}

	ctx := r.Context()
	now := time.Now()
	project := &domain.Project{
		ID:        uuid.NewString(),
		Name:      generateProjectName(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.CreateProject(ctx, project); err != nil {
		h.logger.Error("Failed to create project", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create project")
		return
	}
	if err := h.repo.CreateMessage(ctx, newUserMessage(project.ID, req.Value)); err != nil {
		h.logger.Error("Failed to create message", "error", err, "project_id", project.ID)
		Error(w, http.StatusInternalServerError, "failed to create message")
		return
	}

	invocationID, err := h.trigger.Trigger(ctx, workflow.Event{ProjectID: project.ID, Value: req.Value})
	if err != nil {
		h.logger.Error("Failed to trigger workflow", "error", err, "project_id", project.ID)
		Error(w, http.StatusServiceUnavailable, "failed to start generation")
		return
	}

	h.logger.Info("Project created", "project_id", project.ID, "name", project.Name, "invocation_id", invocationID)
	JSON(w, http.StatusCreated, map[string]interface{}{
		"project":       project,
		"invocation_id": invocationID,
	})
}

// CreateMessage appends a user message to a project and starts a run.
func (h *ProjectHandler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var req valueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg, ok := validateValue(req.Value); !ok {
		Error(w, http.StatusBadRequest, msg)
		return
	}

	ctx := r.Context()
	if _, err := h.repo.GetProject(ctx, projectID); err != nil {
		storeError(w, err, "project")
		return
	}
	msg := newUserMessage(projectID, req.Value)
	if err := h.repo.CreateMessage(ctx, msg); err != nil {
		h.logger.Error("Failed to create message", "error", err, "project_id", projectID)
		Error(w, http.StatusInternalServerError, "failed to create message")
		return
	}

	invocationID, err := h.trigger.Trigger(ctx, workflow.Event{ProjectID: projectID, Value: req.Value})
	if err != nil {
		h.logger.Error("Failed to trigger workflow", "error", err, "project_id", projectID)
		Error(w, http.StatusServiceUnavailable, "failed to start generation")
		return
	}

	JSON(w, http.StatusAccepted, map[string]interface{}{
		"message":       msg,
		"invocation_id": invocationID,
	})
}

// ListProjects returns every project, most recently updated first.
func (h *ProjectHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.repo.ListProjects(r.Context())
	if err != nil {
		h.logger.Error("Failed to list projects", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []*domain.Project{}
	}
	JSON(w, http.StatusOK, projects)
}

func (h *ProjectHandler) GetProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.repo.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		storeError(w, err, "project")
		return
	}
	JSON(w, http.StatusOK, project)
}

// ListMessages returns a project's conversation in chronological order.
func (h *ProjectHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, err := h.repo.GetProject(r.Context(), projectID); err != nil {
		storeError(w, err, "project")
		return
	}
	messages, err := h.repo.ListMessages(r.Context(), projectID)
	if err != nil {
		h.logger.Error("Failed to list messages", "error", err, "project_id", projectID)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	JSON(w, http.StatusOK, messages)
}

// GetFragment returns a fragment. Its digest doubles as the ETag.
func (h *ProjectHandler) GetFragment(w http.ResponseWriter, r *http.Request) {
	fragment, err := h.repo.GetFragment(r.Context(), chi.URLParam(r, "fragmentID"))
	if err != nil {
		storeError(w, err, "fragment")
		return
	}
	etag := `"` + fragment.Digest + `"`
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	JSON(w, http.StatusOK, fragment)
}

func (h *ProjectHandler) GetInvocation(w http.ResponseWriter, r *http.Request) {
	inv, err := h.repo.GetInvocation(r.Context(), chi.URLParam(r, "invocationID"))
	if err != nil {
		storeError(w, err, "invocation")
		return
	}
	JSON(w, http.StatusOK, inv)
}

// Stream upgrades to a websocket carrying the project's run events.
func (h *ProjectHandler) Stream(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, err := h.repo.GetProject(r.Context(), projectID); err != nil {
		storeError(w, err, "project")
		return
	}
	h.hub.Serve(w, r, projectID)
}
