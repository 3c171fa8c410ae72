package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/iceplant/mrbac/internal/audit"
	"github.com/iceplant/mrbac/internal/platform/httpx"
)

// Handler serves the access queries and the administrative API.
type Handler struct {
	logger    *slog.Logger
	authority *Authority
	timeline  *audit.Service
	rbac      Middleware
	validator *validator.Validate
}

// NewHandler builds a Handler. timeline may be nil when no mutation log is
// configured.
func NewHandler(logger *slog.Logger, authority *Authority, timeline *audit.Service, rbac Middleware) *Handler {
	return &Handler{
		logger:    logger,
		authority: authority,
		timeline:  timeline,
		rbac:      rbac,
		validator: validator.New(),
	}
}

// MountRoutes registers the API routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Authenticate)
		r.Get("/mapping", h.showMapping)
		r.Get("/access/modules/{module}", h.checkModule)
		r.Get("/access/permissions/{app}/{codename}", h.checkPermission)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAdmin())
		r.Post("/groups", h.createGroup)
		r.Delete("/groups/{name}", h.deleteGroup)
		r.Patch("/groups/{name}/modules", h.setModules)
		r.Put("/groups/{name}/modules", h.replaceModules)
		r.Post("/sync", h.sync)
		r.Get("/mutations", h.listMutations)
	})
}

type createGroupRequest struct {
	Name string `json:"name" validate:"required,max=128"`
}

type setModulesRequest struct {
	Modules map[string]bool `json:"modules" validate:"required,min=1"`
}

type replaceModulesRequest struct {
	Modules []string `json:"modules" validate:"dive,required"`
}

type syncRequest struct {
	Group string `json:"group" validate:"omitempty,max=128"`
}

type mappingResponse struct {
	Mapping     map[string][]string `json:"mapping"`
	PendingSync []string            `json:"pending_sync"`
}

type decisionResponse struct {
	Subject string `json:"subject"`
	Target  string `json:"target"`
	Allowed bool   `json:"allowed"`
}

func (h *Handler) showMapping(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, mappingResponse{
		Mapping:     h.authority.CurrentMapping(),
		PendingSync: h.authority.PendingSync(),
	})
}

func (h *Handler) checkModule(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFromContext(r.Context())
	module := chi.URLParam(r, "module")
	httpx.JSON(w, http.StatusOK, decisionResponse{
		Subject: subject.ID,
		Target:  module,
		Allowed: h.authority.CanAccessModule(subject, module),
	})
}

func (h *Handler) checkPermission(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFromContext(r.Context())
	app, codename := chi.URLParam(r, "app"), chi.URLParam(r, "codename")
	httpx.JSON(w, http.StatusOK, decisionResponse{
		Subject: subject.ID,
		Target:  app + "." + codename,
		Allowed: h.authority.HasPermission(subject, app, codename),
	})
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !h.decode(w, r, &req) {
		return
	}
	subject, _ := SubjectFromContext(r.Context())
	res, err := h.authority.CreateGroup(r.Context(), subject, CreateGroupParams{Name: req.Name})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFromContext(r.Context())
	res, err := h.authority.DeleteGroup(r.Context(), subject, DeleteGroupParams{Name: chi.URLParam(r, "name")})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) setModules(w http.ResponseWriter, r *http.Request) {
	var req setModulesRequest
	if !h.decode(w, r, &req) {
		return
	}
	subject, _ := SubjectFromContext(r.Context())
	res, err := h.authority.SetModules(r.Context(), subject, SetModulesParams{
		Group:   chi.URLParam(r, "name"),
		Modules: req.Modules,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) replaceModules(w http.ResponseWriter, r *http.Request) {
	var req replaceModulesRequest
	if !h.decode(w, r, &req) {
		return
	}
	subject, _ := SubjectFromContext(r.Context())
	res, err := h.authority.ReplaceModules(r.Context(), subject, ReplaceModulesParams{
		Group:   chi.URLParam(r, "name"),
		Modules: req.Modules,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	subject, _ := SubjectFromContext(r.Context())
	res, err := h.authority.Sync(r.Context(), subject, SyncRequest{Group: req.Group})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) listMutations(w http.ResponseWriter, r *http.Request) {
	if h.timeline == nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "mutation log not configured")
		return
	}
	filters, err := parseTimelineFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "csv" {
		entries, err := h.timeline.Export(r.Context(), filters)
		if err != nil {
			h.logger.Error("export mutations", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="mrbac_mutations.csv"`)
		if err := audit.WriteCSV(w, entries); err != nil {
			h.logger.Error("write mutations csv", slog.Any("error", err))
		}
		return
	}
	result, err := h.timeline.Timeline(r.Context(), filters)
	if errors.Is(err, audit.ErrPageOutOfRange) {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	if err != nil {
		h.logger.Error("list mutations", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func parseTimelineFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	filters := audit.TimelineFilters{
		Group: q.Get("group"),
		Kind:  audit.Kind(q.Get("kind")),
		Actor: q.Get("actor"),
	}
	for name, dst := range map[string]*int{"page": &filters.Page, "page_size": &filters.PageSize} {
		if raw := q.Get(name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return filters, fmt.Errorf("%w: %s must be a non-negative integer", httpx.ErrValidation, name)
			}
			if name == "page" && n > audit.MaxPage {
				return filters, fmt.Errorf("%w: page must not exceed %d", httpx.ErrValidation, audit.MaxPage)
			}
			*dst = n
		}
	}
	for name, dst := range map[string]*time.Time{"from": &filters.From, "to": &filters.To} {
		if raw := q.Get(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return filters, fmt.Errorf("%w: %s must be RFC3339", httpx.ErrValidation, name)
			}
			*dst = t
		}
	}
	return filters, nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			err = errors.New(strings.Join(msgs, "; "))
		}
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status, title := http.StatusInternalServerError, "Internal Error"
	switch KindOf(err) {
	case KindValidation:
		status, title = http.StatusBadRequest, "Validation Failed"
	case KindNotFound:
		status, title = http.StatusNotFound, "Not Found"
	case KindProtected:
		status, title = http.StatusConflict, "Protected"
	case KindAlreadyExists:
		status, title = http.StatusConflict, "Already Exists"
	case KindForbidden:
		status, title = http.StatusForbidden, "Forbidden"
	case KindPersistence:
		status, title = http.StatusServiceUnavailable, "Persistence Failed"
	case KindSync:
		status, title = http.StatusBadGateway, "Sync Failed"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("rbac api", slog.Any("error", err))
	}
	kind := KindOf(err)
	detail := MessageOf(err)
	if kind == KindInternal {
		detail = ""
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			status, title = http.StatusGatewayTimeout, "Timeout"
			detail = "request ended before the mutation finished; it will still complete"
		}
	}
	httpx.ProblemKind(w, status, title, string(kind), detail)
}
