package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/iceplant/mrbac/internal/platform/httpx"
)

// Headers read by HeaderResolver. An authenticating proxy in front of the
// daemon is expected to set them.
const (
	HeaderSubjectID        = "X-Subject-ID"
	HeaderSubjectGroups    = "X-Subject-Groups"
	HeaderSubjectSuperuser = "X-Subject-Superuser"
)

type subjectKey struct{}

// WithSubject stores subject on ctx.
func WithSubject(ctx context.Context, subject Subject) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the subject stored by the middleware.
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	s, ok := ctx.Value(subjectKey{}).(Subject)
	return s, ok
}

// SubjectResolver extracts the acting subject from a request.
type SubjectResolver func(*http.Request) (Subject, bool)

// HeaderResolver reads the subject from the X-Subject-* headers.
func HeaderResolver(r *http.Request) (Subject, bool) {
	id := strings.TrimSpace(r.Header.Get(HeaderSubjectID))
	if id == "" {
		return Subject{}, false
	}
	s := Subject{ID: id}
	for _, g := range strings.Split(r.Header.Get(HeaderSubjectGroups), ",") {
		if g = strings.TrimSpace(g); g != "" {
			s.Groups = append(s.Groups, g)
		}
	}
	if raw := r.Header.Get(HeaderSubjectSuperuser); raw != "" {
		s.Superuser, _ = strconv.ParseBool(raw)
	}
	return s, true
}

// Middleware exposes the access predicates to HTTP handlers.
type Middleware struct {
	Authority *Authority
	Resolve   SubjectResolver
	Logger    *slog.Logger
}

// Authenticate resolves the subject and stores it on the request context.
// Requests without a subject are rejected.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := SubjectFromContext(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}
		subject, ok := m.resolver()(r)
		if !ok {
			httpx.ProblemKind(w, http.StatusUnauthorized, "Unauthorized", "", "subject required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
	})
}

// RequireModule only lets subjects that may access module through.
func (m Middleware) RequireModule(module string) func(http.Handler) http.Handler {
	return m.require(func(s Subject) bool {
		return m.Authority.CanAccessModule(s, module)
	}, slog.String("module", module))
}

// RequirePermission only lets subjects holding app.codename through.
func (m Middleware) RequirePermission(app, codename string) func(http.Handler) http.Handler {
	return m.require(func(s Subject) bool {
		return m.Authority.HasPermission(s, app, codename)
	}, slog.String("permission", app+"."+codename))
}

// RequireAdmin only lets subjects allowed to mutate the mapping through.
func (m Middleware) RequireAdmin() func(http.Handler) http.Handler {
	return m.require(m.Authority.CanAdminister, slog.String("permission", "admin"))
}

func (m Middleware) require(allowed func(Subject) bool, attr slog.Attr) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, _ := SubjectFromContext(r.Context())
			if allowed(subject) {
				next.ServeHTTP(w, r)
				return
			}
			if m.Logger != nil {
				m.Logger.Info("rbac denied", slog.String("subject", subject.ID), attr, slog.String("path", r.URL.Path))
			}
			httpx.ProblemKind(w, http.StatusForbidden, "Forbidden", string(KindForbidden), http.StatusText(http.StatusForbidden))
		}))
	}
}

func (m Middleware) resolver() SubjectResolver {
	if m.Resolve != nil {
		return m.Resolve
	}
	return HeaderResolver
}
