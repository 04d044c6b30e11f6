// internal/api/http/handler.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"concurrency-guard/internal/domain"
	"concurrency-guard/internal/metrics"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AdmissionStatus is the read side of the admission controller.
type AdmissionStatus interface {
	Status() domain.LoadSnapshot
	SuggestedDelay() time.Duration
}

// LockAdmin is the administrative side of the lock coordinator.
type LockAdmin interface {
	Owner() string
	IsLocked(ctx context.Context, key string) (bool, error)
	ForceRelease(ctx context.Context, key string) error
}

// InstanceLister lists the guardd instances sharing the lock store.
type InstanceLister interface {
	List(ctx context.Context) (map[string]string, error)
}

// Handler serves the operator API.
type Handler struct {
	admission AdmissionStatus
	locks     LockAdmin
	audits    domain.AuditRepository
	instances InstanceLister // nil when the store has no registry
	logger    *slog.Logger
	validate  *validator.Validate
	tracer    trace.Tracer
	now       func() time.Time
}

// NewHandler creates a new Handler. instances may be nil.
func NewHandler(admission AdmissionStatus, locks LockAdmin, audits domain.AuditRepository, instances InstanceLister, logger *slog.Logger) *Handler {
	return &Handler{
		admission: admission,
		locks:     locks,
		audits:    audits,
		instances: instances,
		logger:    logger.With("component", "operator-api"),
		validate:  validator.New(),
		tracer:    otel.Tracer("concurrency-guard-api"),
		now:       time.Now,
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the operator routes to the http.ServeMux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/admission/status", h.instrument(func(*http.Request) string { return "/admission/status" }, h.handleAdmissionStatus))
	mux.Handle("/locks/", h.instrument(lockRouteLabel, h.handleLocks))
	mux.Handle("/instances", h.instrument(func(*http.Request) string { return "/instances" }, h.handleInstances))
}

// instrument wraps a handler with a span and the request counter. label
// maps the request to a low-cardinality route name.
func (h *Handler) instrument(label func(*http.Request) string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := label(r)

		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

func lockRouteLabel(r *http.Request) string {
	key, action, id := splitLockPath(r.URL.Path)
	switch {
	case key == "":
		return "/locks/"
	case action == "audit" && id != "":
		return "/locks/{key}/audit/{id}"
	case action == "audit":
		return "/locks/{key}/audit"
	default:
		return "/locks/{key}"
	}
}

// splitLockPath parses /locks/{key}[/audit[/{id}]]. Keys may contain
// slashes, so the audit suffix is matched from the right.
func splitLockPath(p string) (key, action, id string) {
	rest := strings.TrimPrefix(p, "/locks/")
	if i := strings.LastIndex(rest, "/audit/"); i > 0 && !strings.Contains(rest[i+len("/audit/"):], "/") {
		return rest[:i], "audit", rest[i+len("/audit/"):]
	}
	if k, ok := strings.CutSuffix(rest, "/audit"); ok && k != "" {
		return k, "audit", ""
	}
	return rest, "", ""
}

// handleLocks is a general dispatcher for the /locks/ path
func (h *Handler) handleLocks(w http.ResponseWriter, r *http.Request) {
	key, action, id := splitLockPath(r.URL.Path)
	if key == "" {
		http.Error(w, "Lock key is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		switch {
		case action == "audit" && id != "":
			h.handleGetAudit(w, r, key, id)
		case action == "audit":
			h.handleListAudit(w, r, key)
		default:
			h.handleGetLock(w, r, key)
		}
	case http.MethodDelete:
		if action != "" {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleForceRelease(w, r, key)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAdmissionStatus reports the current load (GET /admission/status)
func (h *Handler) handleAdmissionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, AdmissionStatusResponse{
		LoadSnapshot:     h.admission.Status(),
		SuggestedDelayMs: h.admission.SuggestedDelay().Milliseconds(),
	})
}

func (h *Handler) handleGetLock(w http.ResponseWriter, r *http.Request, key string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetLock")
	defer span.End()
	span.SetAttributes(attribute.String("lock.key", key))

	locked, err := h.locks.IsLocked(ctx, key)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to read lock state")
		span.RecordError(err)
		h.logger.Error("error reading lock state", "key", key, "error", err)
		http.Error(w, "Lock store unavailable", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, LockStatusResponse{Key: key, Locked: locked})
}

// handleForceRelease clears a lock on behalf of an operator and records
// who did it and why (DELETE /locks/{key}).
func (h *Handler) handleForceRelease(w http.ResponseWriter, r *http.Request, key string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ForceRelease")
	defer span.End()
	span.SetAttributes(attribute.String("lock.key", key))

	var req ForceReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var validationErrors []string
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			for _, fe := range fieldErrors {
				validationErrors = append(validationErrors,
					"Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.",
				)
			}
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Validation failed",
			"details": validationErrors,
		})
		return
	}
	span.SetAttributes(attribute.String("operator", req.Operator))

	record := req.ToAuditRecord(uuid.NewString(), key, h.locks.Owner(), h.now())

	// Best effort: the audit trail should say whether anything was held.
	if locked, err := h.locks.IsLocked(ctx, key); err == nil {
		record.WasLocked = locked
	}

	releaseErr := h.locks.ForceRelease(ctx, key)
	if releaseErr != nil {
		record.Error = releaseErr.Error()
		span.SetStatus(codes.Error, "Force release failed")
		span.RecordError(releaseErr)
	}

	if err := h.audits.Save(ctx, record); err != nil {
		metrics.AuditRecordsTotal.WithLabelValues("false").Inc()
		// The release already happened; losing the record must not hide it.
		h.logger.Error("failed to save force release audit record",
			"key", key, "operator", req.Operator, "audit_id", record.ID, "error", err)
	} else {
		metrics.AuditRecordsTotal.WithLabelValues("true").Inc()
	}

	if releaseErr != nil {
		h.logger.Error("force release failed", "key", key, "operator", req.Operator, "error", releaseErr)
		http.Error(w, "Force release failed", statusFor(releaseErr))
		return
	}

	h.logger.Warn("lock force released by operator",
		"key", key, "operator", req.Operator, "reason", req.Reason, "was_locked", record.WasLocked)
	writeJSON(w, http.StatusOK, record)
}

// handleListAudit lists force releases for a key (GET /locks/{key}/audit)
func (h *Handler) handleListAudit(w http.ResponseWriter, r *http.Request, key string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListAudit")
	defer span.End()
	span.SetAttributes(attribute.String("lock.key", key))

	// Parse pagination parameters
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20 // default and max page size
	}
	span.SetAttributes(attribute.Int("page", page), attribute.Int("page_size", pageSize))

	records, err := h.audits.ListByKey(ctx, key, page, pageSize)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to list audit records")
		span.RecordError(err)
		h.logger.Error("error listing audit records", "key", key, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleGetAudit(w http.ResponseWriter, r *http.Request, key, id string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetAudit")
	defer span.End()
	span.SetAttributes(attribute.String("lock.key", key), attribute.String("audit.id", id))

	record, err := h.audits.Get(ctx, key, id)
	if err != nil {
		if errors.Is(err, domain.ErrAuditNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		span.SetStatus(codes.Error, "Failed to get audit record")
		span.RecordError(err)
		h.logger.Error("error getting audit record", "key", key, "audit_id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleInstances lists registered instances (GET /instances)
func (h *Handler) handleInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.instances == nil {
		writeJSON(w, http.StatusOK, map[string]string{h.locks.Owner(): ""})
		return
	}

	instances, err := h.instances.List(r.Context())
	if err != nil {
		h.logger.Error("error listing instances", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrLockStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
