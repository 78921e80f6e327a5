package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/avlokan/internal/app"
	"github.com/shrimpsizemoose/avlokan/internal/metrics"
	"github.com/shrimpsizemoose/avlokan/internal/models"
	"github.com/shrimpsizemoose/avlokan/internal/verifier"
)

// MaxUploadSize bounds the multipart body of a certificate upload.
const MaxUploadSize = 10 << 20

type Identifier interface {
	Identify(r *http.Request) (*models.Actor, error)
}

type Verification interface {
	Verify(ctx context.Context, up verifier.Upload) error
	ManualAccept(ctx context.Context, actor *models.Actor, requestID, stagedPath string) error
	ManualAcceptUnsafe(ctx context.Context, actor *models.Actor, requestID string, in models.ManualMarks) error
	ManualReject(ctx context.Context, actor *models.Actor, requestID string) error
	DeclareNoCertificate(ctx context.Context, actor *models.Actor, requestID string) error
	RequestReview(ctx context.Context, actor *models.Actor, requestID string) error
	Certificate(ctx context.Context, actor *models.Actor, requestID string) (*models.Certificate, error)
	Comparison(ctx context.Context, actor *models.Actor, requestID string) (*models.Comparison, error)
}

type Stager interface {
	Stage(requestID string, r io.Reader) (string, error)
	Discard(staged string)
}

type StaleLister interface {
	ListStale(ctx context.Context) ([]models.RequestDetail, error)
}

type SubjectReporter interface {
	SubjectReport(ctx context.Context, subjectID string) (*bytes.Buffer, error)
}

type CertificateHandler struct {
	auth     Identifier
	verifier Verification
	files    Stager
	stale    StaleLister
	reports  SubjectReporter
	headers  func(map[string][]string) bool
}

func NewCertificateHandler(service *app.Service) *CertificateHandler {
	return &CertificateHandler{
		auth:     service.Auth,
		verifier: service.Verifier,
		files:    service.Files,
		stale:    service.Reconciler,
		reports:  service.Reporter,
		headers:  service.ValidateHeaders,
	}
}

type messageResponse struct {
	Message string `json:"message"`
}

type staleResponse struct {
	Requests []models.RequestDetail `json:"requests"`
}

func writeMessage(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, messageResponse{Message: msg})
}

// writeError maps package errors to a status code and a client message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *verifier.VerificationError
	switch {
	case errors.As(err, &verr):
		writeMessage(w, r, http.StatusBadRequest, verr.Remark)
	case errors.Is(err, verifier.ErrRequestNotFound),
		errors.Is(err, verifier.ErrNoCertificate):
		writeMessage(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, verifier.ErrAlreadyCompleted),
		errors.Is(err, verifier.ErrAlreadyProcessing),
		errors.Is(err, verifier.ErrInvalidState),
		errors.Is(err, verifier.ErrUnreadableUpload),
		errors.Is(err, verifier.ErrInvalidMarks),
		errors.Is(err, verifier.ErrLinkNotFound),
		errors.Is(err, verifier.ErrDownloadFailed):
		writeMessage(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, verifier.ErrPastDue),
		errors.Is(err, verifier.ErrForbidden):
		writeMessage(w, r, http.StatusForbidden, err.Error())
	default:
		logger.Error.Printf("Request %s %s failed: %v", r.Method, r.URL.Path, err)
		writeMessage(w, r, http.StatusInternalServerError, verifier.RemarkInternal)
	}
}

// statusRecorder keeps the written status for the duration metric.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument observes request duration by route pattern so ids do not
// explode label cardinality.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		metrics.APIRequestDuration.WithLabelValues(
			path,
			r.Method,
			strconv.Itoa(rec.status),
		).Observe(time.Since(start).Seconds())
	})
}

// authenticate resolves the actor and checks the required gateway headers.
func (h *CertificateHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.headers != nil && !h.headers(r.Header) {
			http.Error(w, "these are not the droids you are looking for", http.StatusForbidden)
			return
		}
		actor, err := h.auth.Identify(r)
		if err != nil {
			logger.Debug.Printf("Auth failed: %v", err)
			if errors.Is(err, app.ErrUnauthenticated) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			http.Error(w, "Auth backend unavailable", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

func (h *CertificateHandler) stageUpload(w http.ResponseWriter, r *http.Request, requestID string) (string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	file, _, err := r.FormFile("file")
	if err != nil {
		logger.Debug.Printf("No file in upload for request %s: %v", requestID, err)
		writeMessage(w, r, http.StatusBadRequest, "a certificate file is required in the 'file' field")
		return "", false
	}
	defer file.Close()

	staged, err := h.files.Stage(requestID, file)
	if err != nil {
		logger.Error.Printf("Failed to stage upload for request %s: %v", requestID, err)
		writeMessage(w, r, http.StatusInternalServerError, verifier.RemarkInternal)
		return "", false
	}
	return staged, true
}

func (h *CertificateHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	staged, ok := h.stageUpload(w, r, requestID)
	if !ok {
		return
	}

	err := h.verifier.Verify(r.Context(), verifier.Upload{
		RequestID:  requestID,
		Actor:      actorFrom(r.Context()),
		StagedPath: staged,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, verifier.RemarkVerified)
}

func (h *CertificateHandler) HandleNoCertificate(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	if err := h.verifier.DeclareNoCertificate(r.Context(), actorFrom(r.Context()), requestID); err != nil {
		writeError(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, "request marked as no certificate")
}

func (h *CertificateHandler) HandleRequestReview(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	if err := h.verifier.RequestReview(r.Context(), actorFrom(r.Context()), requestID); err != nil {
		writeError(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, "request sent for review")
}

func (h *CertificateHandler) HandleGetCertificate(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	cert, err := h.verifier.Certificate(r.Context(), actorFrom(r.Context()), requestID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, cert)
}

func (h *CertificateHandler) HandleComparison(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	cmp, err := h.verifier.Comparison(r.Context(), actorFrom(r.Context()), requestID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, cmp)
}

func (h *CertificateHandler) HandleManualAccept(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if !actor.Has(models.NPTELCoordinator) {
		writeError(w, r, verifier.ErrForbidden)
		return
	}

	requestID := chi.URLParam(r, "request_id")
	staged, ok := h.stageUpload(w, r, requestID)
	if !ok {
		return
	}
	if err := h.verifier.ManualAccept(r.Context(), actor, requestID, staged); err != nil {
		writeError(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, verifier.RemarkManualAccept)
}

func (h *CertificateHandler) HandleManualAcceptUnsafe(w http.ResponseWriter, r *http.Request) {
	var in models.ManualMarks
	if err := render.DecodeJSON(r.Body, &in); err != nil {
		logger.Debug.Printf("Invalid manual marks body: %v", err)
		writeMessage(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	requestID := chi.URLParam(r, "request_id")
	if err := h.verifier.ManualAcceptUnsafe(r.Context(), actorFrom(r.Context()), requestID, in); err != nil {
		writeError(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, verifier.RemarkManualAccept)
}

func (h *CertificateHandler) HandleManualReject(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	if err := h.verifier.ManualReject(r.Context(), actorFrom(r.Context()), requestID); err != nil {
		writeError(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, verifier.RemarkManualReject)
}

func (h *CertificateHandler) HandleListStale(w http.ResponseWriter, r *http.Request) {
	if !actorFrom(r.Context()).HasAny(models.NPTELMentor, models.NPTELCoordinator) {
		writeError(w, r, verifier.ErrForbidden)
		return
	}

	stale, err := h.stale.ListStale(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if stale == nil {
		stale = []models.RequestDetail{}
	}
	render.JSON(w, r, staleResponse{Requests: stale})
}

func (h *CertificateHandler) HandleSubjectReport(w http.ResponseWriter, r *http.Request) {
	if !actorFrom(r.Context()).HasAny(models.NPTELMentor, models.NPTELCoordinator) {
		writeError(w, r, verifier.ErrForbidden)
		return
	}

	subjectID := chi.URLParam(r, "subject_id")
	buf, err := h.reports.SubjectReport(r.Context(), subjectID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "subject-"+subjectID+".xlsx"))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		logger.Error.Printf("Failed to write report for subject %s: %v", subjectID, err)
	}
}
