// Package verifier runs the certificate verification pipeline and owns the
// request status transitions around it.
package verifier

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/avlokan/internal/extract"
	"github.com/shrimpsizemoose/avlokan/internal/fetcher"
	"github.com/shrimpsizemoose/avlokan/internal/files"
	"github.com/shrimpsizemoose/avlokan/internal/metrics"
	"github.com/shrimpsizemoose/avlokan/internal/models"
	"github.com/shrimpsizemoose/avlokan/internal/store"
)

// DefaultLongNameThreshold is the longest course name that fits on one line of the certificate.
const DefaultLongNameThreshold = 57

type LinkLocator interface {
	LocateLink(ctx context.Context, pdfPath string, page int) (string, bool)
}

type DocumentFetcher interface {
	Fetch(ctx context.Context, link, dest string) fetcher.Result
}

type FieldExtractor interface {
	ExtractFile(ctx context.Context, path string, longName bool) (extract.Fields, error)
}

type Config struct {
	BarcodePage       int
	LongNameThreshold int
}

type Deps struct {
	Store     store.CertificateStore
	Files     *files.Storage
	Locator   LinkLocator
	Fetcher   DocumentFetcher
	Extractor FieldExtractor
	Now       func() time.Time
}

type Verifier struct {
	store     store.CertificateStore
	files     *files.Storage
	locator   LinkLocator
	fetcher   DocumentFetcher
	extractor FieldExtractor
	now       func() time.Time
	cfg       Config
}

func New(deps Deps, cfg Config) *Verifier {
	if cfg.LongNameThreshold <= 0 {
		cfg.LongNameThreshold = DefaultLongNameThreshold
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		store:     deps.Store,
		files:     deps.Files,
		locator:   deps.Locator,
		fetcher:   deps.Fetcher,
		extractor: deps.Extractor,
		now:       func() time.Time { return now().UTC() },
		cfg:       cfg,
	}
}

// Upload is one certificate submitted by a student. StagedPath is consumed:
// it is either promoted to the request's stored file or removed.
type Upload struct {
	RequestID  string
	Actor      *models.Actor
	StagedPath string
}

type outcome struct {
	status models.RequestStatus
	remark string
	marks  *int
}

func rejected(remark string) outcome {
	return outcome{status: models.StatusRejected, remark: remark}
}

func failed(remark string) outcome {
	return outcome{status: models.StatusError, remark: remark}
}

// Verify evaluates an upload end to end. It returns nil when the request
// was completed, a *VerificationError when it ended rejected or error, and
// one of the package errors when the upload was refused without any change.
func (v *Verifier) Verify(ctx context.Context, up Upload) (err error) {
	start := time.Now()
	label := "refused"
	defer func() {
		metrics.VerificationsTotal.WithLabelValues(label).Inc()
		metrics.VerificationDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	staged := up.StagedPath
	defer func() { v.files.Discard(staged) }()

	if !up.Actor.Has(models.NPTELStudent) {
		return ErrForbidden
	}

	req, err := v.store.GetRequest(ctx, up.RequestID)
	if err != nil {
		return fmt.Errorf("failed to load request: %w", err)
	}
	if req == nil || req.StudentID != up.Actor.ID {
		return ErrRequestNotFound
	}
	switch req.Status {
	case models.StatusCompleted:
		return ErrAlreadyCompleted
	case models.StatusProcessing:
		return ErrAlreadyProcessing
	}
	if req.PastDue(v.now()) {
		return ErrPastDue
	}

	fileURL := files.Name(req.ID)
	claimed, err := v.store.ApplyTransition(ctx, store.Transition{
		RequestID: req.ID,
		From:      models.Except(models.StatusProcessing, models.StatusCompleted),
		To:        models.StatusProcessing,
		At:        v.now(),
		Certificate: &store.CertificateChange{
			Mode:    store.CertificateUpsert,
			FileURL: &fileURL,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to claim request %s: %w", req.ID, err)
	}
	if !claimed {
		logger.Info.Printf("Request %s was claimed by a concurrent upload", req.ID)
		return v.refusal(ctx, req.ID)
	}
	logger.Info.Printf("Verifying request %s for student %s", req.ID, req.StudentID)

	// the request is processing from here on and every exit must settle it
	defer func() {
		if r := recover(); r != nil {
			logger.Error.Printf("Panic while verifying request %s: %v", req.ID, r)
			v.settleInternal(ctx, req.ID)
			label = string(models.StatusError)
			err = ErrInternal
		}
	}()

	path, err := v.files.Promote(req.ID, staged)
	if err != nil {
		logger.Error.Printf("Failed to store upload for request %s: %v", req.ID, err)
		v.settleInternal(ctx, req.ID)
		label = string(models.StatusError)
		return ErrInternal
	}
	staged = ""

	out := v.evaluate(ctx, req, path)
	label = string(out.status)
	return v.settle(ctx, req.ID, out)
}

// refusal explains why a claim did not apply.
func (v *Verifier) refusal(ctx context.Context, requestID string) error {
	req, err := v.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to reload request: %w", err)
	}
	if req != nil && req.Status == models.StatusCompleted {
		return ErrAlreadyCompleted
	}
	return ErrAlreadyProcessing
}

func (v *Verifier) evaluate(ctx context.Context, req *models.RequestDetail, path string) outcome {
	link, ok := v.locator.LocateLink(ctx, path, v.cfg.BarcodePage)
	if !ok {
		return rejected(RemarkLinkNotFound)
	}

	canonicalPath, cleanup, err := v.files.TempFile("canonical-*.pdf")
	if err != nil {
		logger.Error.Printf("No scratch space for request %s: %v", req.ID, err)
		return failed(RemarkDownloadFailed)
	}
	defer cleanup()

	res := v.fetcher.Fetch(ctx, link, canonicalPath)
	if !res.OK {
		logger.Info.Printf("Canonical download for request %s failed: %s", req.ID, res.Message)
		return failed(RemarkDownloadFailed)
	}

	if err := v.store.SetVerificationFileURL(context.WithoutCancel(ctx), req.ID, res.DocumentURL, v.now()); err != nil {
		logger.Error.Printf("Failed to record verification url for request %s: %v", req.ID, err)
		return failed(RemarkInternal)
	}

	longName := v.isLongName(req.SubjectName)
	uploaded, err := v.extractor.ExtractFile(ctx, path, longName)
	if err != nil {
		logger.Info.Printf("Uploaded certificate for request %s not extractable: %v", req.ID, err)
		return rejected(RemarkUploadUnreadable)
	}
	canonical, err := v.extractor.ExtractFile(ctx, canonicalPath, longName)
	if err != nil {
		logger.Error.Printf("Canonical certificate for request %s not extractable: %v", req.ID, err)
		return failed(RemarkCanonicalUnreadable)
	}

	if remark, ok := Compare(uploaded, canonical, Record{
		SubjectName: req.SubjectName,
		StudentName: req.StudentName,
	}); !ok {
		logger.Info.Printf("Request %s rejected: %s", req.ID, remark)
		return rejected(remark)
	}

	marks, err := strconv.Atoi(strings.TrimSpace(canonical.TotalMarks))
	if err != nil {
		logger.Error.Printf("Request %s total marks %q are not numeric", req.ID, canonical.TotalMarks)
		return failed(RemarkMarksNotNumeric)
	}

	return outcome{status: models.StatusCompleted, remark: RemarkVerified, marks: &marks}
}

// settle writes the terminal state of a run. A failed write falls back to
// error; if that fails too the cleanup sweep repairs the request later.
func (v *Verifier) settle(ctx context.Context, requestID string, out outcome) error {
	ok, err := v.store.ApplyTransition(context.WithoutCancel(ctx), store.Transition{
		RequestID: requestID,
		From:      []models.RequestStatus{models.StatusProcessing},
		To:        out.status,
		At:        v.now(),
		Certificate: &store.CertificateChange{
			Mode:               store.CertificateUpdateExisting,
			VerifiedTotalMarks: out.marks,
			Verified:           out.status == models.StatusCompleted,
			Remark:             out.remark,
		},
	})
	if err != nil || !ok {
		logger.Error.Printf("Failed to settle request %s as %s (applied=%t): %v", requestID, out.status, ok, err)
		v.settleInternal(ctx, requestID)
		return ErrInternal
	}

	logger.Info.Printf("Request %s is %s: %s", requestID, out.status, out.remark)
	if out.status == models.StatusCompleted {
		return nil
	}
	return &VerificationError{Status: out.status, Remark: out.remark}
}

func (v *Verifier) settleInternal(ctx context.Context, requestID string) {
	_, err := v.store.ApplyTransition(context.WithoutCancel(ctx), store.Transition{
		RequestID: requestID,
		From:      []models.RequestStatus{models.StatusProcessing},
		To:        models.StatusError,
		At:        v.now(),
		Certificate: &store.CertificateChange{
			Mode:   store.CertificateUpdateExisting,
			Remark: RemarkInternal,
		},
	})
	if err != nil {
		logger.Error.Printf("Fallback to error failed for request %s, leaving it to cleanup: %v", requestID, err)
	}
}

func (v *Verifier) isLongName(subject string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(subject)) > v.cfg.LongNameThreshold
}
