package verifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/avlokan/internal/files"
	"github.com/shrimpsizemoose/avlokan/internal/models"
	"github.com/shrimpsizemoose/avlokan/internal/store"
)

// canReview allows coordinators on every request and mentors on the
// requests of subjects allotted to them.
func canReview(actor *models.Actor, req *models.RequestDetail) bool {
	if actor.Has(models.NPTELCoordinator) {
		return true
	}
	return actor.Has(models.NPTELMentor) && req.TeacherID == actor.ID
}

func (v *Verifier) load(ctx context.Context, requestID string) (*models.RequestDetail, error) {
	req, err := v.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load request: %w", err)
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}
	return req, nil
}

func (v *Verifier) loadOwned(ctx context.Context, actor *models.Actor, requestID string) (*models.RequestDetail, error) {
	if !actor.Has(models.NPTELStudent) {
		return nil, ErrForbidden
	}
	req, err := v.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.StudentID != actor.ID {
		return nil, ErrRequestNotFound
	}
	return req, nil
}

func busy(status models.RequestStatus) error {
	switch status {
	case models.StatusCompleted:
		return ErrAlreadyCompleted
	case models.StatusProcessing:
		return ErrAlreadyProcessing
	}
	return nil
}

// transitionOrExplain applies t and, when the request moved underneath us,
// reports why from its current status.
func (v *Verifier) transitionOrExplain(ctx context.Context, t store.Transition) error {
	ok, err := v.store.ApplyTransition(ctx, t)
	if errors.Is(err, store.ErrCertificateNotFound) {
		return ErrNoCertificate
	}
	if err != nil {
		return fmt.Errorf("failed to update request %s: %w", t.RequestID, err)
	}
	if ok {
		return nil
	}
	req, err := v.load(ctx, t.RequestID)
	if err != nil {
		return err
	}
	if err := busy(req.Status); err != nil {
		return err
	}
	return ErrInvalidState
}

// ManualAccept stores a certificate supplied by a coordinator and completes
// the request with the marks read from it, skipping the issuer cross-check.
func (v *Verifier) ManualAccept(ctx context.Context, actor *models.Actor, requestID, stagedPath string) error {
	staged := stagedPath
	defer func() { v.files.Discard(staged) }()

	if !actor.Has(models.NPTELCoordinator) {
		return ErrForbidden
	}
	req, err := v.load(ctx, requestID)
	if err != nil {
		return err
	}
	if err := busy(req.Status); err != nil {
		return err
	}

	fields, err := v.extractor.ExtractFile(ctx, staged, v.isLongName(req.SubjectName))
	if err != nil {
		logger.Info.Printf("Manual upload for request %s not extractable: %v", req.ID, err)
		return ErrUnreadableUpload
	}
	marks, err := strconv.Atoi(strings.TrimSpace(fields.TotalMarks))
	if err != nil {
		return fmt.Errorf("%w: total marks %q", ErrUnreadableUpload, fields.TotalMarks)
	}

	var link *string
	if l, ok := v.locator.LocateLink(ctx, staged, v.cfg.BarcodePage); ok {
		link = &l
	}

	// the file goes in first so a completed request never points at a
	// missing or stale document
	rep, err := v.files.Replace(req.ID, staged)
	if err != nil {
		logger.Error.Printf("Failed to store manual upload for request %s: %v", req.ID, err)
		return ErrInternal
	}
	staged = ""

	fileURL := files.Name(req.ID)
	err = v.transitionOrExplain(ctx, store.Transition{
		RequestID: req.ID,
		From:      models.Except(models.StatusProcessing, models.StatusCompleted),
		To:        models.StatusCompleted,
		At:        v.now(),
		Certificate: &store.CertificateChange{
			Mode:                store.CertificateUpsert,
			FileURL:             &fileURL,
			VerificationFileURL: link,
			VerifiedTotalMarks:  &marks,
			Verified:            true,
			Remark:              RemarkManualAccept,
		},
	})
	if err != nil {
		if rerr := rep.Rollback(); rerr != nil {
			logger.Error.Printf("Failed to restore previous certificate for request %s: %v", req.ID, rerr)
		}
		return err
	}
	rep.Commit()

	logger.Info.Printf("Request %s manually verified by %s with %d marks", req.ID, actor.ID, marks)
	return nil
}

// ManualAcceptUnsafe completes a request with marks given by a coordinator.
// Nothing is cross-checked, so it needs an existing uploaded certificate.
func (v *Verifier) ManualAcceptUnsafe(ctx context.Context, actor *models.Actor, requestID string, in models.ManualMarks) error {
	if !actor.Has(models.NPTELCoordinator) {
		return ErrForbidden
	}
	if err := in.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMarks, err)
	}
	req, err := v.load(ctx, requestID)
	if err != nil {
		return err
	}
	if err := busy(req.Status); err != nil {
		return err
	}

	remark := RemarkManualAccept
	if r := strings.TrimSpace(in.Remark); r != "" {
		remark = RemarkManualAccept + ": " + r
	}

	err = v.transitionOrExplain(ctx, store.Transition{
		RequestID: req.ID,
		From:      models.Except(models.StatusProcessing, models.StatusCompleted),
		To:        models.StatusCompleted,
		At:        v.now(),
		Certificate: &store.CertificateChange{
			Mode:               store.CertificateRequireExisting,
			VerifiedTotalMarks: in.Marks,
			Verified:           true,
			Remark:             remark,
		},
	})
	if err != nil {
		return err
	}
	logger.Info.Printf("Request %s completed by %s with unchecked marks %d", req.ID, actor.ID, *in.Marks)
	return nil
}

// ManualReject closes a disputed request after a coordinator's review.
func (v *Verifier) ManualReject(ctx context.Context, actor *models.Actor, requestID string) error {
	if !actor.Has(models.NPTELCoordinator) {
		return ErrForbidden
	}
	req, err := v.load(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != models.StatusUnderReview && req.Status != models.StatusError {
		return ErrInvalidState
	}

	err = v.transitionOrExplain(ctx, store.Transition{
		RequestID: req.ID,
		From:      []models.RequestStatus{models.StatusUnderReview, models.StatusError},
		To:        models.StatusRejected,
		At:        v.now(),
		Certificate: &store.CertificateChange{
			Mode:   store.CertificateRequireExisting,
			Remark: RemarkManualReject,
		},
	})
	if err != nil {
		return err
	}
	logger.Info.Printf("Request %s manually rejected by %s", req.ID, actor.ID)
	return nil
}

// DeclareNoCertificate records that the student has no certificate to submit.
func (v *Verifier) DeclareNoCertificate(ctx context.Context, actor *models.Actor, requestID string) error {
	req, err := v.loadOwned(ctx, actor, requestID)
	if err != nil {
		return err
	}
	if err := busy(req.Status); err != nil {
		return err
	}
	return v.transitionOrExplain(ctx, store.Transition{
		RequestID: req.ID,
		From:      models.Except(models.StatusProcessing, models.StatusCompleted),
		To:        models.StatusNoCertificate,
		At:        v.now(),
	})
}

// RequestReview lets a student dispute a rejected or failed verification.
func (v *Verifier) RequestReview(ctx context.Context, actor *models.Actor, requestID string) error {
	req, err := v.loadOwned(ctx, actor, requestID)
	if err != nil {
		return err
	}
	if req.Status != models.StatusRejected && req.Status != models.StatusError {
		return ErrInvalidState
	}
	return v.transitionOrExplain(ctx, store.Transition{
		RequestID: req.ID,
		From:      []models.RequestStatus{models.StatusRejected, models.StatusError},
		To:        models.StatusUnderReview,
		At:        v.now(),
	})
}

// Certificate returns the certificate record to its student or a reviewer.
func (v *Verifier) Certificate(ctx context.Context, actor *models.Actor, requestID string) (*models.Certificate, error) {
	req, err := v.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	owner := actor.Has(models.NPTELStudent) && req.StudentID == actor.ID
	if !owner && !canReview(actor, req) {
		return nil, ErrRequestNotFound
	}
	cert, err := v.store.GetCertificate(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	if cert == nil {
		return nil, ErrNoCertificate
	}
	return cert, nil
}

// Comparison re-runs the barcode, fetch and extraction steps on the stored
// upload for a reviewer. Nothing is written.
func (v *Verifier) Comparison(ctx context.Context, actor *models.Actor, requestID string) (*models.Comparison, error) {
	req, err := v.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !canReview(actor, req) {
		return nil, ErrForbidden
	}
	cert, err := v.store.GetCertificate(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	if cert == nil {
		return nil, ErrNoCertificate
	}

	path := v.files.Path(req.ID)
	link, ok := v.locator.LocateLink(ctx, path, v.cfg.BarcodePage)
	if !ok {
		return nil, ErrLinkNotFound
	}

	canonicalPath, cleanup, err := v.files.TempFile("review-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to reserve scratch file: %w", err)
	}
	defer cleanup()

	res := v.fetcher.Fetch(ctx, link, canonicalPath)
	if !res.OK {
		return nil, ErrDownloadFailed
	}

	longName := v.isLongName(req.SubjectName)
	cmp := &models.Comparison{}
	// a side that cannot be parsed is shown with empty fields
	if f, err := v.extractor.ExtractFile(ctx, path, longName); err == nil {
		cmp.Uploaded = parsed(f.StudentName, f.RollNumber, f.TotalMarks, f.CourseName, f.CoursePeriod)
	}
	if f, err := v.extractor.ExtractFile(ctx, canonicalPath, longName); err == nil {
		cmp.Verification = parsed(f.StudentName, f.RollNumber, f.TotalMarks, f.CourseName, f.CoursePeriod)
	}
	fileURL := cert.FileURL
	docURL := res.DocumentURL
	cmp.Uploaded.FileURL = &fileURL
	cmp.Verification.FileURL = &docURL
	return cmp, nil
}

func parsed(name, roll, marks, course, period string) models.ParsedCertificate {
	return models.ParsedCertificate{
		StudentName:  name,
		RollNo:       roll,
		Marks:        marks,
		CourseName:   course,
		CoursePeriod: period,
	}
}
