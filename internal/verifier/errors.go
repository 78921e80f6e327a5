package verifier

import (
	"errors"

	"github.com/shrimpsizemoose/avlokan/internal/models"
)

var (
	ErrRequestNotFound   = errors.New("request not found or does not belong to the current user")
	ErrAlreadyCompleted  = errors.New("request is already completed")
	ErrAlreadyProcessing = errors.New("request is already being processed")
	ErrPastDue           = errors.New("request is past the due date")
	ErrForbidden         = errors.New("not allowed to act on this request")
	ErrInvalidState      = errors.New("request status does not allow this operation")
	ErrNoCertificate     = errors.New("no certificate has been uploaded for this request")
	ErrUnreadableUpload  = errors.New("invalid certificate file")
	ErrInvalidMarks      = errors.New("invalid marks")
	ErrLinkNotFound      = errors.New(RemarkLinkNotFound)
	ErrDownloadFailed    = errors.New(RemarkDownloadFailed)
	ErrInternal          = errors.New(RemarkInternal)
)

const (
	RemarkLinkNotFound        = "verification link/QR not found"
	RemarkDownloadFailed      = "could not download the verification document"
	RemarkUploadUnreadable    = "invalid certificate uploaded, the layout was not recognised"
	RemarkCanonicalUnreadable = "invalid details in the verification document"
	RemarkMarksNotNumeric     = "total marks in the verification document are not a whole number"
	RemarkCourseMismatch      = "course name mismatch"
	RemarkStudentMismatch     = "student name mismatch"
	RemarkMarksMismatch       = "total marks mismatch"
	RemarkRollMismatch        = "roll number mismatch"
	RemarkPeriodMismatch      = "course period mismatch"
	RemarkVerified            = "verification successful"
	RemarkInternal            = "internal server error"
	RemarkManualAccept        = "manual verification by teacher"
	RemarkManualReject        = "manually rejected by teacher after review"
)

// VerificationError is a pipeline run that ended in rejected or error.
// The request has already been moved to Status with Remark recorded.
type VerificationError struct {
	Status models.RequestStatus
	Remark string
}

func (e *VerificationError) Error() string {
	return e.Remark
}
