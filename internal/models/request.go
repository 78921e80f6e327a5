package models

import (
	"time"
)

type RequestStatus string

const (
	StatusPending       RequestStatus = "pending"
	StatusProcessing    RequestStatus = "processing"
	StatusCompleted     RequestStatus = "completed"
	StatusRejected      RequestStatus = "rejected"
	StatusError         RequestStatus = "error"
	StatusNoCertificate RequestStatus = "no_certificate"
	StatusUnderReview   RequestStatus = "under_review"
)

var AllStatuses = []RequestStatus{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusRejected,
	StatusError,
	StatusNoCertificate,
	StatusUnderReview,
}

// Except returns every status not listed in excluded.
func Except(excluded ...RequestStatus) []RequestStatus {
	out := make([]RequestStatus, 0, len(AllStatuses))
	for _, s := range AllStatuses {
		skip := false
		for _, e := range excluded {
			if s == e {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, s)
		}
	}
	return out
}

type Request struct {
	ID           string        `db:"id" json:"id"`
	EnrollmentID string        `db:"enrollment_id" json:"enrollment_id"`
	Status       RequestStatus `db:"status" json:"status"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
	DueDate      *time.Time    `db:"due_date" json:"due_date,omitempty"`
}

// PastDue reports whether the request has a due date strictly before now.
func (r *Request) PastDue(now time.Time) bool {
	return r.DueDate != nil && now.After(*r.DueDate)
}

// RequestDetail is a request joined with the records it hangs off:
// Request -> Enrollment -> Allotment -> Subject, plus the enrolled student.
type RequestDetail struct {
	Request
	StudentID   string `db:"student_id" json:"student_id"`
	StudentName string `db:"student_name" json:"student_name"`
	RollNumber  string `db:"roll_number" json:"roll_number"`
	SubjectID   string `db:"subject_id" json:"subject_id"`
	SubjectName string `db:"subject_name" json:"subject_name"`
	TeacherID   string `db:"teacher_id" json:"teacher_id"`
}

// ReportRow is one line of a subject report.
type ReportRow struct {
	RequestID          string        `db:"request_id"`
	StudentName        string        `db:"student_name"`
	RollNumber         string        `db:"roll_number"`
	Status             RequestStatus `db:"status"`
	UpdatedAt          time.Time     `db:"updated_at"`
	DueDate            *time.Time    `db:"due_date"`
	Verified           *bool         `db:"verified"`
	VerifiedTotalMarks *int          `db:"verified_total_marks"`
	Remark             *string       `db:"remark"`
}
