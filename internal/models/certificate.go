package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

type Certificate struct {
	ID                  string    `db:"id" json:"id"`
	RequestID           string    `db:"request_id" json:"request_id"`
	FileURL             string    `db:"file_url" json:"file_url"`
	VerificationFileURL *string   `db:"verification_file_url" json:"verification_file_url"`
	VerifiedTotalMarks  *int      `db:"verified_total_marks" json:"verified_total_marks"`
	UploadedAt          time.Time `db:"uploaded_at" json:"uploaded_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
	Verified            bool      `db:"verified" json:"verified"`
	Remark              string    `db:"remark" json:"remark"`
}

// ParsedCertificate is the per-field view of one document shown to reviewers.
type ParsedCertificate struct {
	StudentName  string  `json:"student_name"`
	RollNo       string  `json:"roll_no"`
	Marks        string  `json:"marks"`
	CourseName   string  `json:"course_name"`
	CoursePeriod string  `json:"course_period"`
	FileURL      *string `json:"file_url"`
}

type Comparison struct {
	Uploaded     ParsedCertificate `json:"uploaded_certificate"`
	Verification ParsedCertificate `json:"verification_certificate"`
}

type ManualMarks struct {
	Marks  *int   `json:"marks" validate:"required,min=0,max=100"`
	Remark string `json:"remark" validate:"max=500"`
}

func (m *ManualMarks) Validate() error {
	validate := validator.New()
	return validate.Struct(m)
}
