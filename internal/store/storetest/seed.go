// Package storetest seeds the relational chain behind a request for store-backed tests.
package storetest

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/shrimpsizemoose/avlokan/internal/models"
	"github.com/shrimpsizemoose/avlokan/internal/store"
)

type Options struct {
	StudentName string
	RollNumber  string
	SubjectName string
	SubjectID   string
	Status      models.RequestStatus
	UpdatedAt   time.Time
	DueDate     *time.Time
}

type Fixture struct {
	RequestID    string
	EnrollmentID string
	StudentID    string
	TeacherID    string
	SubjectID    string
}

// SeedRequest inserts user, subject, allotment, enrollment and request rows.
// Passing SubjectID reuses an existing subject and allotment owner.
func SeedRequest(t testing.TB, s *store.BaseStore, opts Options) Fixture {
	t.Helper()

	if opts.StudentName == "" {
		opts.StudentName = "Asha Rao"
	}
	if opts.RollNumber == "" {
		opts.RollNumber = "NPTEL24CS01S1234"
	}
	if opts.SubjectName == "" {
		opts.SubjectName = "Introduction to Machine Learning"
	}
	if opts.Status == "" {
		opts.Status = models.StatusPending
	}
	if opts.UpdatedAt.IsZero() {
		opts.UpdatedAt = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	}

	f := Fixture{
		RequestID:    uuid.NewString(),
		EnrollmentID: uuid.NewString(),
		StudentID:    uuid.NewString(),
		TeacherID:    uuid.NewString(),
		SubjectID:    opts.SubjectID,
	}

	exec := func(query string, args ...interface{}) {
		_, err := s.DB.Exec(s.Converter(query), args...)
		require.NoError(t, err, "seed query failed: %s", query)
	}

	exec(`INSERT INTO users (id, name, email, roll_number) VALUES (?, ?, ?, ?)`,
		f.StudentID, opts.StudentName, f.StudentID+"@students.example.edu", opts.RollNumber)
	exec(`INSERT INTO users (id, name, email) VALUES (?, ?, ?)`,
		f.TeacherID, "Prof. Iyer", f.TeacherID+"@example.edu")

	if f.SubjectID == "" {
		f.SubjectID = uuid.NewString()
		exec(`INSERT INTO subjects (id, name, subject_code) VALUES (?, ?, ?)`,
			f.SubjectID, opts.SubjectName, "noc24-cs01")
	}

	allotmentID := uuid.NewString()
	exec(`INSERT INTO teacher_subject_allotments (id, teacher_id, subject_id, year) VALUES (?, ?, ?, ?)`,
		allotmentID, f.TeacherID, f.SubjectID, 2024)
	exec(`INSERT INTO student_subject_enrollments (id, student_id, allotment_id) VALUES (?, ?, ?)`,
		f.EnrollmentID, f.StudentID, allotmentID)

	var due interface{}
	if opts.DueDate != nil {
		due = opts.DueDate.UTC()
	}
	exec(`INSERT INTO requests (id, enrollment_id, status, created_at, updated_at, due_date) VALUES (?, ?, ?, ?, ?, ?)`,
		f.RequestID, f.EnrollmentID, string(opts.Status), opts.UpdatedAt.UTC(), opts.UpdatedAt.UTC(), due)

	return f
}

// SeedCertificate inserts a certificate row for an existing request.
func SeedCertificate(t testing.TB, s *store.BaseStore, requestID, fileURL string, at time.Time) {
	t.Helper()

	_, err := s.DB.Exec(s.Converter(`
		INSERT INTO certificates (id, request_id, file_url, uploaded_at, updated_at, verified, remark)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), uuid.NewString(), requestID, fileURL, at.UTC(), at.UTC(), false, "")
	require.NoError(t, err)
}
