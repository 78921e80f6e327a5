package store

import (
	"errors"
	"time"

	"github.com/shrimpsizemoose/avlokan/internal/models"
)

type DatabaseType string

const (
	DBTypePostgres DatabaseType = "postgres"
	DBTypeSQLite   DatabaseType = "sqlite"
)

var ErrCertificateNotFound = errors.New("certificate not found")

type CertificateMode int

const (
	// CertificateUpsert creates the certificate row or replaces its mutable fields.
	CertificateUpsert CertificateMode = iota
	// CertificateUpdateExisting updates the row if there is one and ignores its absence.
	CertificateUpdateExisting
	// CertificateRequireExisting rolls the whole transition back when there is no row.
	CertificateRequireExisting
)

// CertificateChange describes the certificate side of a status transition.
// Nil pointers leave the column untouched, except on upsert where they write NULL.
type CertificateChange struct {
	Mode                CertificateMode
	FileURL             *string
	VerificationFileURL *string
	VerifiedTotalMarks  *int
	Verified            bool
	Remark              string
}

// Transition moves a request from one of From to To, optionally only when
// the request was last touched before StaleBefore.
type Transition struct {
	RequestID   string
	From        []models.RequestStatus
	To          models.RequestStatus
	At          time.Time
	StaleBefore *time.Time
	Certificate *CertificateChange
}
