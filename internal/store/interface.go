package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/shrimpsizemoose/avlokan/internal/models"
)

type CertificateStore interface {
	Close() error
	ApplyMigrations(dir string) error

	GetRequest(ctx context.Context, requestID string) (*models.RequestDetail, error)
	GetCertificate(ctx context.Context, requestID string) (*models.Certificate, error)
	ApplyTransition(ctx context.Context, t Transition) (bool, error)
	SetVerificationFileURL(ctx context.Context, requestID, url string, at time.Time) error

	ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]models.RequestDetail, error)
	ListSubjectRequests(ctx context.Context, subjectID string) ([]models.ReportRow, error)
}

// BaseStore provides common functionality for different DB implementations
type BaseStore struct {
	DB        *sqlx.DB
	Converter func(string) string
}

func (s *BaseStore) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

// ApplyMigrations applies SQL migrations from a directory in name order, translating dialect if needed
func (s *BaseStore) ApplyMigrations(dir string, translateSQL func(string) string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

	for _, file := range files {
		if !strings.HasSuffix(file.Name(), ".sql") {
			continue
		}

		content, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", file.Name(), err)
		}

		sql := string(content)
		if translateSQL != nil {
			sql = translateSQL(sql)
		}

		if _, err := s.DB.Exec(sql); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", file.Name(), err)
		}
	}

	return nil
}

const requestDetailSelect = `
	SELECT
		r.id,
		r.enrollment_id,
		r.status,
		r.created_at,
		r.updated_at,
		r.due_date,
		u.id AS student_id,
		u.name AS student_name,
		u.roll_number,
		s.id AS subject_id,
		s.name AS subject_name,
		a.teacher_id
	FROM requests r
	JOIN student_subject_enrollments e ON e.id = r.enrollment_id
	JOIN teacher_subject_allotments a ON a.id = e.allotment_id
	JOIN subjects s ON s.id = a.subject_id
	JOIN users u ON u.id = e.student_id
`

func (s *BaseStore) GetRequest(ctx context.Context, requestID string) (*models.RequestDetail, error) {
	var detail models.RequestDetail
	query := s.Converter(requestDetailSelect + `WHERE r.id = ?`)

	err := s.DB.GetContext(ctx, &detail, query, requestID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request %s: %w", requestID, err)
	}
	return &detail, nil
}

func (s *BaseStore) GetCertificate(ctx context.Context, requestID string) (*models.Certificate, error) {
	var cert models.Certificate
	query := s.Converter(`
		SELECT id, request_id, file_url, verification_file_url, verified_total_marks,
			uploaded_at, updated_at, verified, remark
		FROM certificates
		WHERE request_id = ?
	`)

	err := s.DB.GetContext(ctx, &cert, query, requestID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get certificate for request %s: %w", requestID, err)
	}
	return &cert, nil
}

// ApplyTransition performs a conditional status update and its certificate
// side effect in one transaction. It reports false without writing anything
// when the request is not in one of the expected states.
func (s *BaseStore) ApplyTransition(ctx context.Context, t Transition) (bool, error) {
	if len(t.From) == 0 {
		return false, fmt.Errorf("transition for request %s has no source states", t.RequestID)
	}
	at := t.At.UTC()

	from := make([]string, len(t.From))
	for i, st := range t.From {
		from[i] = string(st)
	}

	q := `UPDATE requests SET status = ?, updated_at = ? WHERE id = ? AND status IN (?)`
	args := []interface{}{string(t.To), at, t.RequestID, from}
	if t.StaleBefore != nil {
		q += ` AND updated_at < ?`
		args = append(args, t.StaleBefore.UTC())
	}
	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return false, fmt.Errorf("failed to build transition query: %w", err)
	}

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.Converter(q), args...)
	if err != nil {
		return false, fmt.Errorf("failed to update request %s: %w", t.RequestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if t.Certificate != nil {
		if err := s.applyCertificateChange(ctx, tx, t.RequestID, at, t.Certificate); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transition for request %s: %w", t.RequestID, err)
	}
	return true, nil
}

func (s *BaseStore) applyCertificateChange(ctx context.Context, tx *sqlx.Tx, requestID string, at time.Time, c *CertificateChange) error {
	if c.Mode == CertificateUpsert {
		if c.FileURL == nil {
			return fmt.Errorf("certificate upsert for request %s without file url", requestID)
		}
		_, err := tx.ExecContext(ctx, s.Converter(`
			INSERT INTO certificates (
				id, request_id, file_url, verification_file_url, verified_total_marks,
				uploaded_at, updated_at, verified, remark
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (request_id) DO UPDATE SET
				file_url = excluded.file_url,
				verification_file_url = excluded.verification_file_url,
				verified_total_marks = excluded.verified_total_marks,
				uploaded_at = excluded.uploaded_at,
				updated_at = excluded.updated_at,
				verified = excluded.verified,
				remark = excluded.remark
		`), uuid.NewString(), requestID, *c.FileURL, c.VerificationFileURL, c.VerifiedTotalMarks,
			at, at, c.Verified, c.Remark)
		if err != nil {
			return fmt.Errorf("failed to upsert certificate for request %s: %w", requestID, err)
		}
		return nil
	}

	sets := []string{"updated_at = ?", "verified = ?", "remark = ?"}
	args := []interface{}{at, c.Verified, c.Remark}
	if c.FileURL != nil {
		sets = append(sets, "file_url = ?")
		args = append(args, *c.FileURL)
	}
	if c.VerificationFileURL != nil {
		sets = append(sets, "verification_file_url = ?")
		args = append(args, *c.VerificationFileURL)
	}
	if c.VerifiedTotalMarks != nil {
		sets = append(sets, "verified_total_marks = ?")
		args = append(args, *c.VerifiedTotalMarks)
	}
	args = append(args, requestID)

	query := s.Converter(`UPDATE certificates SET ` + strings.Join(sets, ", ") + ` WHERE request_id = ?`)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update certificate for request %s: %w", requestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 && c.Mode == CertificateRequireExisting {
		return ErrCertificateNotFound
	}
	return nil
}

func (s *BaseStore) SetVerificationFileURL(ctx context.Context, requestID, url string, at time.Time) error {
	query := s.Converter(`
		UPDATE certificates
		SET verification_file_url = ?, updated_at = ?
		WHERE request_id = ?
	`)
	if _, err := s.DB.ExecContext(ctx, query, url, at.UTC(), requestID); err != nil {
		return fmt.Errorf("failed to set verification url for request %s: %w", requestID, err)
	}
	return nil
}

func (s *BaseStore) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]models.RequestDetail, error) {
	var stale []models.RequestDetail
	query := s.Converter(requestDetailSelect + `
		WHERE r.status = ?
		AND r.updated_at < ?
		ORDER BY r.updated_at ASC
	`)

	err := s.DB.SelectContext(ctx, &stale, query, string(models.StatusProcessing), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale requests: %w", err)
	}
	return stale, nil
}

func (s *BaseStore) ListSubjectRequests(ctx context.Context, subjectID string) ([]models.ReportRow, error) {
	var rows []models.ReportRow
	query := s.Converter(`
		SELECT
			r.id AS request_id,
			u.name AS student_name,
			u.roll_number,
			r.status,
			r.updated_at,
			r.due_date,
			c.verified,
			c.verified_total_marks,
			c.remark
		FROM requests r
		JOIN student_subject_enrollments e ON e.id = r.enrollment_id
		JOIN teacher_subject_allotments a ON a.id = e.allotment_id
		JOIN users u ON u.id = e.student_id
		LEFT JOIN certificates c ON c.request_id = r.id
		WHERE a.subject_id = ?
		ORDER BY u.roll_number, u.name
	`)

	if err := s.DB.SelectContext(ctx, &rows, query, subjectID); err != nil {
		return nil, fmt.Errorf("failed to list requests for subject %s: %w", subjectID, err)
	}
	return rows, nil
}
