package verifier

import (
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrimpsizemoose/avlokan/internal/barcode"
	"github.com/shrimpsizemoose/avlokan/internal/extract"
	"github.com/shrimpsizemoose/avlokan/internal/fetcher"
	"github.com/shrimpsizemoose/avlokan/internal/files"
	"github.com/shrimpsizemoose/avlokan/internal/models"
	"github.com/shrimpsizemoose/avlokan/internal/store/sqlite"
	"github.com/shrimpsizemoose/avlokan/internal/store/storetest"
)

// fakePoppler renders every page as the configured QR code and returns a
// file's own bytes as its text, so test "PDFs" are plain page text.
type fakePoppler struct {
	qr string
}

func (p *fakePoppler) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	switch name {
	case "pdftoppm":
		var img image.Image = image.NewGray(image.Rect(0, 0, 64, 64))
		if p.qr != "" {
			m, err := qrcode.NewQRCodeWriter().Encode(p.qr, gozxing.BarcodeFormat_QR_CODE, 300, 300, nil)
			if err != nil {
				return nil, nil, err
			}
			img = m
		}
		out, err := os.Create(args[len(args)-1] + ".png")
		if err != nil {
			return nil, nil, err
		}
		defer out.Close()
		return nil, nil, png.Encode(out, img)
	case "pdftotext":
		b, err := os.ReadFile(args[len(args)-2])
		return b, nil, err
	}
	return nil, nil, errors.New("unexpected command " + name)
}

type page struct {
	period, course, student, marks, roll string
}

func (p page) text() string {
	return strings.Join([]string{
		"NPTEL Online Certification",
		"(Funded by the MoE, Govt. of India)",
		"This certificate is awarded to",
		p.period,
		"for successfully completing the course",
		p.course,
		p.student,
		"24.5/25",
		"51.75/75",
		p.marks,
		"Total number of candidates certified in this course: 5021",
		p.roll,
	}, "\n") + "\n"
}

var genuine = page{
	period:  "Jul-Oct 2024 (12 week course)",
	course:  "Introduction to Machine Learning",
	student: "ASHA RAO",
	marks:   "76",
	roll:    "NPTEL24CS51S1234",
}

type env struct {
	v       *Verifier
	st      *sqlite.SQLiteStore
	files   *files.Storage
	poppler *fakePoppler
	issuer  *httptest.Server
	now     time.Time
	// canonical is what the issuer serves as the certificate document
	canonical  string
	pageStatus int
}

func newEnv(t *testing.T) *env {
	t.Helper()

	st, err := sqlite.NewSQLiteStore(":memory:", "../../migrations")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fs, err := files.NewStorage(t.TempDir())
	require.NoError(t, err)

	e := &env{
		st:         st,
		files:      fs,
		now:        time.Date(2024, 11, 1, 10, 0, 0, 0, time.UTC),
		canonical:  genuine.text(),
		pageStatus: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/noc/verify/abc", func(w http.ResponseWriter, r *http.Request) {
		if e.pageStatus != http.StatusOK {
			w.WriteHeader(e.pageStatus)
			return
		}
		w.Write([]byte(`<html><body><a href="/noc/files/abc.pdf">Course Certificate</a></body></html>`))
	})
	mux.HandleFunc("/noc/files/abc.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(e.canonical))
	})
	e.issuer = httptest.NewTLSServer(mux)
	t.Cleanup(e.issuer.Close)

	issuerURL, err := url.Parse(e.issuer.URL)
	require.NoError(t, err)

	e.poppler = &fakePoppler{qr: e.issuer.URL + "/noc/verify/abc"}
	e.v = New(Deps{
		Store:     st,
		Files:     fs,
		Locator:   barcode.NewLocator(barcode.Config{IssuerHosts: []string{issuerURL.Hostname()}, TempDir: t.TempDir()}, e.poppler),
		Fetcher:   fetcher.NewFetcher(fetcher.Config{Client: e.issuer.Client(), Timeout: 5 * time.Second}),
		Extractor: extract.NewExtractor(e.poppler, ""),
		Now:       func() time.Time { return e.now },
	}, Config{})
	return e
}

func (e *env) seed(t *testing.T, opts storetest.Options) (storetest.Fixture, *models.Actor) {
	t.Helper()
	if opts.StudentName == "" {
		opts.StudentName = "Asha Rao"
	}
	if opts.SubjectName == "" {
		opts.SubjectName = "Introduction to Machine Learning"
	}
	f := storetest.SeedRequest(t, &e.st.BaseStore, opts)
	return f, models.NewActor(f.StudentID, models.NPTELStudent)
}

func (e *env) stage(t *testing.T, requestID, body string) string {
	t.Helper()
	path, err := e.files.Stage(requestID, strings.NewReader(body))
	require.NoError(t, err)
	return path
}

func (e *env) state(t *testing.T, requestID string) (*models.RequestDetail, *models.Certificate) {
	t.Helper()
	req, err := e.st.GetRequest(context.Background(), requestID)
	require.NoError(t, err)
	cert, err := e.st.GetCertificate(context.Background(), requestID)
	require.NoError(t, err)
	return req, cert
}

func (e *env) assertNoScratch(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(e.files.Root(), ".incoming"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestVerifyCompletesMatchingCertificate(t *testing.T) {
	e := newEnv(t)
	f, student := e.seed(t, storetest.Options{})

	upload := genuine
	upload.student = "  asha rao"
	upload.course = "INTRODUCTION TO MACHINE LEARNING"
	err := e.v.Verify(context.Background(), Upload{RequestID: f.RequestID, Actor: student, StagedPath: e.stage(t, f.RequestID, upload.text())})
	require.NoError(t, err)

	req, cert := e.state(t, f.RequestID)
	assert.Equal(t, models.StatusCompleted, req.Status)
	require.NotNil(t, cert)
	assert.True(t, cert.Verified)
	require.NotNil(t, cert.VerifiedTotalMarks)
	assert.Equal(t, 76, *cert.VerifiedTotalMarks)
	assert.Equal(t, RemarkVerified, cert.Remark)
	assert.Equal(t, f.RequestID+".pdf", cert.FileURL)
	require.NotNil(t, cert.VerificationFileURL)
	assert.Equal(t, e.issuer.URL+"/noc/files/abc.pdf", *cert.VerificationFileURL)

	stored, err := os.ReadFile(e.files.Path(f.RequestID))
	require.NoError(t, err)
	assert.Equal(t, upload.text(), string(stored))
	e.assertNoScratch(t)
}

func TestVerifyRejectsForeignBarcode(t *testing.T) {
	e := newEnv(t)
	e.poppler.qr = "https://certificates.example.com/noc/verify/abc"
	f, student := e.seed(t, storetest.Options{})

	err := e.v.Verify(context.Background(), Upload{RequestID: f.RequestID, Actor: student, StagedPath: e.stage(t, f.RequestID, genuine.text())})

	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, models.StatusRejected, verr.Status)
	assert.Equal(t, RemarkLinkNotFound, verr.Remark)

	req, cert := e.state(t, f.RequestID)
	assert.Equal(t, models.StatusRejected, req.Status)
	assert.False(t, cert.Verified)
	assert.Equal(t, RemarkLinkNotFound, cert.Remark)
	e.assertNoScratch(t)
}

func TestVerifyErrorsWhenIssuerFails(t *testing.T) {
	e := newEnv(t)
	e.pageStatus = http.StatusInternalServerError
	f, student := e.seed(t, storetest.Options{})

	err := e.v.Verify(context.Background(), Upload{RequestID: f.RequestID, Actor: student, StagedPath: e.stage(t, f.RequestID, genuine.text())})

	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, models.StatusError, verr.Status)

	req, cert := e.state(t, f.RequestID)
	assert.Equal(t, models.StatusError, req.Status)
	assert.Equal(t, RemarkDownloadFailed, cert.Remark)
	assert.Nil(t, cert.VerificationFileURL)
	e.assertNoScratch(t)
}

func TestVerifyRejectsMismatches(t *testing.T) {
	tests := []struct {
		name    string
		upload  func(p page) page
		student string
		want    string
	}{
		{"marks", func(p page) page { p.marks = "86"; return p }, "", RemarkMarksMismatch},
		{"marks and roll", func(p page) page { p.marks = "86"; p.roll = "NPTEL24CS51S9999"; return p }, "", RemarkMarksMismatch},
		{"period", func(p page) page { p.period = "Jan-Apr 2024 (12 week course)"; return p }, "", RemarkPeriodMismatch},
		{"name of record", func(p page) page { return p }, "Someone Else", RemarkStudentMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			f, student := e.seed(t, storetest.Options{StudentName: tt.student})

			err := e.v.Verify(context.Background(), Upload{RequestID: f.RequestID, Actor: student, StagedPath: e.stage(t, f.RequestID, tt.upload(genuine).text())})

			var verr *VerificationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, models.StatusRejected, verr.Status)
			assert.Equal(t, tt.want, verr.Remark)

			req, cert := e.state(t, f.RequestID)
			assert.Equal(t, models.StatusRejected, req.Status)
			assert.Equal(t, tt.want, cert.Remark)
			assert.Nil(t, cert.VerifiedTotalMarks)
		})
	}
}

func TestVerifyParseFailures(t *testing.T) {
	t.Run("uploaded layout is the student's problem", func(t *testing.T) {
		e := newEnv(t)
		f, student := e.seed(t, storetest.Options{})

		err := e.v.Verify(context.Background(), Upload{RequestID: f.RequestID, Actor: student, StagedPath: e.stage(t, f.RequestID, "just\nthree\nlines\n")})

		var verr *VerificationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, models.StatusRejected, verr.Status)
		assert.Equal(t, RemarkUploadUnreadable, verr.Remark)
	})

	t.Run("canonical layout is a system fault", func(t *testing.T) {
		e := newEnv(t)
		e.canonical = "maintenance page\n"
		f, student := e.seed(t, storetest.Options{})

		err := e.v.Verify(context.Background(), Upload{RequestID: f.RequestID, Actor: student, StagedPath: e.stage(t, f.RequestID, genuine.text())})

		var verr *VerificationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, models.StatusError, verr.Status)
		assert.Equal(t, RemarkCanonicalUnreadable, verr.Remark)

		_, cert := e.state(t, f.RequestID)
		require.NotNil(t, cert.VerificationFileURL)
	})
}

func TestVerifyRefusals(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	past := e.now.Add(-time.Minute)
	due, student := e.seed(t, storetest.Options{DueDate: &past})
	err := e.v.Verify(ctx, Upload{RequestID: due.RequestID, Actor: student, StagedPath: e.stage(t, due.RequestID, genuine.text())})
	assert.ErrorIs(t, err, ErrPastDue)
	req, cert := e.state(t, due.RequestID)
	assert.Equal(t, models.StatusPending, req.Status)
	assert.Nil(t, cert)

	err = e.v.Verify(ctx, Upload{RequestID: "missing", Actor: student, StagedPath: e.stage(t, "missing", "x")})
	assert.ErrorIs(t, err, ErrRequestNotFound)

	other, _ := e.seed(t, storetest.Options{})
	err = e.v.Verify(ctx, Upload{RequestID: other.RequestID, Actor: student, StagedPath: e.stage(t, other.RequestID, "x")})
	assert.ErrorIs(t, err, ErrRequestNotFound)

	done, doneStudent := e.seed(t, storetest.Options{Status: models.StatusCompleted})
	err = e.v.Verify(ctx, Upload{RequestID: done.RequestID, Actor: doneStudent, StagedPath: e.stage(t, done.RequestID, "x")})
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	busy, busyStudent := e.seed(t, storetest.Options{Status: models.StatusProcessing})
	err = e.v.Verify(ctx, Upload{RequestID: busy.RequestID, Actor: busyStudent, StagedPath: e.stage(t, busy.RequestID, "x")})
	assert.ErrorIs(t, err, ErrAlreadyProcessing)

	teacher := models.NewActor(busy.TeacherID, models.NPTELMentor)
	err = e.v.Verify(ctx, Upload{RequestID: busy.RequestID, Actor: teacher, StagedPath: e.stage(t, busy.RequestID, "x")})
	assert.ErrorIs(t, err, ErrForbidden)

	e.assertNoScratch(t)
}

func TestVerifyRetriesAfterRejection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f, student := e.seed(t, storetest.Options{})

	bad := genuine
	bad.marks = "99"
	err := e.v.Verify(ctx, Upload{RequestID: f.RequestID, Actor: student, StagedPath: e.stage(t, f.RequestID, bad.text())})
	require.Error(t, err)

	e.now = e.now.Add(time.Hour)
	err = e.v.Verify(ctx, Upload{RequestID: f.RequestID, Actor: student, StagedPath: e.stage(t, f.RequestID, genuine.text())})
	require.NoError(t, err)

	req, cert := e.state(t, f.RequestID)
	assert.Equal(t, models.StatusCompleted, req.Status)
	assert.Equal(t, RemarkVerified, cert.Remark)
}
