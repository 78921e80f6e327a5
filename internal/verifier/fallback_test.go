package verifier

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/shrimpsizemoose/avlokan/internal/extract"
	"github.com/shrimpsizemoose/avlokan/internal/fetcher"
	"github.com/shrimpsizemoose/avlokan/internal/files"
	"github.com/shrimpsizemoose/avlokan/internal/models"
	"github.com/shrimpsizemoose/avlokan/internal/store"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Close() error {
	return nil
}

func (m *MockStore) ApplyMigrations(dir string) error {
	return nil
}

func (m *MockStore) GetRequest(ctx context.Context, requestID string) (*models.RequestDetail, error) {
	args := m.Called(requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RequestDetail), args.Error(1)
}

func (m *MockStore) GetCertificate(ctx context.Context, requestID string) (*models.Certificate, error) {
	args := m.Called(requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Certificate), args.Error(1)
}

func (m *MockStore) ApplyTransition(ctx context.Context, t store.Transition) (bool, error) {
	args := m.Called(t)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) SetVerificationFileURL(ctx context.Context, requestID, url string, at time.Time) error {
	return m.Called(requestID, url).Error(0)
}

func (m *MockStore) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]models.RequestDetail, error) {
	args := m.Called(cutoff)
	return args.Get(0).([]models.RequestDetail), args.Error(1)
}

func (m *MockStore) ListSubjectRequests(ctx context.Context, subjectID string) ([]models.ReportRow, error) {
	args := m.Called(subjectID)
	return args.Get(0).([]models.ReportRow), args.Error(1)
}

type stubLocator struct {
	link  string
	ok    bool
	panic bool
}

func (s stubLocator) LocateLink(ctx context.Context, pdfPath string, page int) (string, bool) {
	if s.panic {
		panic("decoder blew up")
	}
	return s.link, s.ok
}

type stubFetcher struct {
	res fetcher.Result
}

func (s stubFetcher) Fetch(ctx context.Context, link, dest string) fetcher.Result {
	return s.res
}

type stubExtractor struct {
	fields extract.Fields
	err    error
}

func (s stubExtractor) ExtractFile(ctx context.Context, path string, longName bool) (extract.Fields, error) {
	return s.fields, s.err
}

func to(status models.RequestStatus) interface{} {
	return mock.MatchedBy(func(t store.Transition) bool { return t.To == status })
}

func pendingDetail() *models.RequestDetail {
	return &models.RequestDetail{
		Request:     models.Request{ID: "r1", Status: models.StatusPending},
		StudentID:   "s1",
		StudentName: "Asha Rao",
		SubjectName: "Introduction to Machine Learning",
		TeacherID:   "t1",
	}
}

func newMocked(t *testing.T, st *MockStore, loc LinkLocator) (*Verifier, *files.Storage) {
	fs, err := files.NewStorage(t.TempDir())
	require.NoError(t, err)
	v := New(Deps{
		Store:     st,
		Files:     fs,
		Locator:   loc,
		Fetcher:   stubFetcher{res: fetcher.Result{OK: true, DocumentURL: "https://nptel.ac.in/c.pdf"}},
		Extractor: stubExtractor{err: extract.ErrNotExtractable},
		Now:       func() time.Time { return time.Date(2024, 11, 1, 10, 0, 0, 0, time.UTC) },
	}, Config{})
	return v, fs
}

func stage(t *testing.T, fs *files.Storage) string {
	p, err := fs.Stage("r1", strings.NewReader("%PDF"))
	require.NoError(t, err)
	return p
}

func TestVerifyFallsBackToErrorWhenSettleFails(t *testing.T) {
	st := new(MockStore)
	st.On("GetRequest", "r1").Return(pendingDetail(), nil)
	st.On("ApplyTransition", to(models.StatusProcessing)).Return(true, nil).Once()
	st.On("ApplyTransition", to(models.StatusRejected)).Return(false, errors.New("database is locked")).Once()
	st.On("ApplyTransition", mock.MatchedBy(func(t store.Transition) bool {
		return t.To == models.StatusError && t.Certificate.Remark == RemarkInternal
	})).Return(true, nil).Once()

	v, fs := newMocked(t, st, stubLocator{ok: false})
	err := v.Verify(context.Background(), Upload{RequestID: "r1", Actor: models.NewActor("s1", models.NPTELStudent), StagedPath: stage(t, fs)})

	assert.ErrorIs(t, err, ErrInternal)
	st.AssertExpectations(t)
}

func TestVerifyFallbackMayFailToo(t *testing.T) {
	st := new(MockStore)
	st.On("GetRequest", "r1").Return(pendingDetail(), nil)
	st.On("ApplyTransition", to(models.StatusProcessing)).Return(true, nil).Once()
	st.On("ApplyTransition", to(models.StatusRejected)).Return(false, errors.New("connection refused")).Once()
	st.On("ApplyTransition", to(models.StatusError)).Return(false, errors.New("connection refused")).Once()

	v, fs := newMocked(t, st, stubLocator{ok: false})
	err := v.Verify(context.Background(), Upload{RequestID: "r1", Actor: models.NewActor("s1", models.NPTELStudent), StagedPath: stage(t, fs)})

	assert.ErrorIs(t, err, ErrInternal)
	st.AssertExpectations(t)
}

func TestVerifyRecoversFromPanic(t *testing.T) {
	st := new(MockStore)
	st.On("GetRequest", "r1").Return(pendingDetail(), nil)
	st.On("ApplyTransition", to(models.StatusProcessing)).Return(true, nil).Once()
	st.On("ApplyTransition", to(models.StatusError)).Return(true, nil).Once()

	v, fs := newMocked(t, st, stubLocator{panic: true})
	err := v.Verify(context.Background(), Upload{RequestID: "r1", Actor: models.NewActor("s1", models.NPTELStudent), StagedPath: stage(t, fs)})

	assert.ErrorIs(t, err, ErrInternal)
	st.AssertExpectations(t)
}

func TestVerifyLosesClaimRace(t *testing.T) {
	processing := pendingDetail()
	processing.Status = models.StatusProcessing

	st := new(MockStore)
	st.On("GetRequest", "r1").Return(pendingDetail(), nil).Once()
	st.On("ApplyTransition", to(models.StatusProcessing)).Return(false, nil).Once()
	st.On("GetRequest", "r1").Return(processing, nil).Once()

	v, fs := newMocked(t, st, stubLocator{})
	staged := stage(t, fs)
	err := v.Verify(context.Background(), Upload{RequestID: "r1", Actor: models.NewActor("s1", models.NPTELStudent), StagedPath: staged})

	assert.ErrorIs(t, err, ErrAlreadyProcessing)
	assert.NoFileExists(t, staged)
	assert.NoFileExists(t, fs.Path("r1"))
	st.AssertExpectations(t)
}

func TestVerifyClaimCarriesCertificateReset(t *testing.T) {
	st := new(MockStore)
	st.On("GetRequest", "r1").Return(pendingDetail(), nil)
	st.On("ApplyTransition", mock.MatchedBy(func(t store.Transition) bool {
		return t.To == models.StatusProcessing &&
			t.Certificate != nil &&
			t.Certificate.Mode == store.CertificateUpsert &&
			*t.Certificate.FileURL == "r1.pdf" &&
			t.Certificate.VerificationFileURL == nil &&
			!containsStatus(t.From, models.StatusProcessing) &&
			!containsStatus(t.From, models.StatusCompleted)
	})).Return(true, nil).Once()
	st.On("ApplyTransition", to(models.StatusRejected)).Return(true, nil).Once()

	v, fs := newMocked(t, st, stubLocator{ok: false})
	err := v.Verify(context.Background(), Upload{RequestID: "r1", Actor: models.NewActor("s1", models.NPTELStudent), StagedPath: stage(t, fs)})

	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, RemarkLinkNotFound, verr.Remark)
	assert.FileExists(t, fs.Path("r1"))
	st.AssertExpectations(t)
}

func containsStatus(list []models.RequestStatus, s models.RequestStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
