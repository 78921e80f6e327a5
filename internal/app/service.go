package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shrimpsizemoose/avlokan/internal/barcode"
	"github.com/shrimpsizemoose/avlokan/internal/cleanup"
	"github.com/shrimpsizemoose/avlokan/internal/export"
	"github.com/shrimpsizemoose/avlokan/internal/extract"
	"github.com/shrimpsizemoose/avlokan/internal/fetcher"
	"github.com/shrimpsizemoose/avlokan/internal/files"
	"github.com/shrimpsizemoose/avlokan/internal/store"
	"github.com/shrimpsizemoose/avlokan/internal/verifier"
)

type Service struct {
	Config     *Config
	Store      store.CertificateStore
	Files      *files.Storage
	Auth       *Auth
	Verifier   *verifier.Verifier
	Reconciler *cleanup.Reconciler
	Reporter   *export.Reporter
}

func NewService(configPath string) (*Service, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := NewStore(config.Database.DSN, config.Database.MigrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to init store: %w", err)
	}

	auth, err := NewAuth(config)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to init auth: %w", err)
	}

	svc, err := Assemble(config, store, auth)
	if err != nil {
		store.Close()
		auth.Close()
		return nil, err
	}
	return svc, nil
}

// Assemble builds the verification components on top of an open store.
func Assemble(config *Config, st store.CertificateStore, auth *Auth) (*Service, error) {
	storage, err := files.NewStorage(config.Storage.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to init certificate storage: %w", err)
	}

	vc := config.Verification
	runner := extract.ExecRunner{}
	locator := barcode.NewLocator(barcode.Config{
		Pdftoppm:    vc.Pdftoppm,
		DPI:         vc.DPI,
		IssuerHosts: vc.IssuerHosts,
	}, runner)
	fetch := fetcher.NewFetcher(fetcher.Config{
		Timeout:     vc.FetchTimeout.Duration,
		AnchorLabel: vc.AnchorLabel,
		MaxBodySize: vc.MaxDocumentBytes,
	})
	extractor := extract.NewExtractor(runner, vc.Pdftotext)

	v := verifier.New(verifier.Deps{
		Store:     st,
		Files:     storage,
		Locator:   locator,
		Fetcher:   fetch,
		Extractor: extractor,
		Now:       time.Now,
	}, verifier.Config{
		BarcodePage:       vc.BarcodePage,
		LongNameThreshold: vc.LongNameThreshold,
	})

	reconciler := cleanup.NewReconciler(st, time.Now, cleanup.Config{
		Threshold: config.Cleanup.Threshold.Duration,
		Interval:  config.Cleanup.Interval.Duration,
	})

	return &Service{
		Config:     config,
		Store:      st,
		Files:      storage,
		Auth:       auth,
		Verifier:   v,
		Reconciler: reconciler,
		Reporter:   export.NewReporter(st),
	}, nil
}

func (s *Service) ValidateHeaders(headers map[string][]string) bool {
	for _, required := range s.Config.API.RequiredHeaders {
		value := headers[http.CanonicalHeaderKey(required.Name)]
		if len(value) == 0 || !strings.EqualFold(value[0], required.Value) {
			return false
		}
	}
	return true
}

func (s *Service) Close() error {
	var errs []error

	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if s.Auth != nil {
		if err := s.Auth.Close(); err != nil {
			errs = append(errs, fmt.Errorf("auth: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors while closing: %v", errs)
	}
	return nil
}
