// Package barcode finds the issuer verification link printed as a QR code on a certificate.
package barcode

import (
	"context"
	"fmt"
	"image/png"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/avlokan/internal/extract"
)

const (
	DefaultDPI  = 150
	DefaultHost = "nptel.ac.in"
)

type Config struct {
	Pdftoppm    string
	DPI         int
	IssuerHosts []string
	TempDir     string
}

type Locator struct {
	cfg    Config
	runner extract.Runner
}

func NewLocator(cfg Config, runner extract.Runner) *Locator {
	if runner == nil {
		runner = extract.ExecRunner{}
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = DefaultDPI
	}
	if len(cfg.IssuerHosts) == 0 {
		cfg.IssuerHosts = []string{DefaultHost}
	}
	return &Locator{
		cfg:    cfg,
		runner: runner,
	}
}

// LocateLink renders the zero-based page of the PDF and returns the decoded
// QR payload when it is an https URL on an issuer host. Any failure along
// the way is logged and reported as not found.
func (l *Locator) LocateLink(ctx context.Context, pdfPath string, page int) (string, bool) {
	payload, err := l.decodePage(ctx, pdfPath, page)
	if err != nil {
		logger.Info.Printf("No QR code decoded from %s page %d: %v", pdfPath, page, err)
		return "", false
	}
	if !l.IsIssuerURL(payload) {
		logger.Info.Printf("QR payload from %s is not an issuer link: %q", pdfPath, payload)
		return "", false
	}
	logger.Debug.Printf("Decoded issuer link from %s: %s", pdfPath, payload)
	return payload, true
}

func (l *Locator) decodePage(ctx context.Context, pdfPath string, page int) (string, error) {
	tmpDir, err := os.MkdirTemp(l.cfg.TempDir, "qr-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer func(path string) {
		if err := os.RemoveAll(path); err != nil {
			logger.Error.Printf("failed to remove temp dir %q: %v", path, err)
		}
	}(tmpDir)

	prefix := filepath.Join(tmpDir, "page")
	n := strconv.Itoa(page + 1)
	// pdftoppm -r <dpi> -f N -l N -png -singlefile <in.pdf> <tmp/page>
	_, errb, err := l.runner.Run(ctx, l.cfg.Pdftoppm,
		"-r", strconv.Itoa(l.cfg.DPI), "-f", n, "-l", n, "-png", "-singlefile", pdfPath, prefix)
	if err != nil {
		return "", fmt.Errorf("render page: %w (%s)", err, strings.TrimSpace(string(errb)))
	}

	f, err := os.Open(prefix + ".png")
	if err != nil {
		return "", fmt.Errorf("open rendered page: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return "", fmt.Errorf("decode rendered page: %w", err)
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("binarize page: %w", err)
	}
	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	result, err := qrcode.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		return "", fmt.Errorf("decode qr: %w", err)
	}
	return result.GetText(), nil
}

// IsIssuerURL reports whether raw is an absolute https URL on a configured issuer host.
func (l *Locator) IsIssuerURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme != "https" || u.User != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range l.cfg.IssuerHosts {
		if host == strings.ToLower(h) {
			return true
		}
	}
	return false
}
