// Package extract reads the fixed-layout fields of a course certificate.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shrimpsizemoose/trekker/logger"
)

var ErrNotExtractable = errors.New("document layout is not extractable")

// A conforming first page carries exactly this many non-blank lines,
// one more when the course name wraps.
const pageLineCount = 12

const (
	lineCoursePeriod = 3
	lineCourseName   = 5
	lineStudentName  = 6
	lineAssignment   = 7
	lineExam         = 8
	lineTotal        = 9
	lineRollNumber   = 11
)

type Fields struct {
	CoursePeriod    string
	CourseName      string
	StudentName     string
	AssignmentMarks string
	ExamMarks       string
	TotalMarks      string
	RollNumber      string
}

// Extract parses first-page text into fields. longName means the course
// name spans two lines and every later field shifts down by one.
func Extract(text string, longName bool) (Fields, error) {
	lines := pageLines(text)

	offset := 0
	if longName {
		offset = 1
	}
	if len(lines) != pageLineCount+offset {
		return Fields{}, fmt.Errorf("%w: got %d lines, want %d", ErrNotExtractable, len(lines), pageLineCount+offset)
	}

	courseName := lines[lineCourseName]
	if longName {
		courseName += " " + lines[lineCourseName+1]
	}

	return Fields{
		CoursePeriod:    lines[lineCoursePeriod],
		CourseName:      courseName,
		StudentName:     lines[lineStudentName+offset],
		AssignmentMarks: lines[lineAssignment+offset],
		ExamMarks:       lines[lineExam+offset],
		TotalMarks:      lines[lineTotal+offset],
		RollNumber:      lines[lineRollNumber+offset],
	}, nil
}

// pageLines splits the first page into physical lines and trims each one.
// Blank lines are kept so they count against the layout. Only the
// terminator pdftotext writes after the last line is dropped.
func pageLines(text string) []string {
	if i := strings.IndexByte(text, '\f'); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return lines
}

type Extractor struct {
	runner    Runner
	pdftotext string
}

func NewExtractor(runner Runner, pdftotext string) *Extractor {
	if runner == nil {
		runner = ExecRunner{}
	}
	if pdftotext == "" {
		pdftotext = "pdftotext"
	}
	return &Extractor{runner: runner, pdftotext: pdftotext}
}

// FirstPageText returns the text of page one in content-stream order.
func (e *Extractor) FirstPageText(ctx context.Context, path string) (string, error) {
	// pdftotext -f 1 -l 1 -raw -enc UTF-8 -eol unix <path> -
	out, errb, err := e.runner.Run(ctx, e.pdftotext, "-f", "1", "-l", "1", "-raw", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return "", fmt.Errorf("pdftotext %s: %w (%s)", path, err, truncate(strings.TrimSpace(string(errb)), 512))
	}
	return string(out), nil
}

// ExtractFile reads page one of the PDF at path and parses it. Unreadable
// documents are reported as ErrNotExtractable.
func (e *Extractor) ExtractFile(ctx context.Context, path string, longName bool) (Fields, error) {
	text, err := e.FirstPageText(ctx, path)
	if err != nil {
		return Fields{}, fmt.Errorf("%w: %v", ErrNotExtractable, err)
	}
	fields, err := Extract(text, longName)
	if err != nil {
		logger.Debug.Printf("Layout check failed for %s: %v", path, err)
		return Fields{}, err
	}
	return fields, nil
}
