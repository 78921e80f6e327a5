package verifier

import (
	"strings"

	"github.com/shrimpsizemoose/avlokan/internal/extract"
)

// Record holds the names on file that the uploaded certificate must also match.
type Record struct {
	SubjectName string
	StudentName string
}

type check struct {
	remark string
	ok     func(uploaded, canonical extract.Fields, rec Record) bool
}

// checks run in this order and the first failure names the rejection.
var checks = []check{
	{RemarkCourseMismatch, func(u, c extract.Fields, rec Record) bool {
		return same(u.CourseName, c.CourseName) && same(u.CourseName, rec.SubjectName)
	}},
	{RemarkStudentMismatch, func(u, c extract.Fields, rec Record) bool {
		return same(u.StudentName, c.StudentName) && same(u.StudentName, rec.StudentName)
	}},
	{RemarkMarksMismatch, func(u, c extract.Fields, _ Record) bool {
		return same(u.TotalMarks, c.TotalMarks)
	}},
	{RemarkRollMismatch, func(u, c extract.Fields, _ Record) bool {
		return same(u.RollNumber, c.RollNumber)
	}},
	{RemarkPeriodMismatch, func(u, c extract.Fields, _ Record) bool {
		return same(u.CoursePeriod, c.CoursePeriod)
	}},
}

// Compare reports the remark of the first field that disagrees, or ok.
func Compare(uploaded, canonical extract.Fields, rec Record) (string, bool) {
	for _, c := range checks {
		if !c.ok(uploaded, canonical, rec) {
			return c.remark, false
		}
	}
	return "", true
}

func same(a, b string) bool {
	return strings.EqualFold(normalize(a), normalize(b))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
