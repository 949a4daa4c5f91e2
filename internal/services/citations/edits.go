package citations

import (
	"strings"

	"github.com/thala-research/thala/internal/models"
)

// InvalidEdit records an edit that could not be applied and why
type InvalidEdit struct {
	Edit   models.Edit
	Reason string
}

// EditReport summarizes an ApplyEdits run
type EditReport struct {
	Applied int
	Invalid []InvalidEdit
}

// ApplyEdits applies find/replace edits sequentially against the running
// document. An edit is valid only when its Find string occurs exactly once
// at the moment it is applied; earlier edits can invalidate later ones, and
// that is the intended reading since the model generated them against one
// snapshot.
func ApplyEdits(doc string, edits []models.Edit) (string, *EditReport) {
	report := &EditReport{}
	for _, edit := range edits {
		if edit.Find == "" {
			report.Invalid = append(report.Invalid, InvalidEdit{Edit: edit, Reason: "empty find string"})
			continue
		}
		switch strings.Count(doc, edit.Find) {
		case 0:
			report.Invalid = append(report.Invalid, InvalidEdit{Edit: edit, Reason: "not found"})
		case 1:
			doc = strings.Replace(doc, edit.Find, edit.Replace, 1)
			report.Applied++
		default:
			report.Invalid = append(report.Invalid, InvalidEdit{Edit: edit, Reason: "ambiguous, occurs more than once"})
		}
	}
	return doc, report
}
