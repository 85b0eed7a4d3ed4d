// Package integrity checks document provenance signals for signs of tampering.
// It looks only at document metadata, never at transaction content.
package integrity

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Validator runs the provenance checks.
type Validator struct {
	cfg domain.IntegrityConfig
}

// NewValidator creates a validator with the given thresholds.
func NewValidator(cfg domain.IntegrityConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Validate returns one finding per check in a fixed order: metadata,
// revisions, structural checksum, fonts and encodings.
func (v *Validator) Validate(stmt *domain.Statement) []domain.IntegrityFinding {
	return []domain.IntegrityFinding{
		v.metadata(stmt),
		v.revisions(stmt.Metadata),
		v.checksum(stmt.Metadata),
		v.fonts(stmt.Metadata),
	}
}

func (v *Validator) metadata(stmt *domain.Statement) domain.IntegrityFinding {
	meta := stmt.Metadata
	f := domain.IntegrityFinding{Check: domain.CheckMetadataInconsistency}

	var problems []string
	if meta.CreatedAt != nil && meta.ModifiedAt != nil && meta.ModifiedAt.Before(*meta.CreatedAt) {
		problems = append(problems, fmt.Sprintf("modified %s before created %s",
			meta.ModifiedAt.Format(time.RFC3339), meta.CreatedAt.Format(time.RFC3339)))
	}
	if meta.ModifiedAt != nil {
		latest := stmt.PeriodEndExclusive().Add(time.Duration(v.cfg.ModificationGraceHours) * time.Hour)
		if meta.ModifiedAt.Before(stmt.PeriodStart) || !meta.ModifiedAt.Before(latest) {
			problems = append(problems, fmt.Sprintf("modified %s outside statement period %s to %s",
				meta.ModifiedAt.Format(time.RFC3339),
				stmt.PeriodStart.Format(time.DateOnly), stmt.PeriodEnd.Format(time.DateOnly)))
		}
	}
	for _, field := range []struct{ name, value string }{{"producer", meta.Producer}, {"creator", meta.Creator}} {
		if tool := v.suspiciousTool(field.value); tool != "" {
			problems = append(problems, fmt.Sprintf("%s %q indicates editing tool %q", field.name, field.value, tool))
		}
	}

	switch {
	case len(problems) > 0:
		f.Result = domain.ResultFail
		f.Evidence = strings.Join(problems, "; ")
	case meta.CreatedAt == nil && meta.ModifiedAt == nil && meta.Producer == "" && meta.Creator == "":
		f.Result = domain.ResultInconclusive
		f.Evidence = "no creation or modification timestamps supplied"
	default:
		f.Result = domain.ResultPass
		f.Evidence = "timestamps and producer are consistent"
	}
	return f
}

func (v *Validator) suspiciousTool(s string) string {
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	for _, tool := range v.cfg.SuspiciousProducers {
		if tool != "" && strings.Contains(lower, strings.ToLower(tool)) {
			return tool
		}
	}
	return ""
}

func (v *Validator) revisions(meta domain.DocumentMetadata) domain.IntegrityFinding {
	f := domain.IntegrityFinding{Check: domain.CheckRevisionAnomaly, Result: domain.ResultPass}
	switch {
	case meta.Reissued:
		f.Evidence = fmt.Sprintf("reissued document with %d revisions", meta.RevisionCount)
	case meta.RevisionCount > v.cfg.MaxRevisions:
		f.Result = domain.ResultFail
		f.Evidence = fmt.Sprintf("original issuance has %d revisions, more than the allowed %d",
			meta.RevisionCount, v.cfg.MaxRevisions)
	default:
		f.Evidence = fmt.Sprintf("%d revisions", meta.RevisionCount)
	}
	return f
}

func (v *Validator) checksum(meta domain.DocumentMetadata) domain.IntegrityFinding {
	f := domain.IntegrityFinding{Check: domain.CheckStructuralChecksum}

	reference := meta.ReferenceFingerprint
	if reference == "" && meta.Template != "" {
		reference = v.cfg.ReferenceFingerprints[meta.Template]
	}

	switch {
	case meta.StructuralFingerprint == "":
		f.Result = domain.ResultInconclusive
		f.Evidence = "no structural fingerprint supplied"
	case reference == "":
		f.Result = domain.ResultInconclusive
		f.Evidence = "no reference fingerprint available"
	case strings.EqualFold(meta.StructuralFingerprint, reference):
		f.Result = domain.ResultPass
		f.Evidence = "structural fingerprint matches reference"
	default:
		f.Result = domain.ResultFail
		f.Evidence = fmt.Sprintf("structural fingerprint %s does not match reference %s",
			meta.StructuralFingerprint, reference)
	}
	return f
}

func (v *Validator) fonts(meta domain.DocumentMetadata) domain.IntegrityFinding {
	f := domain.IntegrityFinding{Check: domain.CheckFontEncoding}
	if len(meta.Pages) == 0 {
		f.Result = domain.ResultInconclusive
		f.Evidence = "no page markers supplied"
		return f
	}

	first := meta.Pages[0]
	for _, p := range meta.Pages[1:] {
		if p.Number < first.Number {
			first = p
		}
	}

	var problems []string
	var encodings []string
	for _, p := range meta.Pages {
		if p.Encoding != "" && !slices.Contains(encodings, p.Encoding) {
			encodings = append(encodings, p.Encoding)
		}
	}
	if len(encodings) > 1 {
		problems = append(problems, "mixed encodings "+strings.Join(encodings, ", "))
	}
	for _, p := range meta.Pages {
		if p.Number == first.Number {
			continue
		}
		for _, font := range p.Fonts {
			if !slices.Contains(first.Fonts, font) {
				problems = append(problems, fmt.Sprintf("page %d introduces font %s", p.Number, font))
			}
		}
	}

	if len(problems) > 0 {
		f.Result = domain.ResultFail
		f.Evidence = strings.Join(problems, "; ")
		return f
	}
	f.Result = domain.ResultPass
	f.Evidence = fmt.Sprintf("%d pages share consistent fonts and encoding", len(meta.Pages))
	return f
}
