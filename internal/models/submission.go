package models

import (
	"time"

	"github.com/devsoko/escrow-engine/internal/apperr"
	"github.com/google/uuid"
)

// Evidence item kinds
const (
	EvidenceKindLink       = "link"
	EvidenceKindFile       = "file"
	EvidenceKindText       = "text"
	EvidenceKindScreenshot = "screenshot"
	EvidenceKindCommit     = "commit"
	EvidenceKindDemoURL    = "demo_url"
)

// ProgressSubmission is a developer's evidence package for one milestone.
// Immutable once created; a correction after "changes requested" is a new
// submission. The milestone keeps its full submission history.
type ProgressSubmission struct {
	ID          uuid.UUID      `json:"id"`
	MilestoneID uuid.UUID      `json:"milestone_id"`
	DeveloperID uuid.UUID      `json:"developer_id"`
	Summary     string         `json:"summary"`
	Items       []EvidenceItem `json:"items,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// EvidenceItem is one typed piece of evidence. URL carries link/demo_url
// values, FileRef the opaque id handed out by the external file service,
// Body raw text, CommitSHA a repository reference. Title/Description are
// filled in later by the link-metadata worker for URL kinds.
type EvidenceItem struct {
	ID           uuid.UUID `json:"id"`
	SubmissionID uuid.UUID `json:"submission_id"`
	Position     int       `json:"position"`
	Kind         string    `json:"kind"`
	URL          *string   `json:"url,omitempty"`
	FileRef      *string   `json:"file_ref,omitempty"`
	Body         *string   `json:"body,omitempty"`
	CommitSHA    *string   `json:"commit_sha,omitempty"`
	Title        *string   `json:"title,omitempty"`
	Description  *string   `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks the kind discriminant against the populated value field.
func (e *EvidenceItem) Validate() error {
	has := func(s *string) bool { return s != nil && *s != "" }
	switch e.Kind {
	case EvidenceKindLink, EvidenceKindDemoURL:
		if !has(e.URL) {
			return apperr.Validation("evidence kind %s requires url", e.Kind)
		}
	case EvidenceKindFile, EvidenceKindScreenshot:
		if !has(e.FileRef) {
			return apperr.Validation("evidence kind %s requires file_ref", e.Kind)
		}
	case EvidenceKindText:
		if !has(e.Body) {
			return apperr.Validation("evidence kind text requires body")
		}
	case EvidenceKindCommit:
		if !has(e.CommitSHA) {
			return apperr.Validation("evidence kind commit requires commit_sha")
		}
	default:
		return apperr.Validation("unknown evidence kind %q", e.Kind)
	}
	return nil
}
