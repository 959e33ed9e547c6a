package engine

import (
	"time"

	"media-delivery-engine/internal/apperr"
)

// TriggerKind selects how a trigger is detected and how its subject resolves.
type TriggerKind string

const (
	KindKeyword    TriggerKind = "keyword"
	KindProductURL TriggerKind = "product_url"
)

type MatchMode string

const (
	MatchExact     MatchMode = "exact"
	MatchSubstring MatchMode = "substring"
)

type Provenance string

const (
	ProvenanceScraped  Provenance = "scraped"
	ProvenanceUploaded Provenance = "uploaded"
)

// SourceImage is one image owned by a subject. ID is assigned at ingestion
// and is the only lookup key; Filename is display metadata.
type SourceImage struct {
	ID             string     `json:"id"`
	Filename       string     `json:"filename"`
	OriginalName   string     `json:"original_name,omitempty"`
	Path           string     `json:"path,omitempty"`
	RemoteURL      string     `json:"remote_url,omitempty"`
	Size           int64      `json:"size,omitempty"`
	IsPrimary      bool       `json:"is_primary"`
	Position       int        `json:"position"`
	Selected       bool       `json:"selected"`
	SelectionOrder *int       `json:"selection_order"`
	Provenance     Provenance `json:"provenance,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TriggerDefinition is a keyword or product URL with its ordered images.
type TriggerDefinition struct {
	ID            string        `json:"id"`
	Kind          TriggerKind   `json:"kind"`
	Identity      string        `json:"identity"`
	Name          string        `json:"name,omitempty"`
	Enabled       bool          `json:"enabled"`
	MatchMode     MatchMode     `json:"match_mode"`
	CaseSensitive bool          `json:"case_sensitive"`
	Images        []SourceImage `json:"images"`
	IntroTemplate string        `json:"intro_template,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// SelectionPolicy holds per-subject selection state for product triggers.
type SelectionPolicy struct {
	Subject   string        `json:"subject"`
	Mode      string        `json:"mode"`
	Cap       int           `json:"cap"`
	Images    []SourceImage `json:"images"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Span is a byte range in the normalized message: NFC, and case-folded when
// the definition is case-insensitive.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// TriggerMatch is one detected trigger. A keyword yields one match however
// often it occurs; Offsets lists each occurrence.
type TriggerMatch struct {
	Kind         TriggerKind `json:"kind"`
	Identity     string      `json:"identity"`
	DefinitionID string      `json:"definition_id,omitempty"`
	Offsets      []Span      `json:"offsets"`
}

// Resolution is the ordered, capped image set for one trigger.
type Resolution struct {
	Images []SourceImage `json:"images"`
	Intro  string        `json:"intro"`
	Mode   string        `json:"mode,omitempty"`
}

// SentImage is one ledger entry.
type SentImage struct {
	Filename string    `json:"filename"`
	SentAt   time.Time `json:"sent_at"`
}

// SendRecord is the ledger for one (subscriber, trigger) pair. The zero value
// means "never sent".
type SendRecord struct {
	TotalImagesSent int         `json:"total_images_sent"`
	LastSentAt      *time.Time  `json:"last_sent_at"`
	SendCount       int         `json:"send_count"`
	SentImages      []SentImage `json:"sent_images"`
}

// History is the per-subscriber document, keyed by trigger id.
type History map[string]SendRecord

// Decision is the duplicate-suppression gate's answer.
type Decision struct {
	Allow     bool          `json:"allow"`
	Reason    string        `json:"reason"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
	Remaining time.Duration `json:"remaining,omitempty"`
}

// StagedImage is an image ready to reference from a push message.
type StagedImage struct {
	ImageID  string `json:"image_id"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// ImageError records one image that failed to stage or send.
type ImageError struct {
	ImageID  string      `json:"image_id,omitempty"`
	Filename string      `json:"filename"`
	Kind     apperr.Kind `json:"kind,omitempty"`
	Error    string      `json:"error"`
}

// DispatchResult reports one dispatch. TotalImages counts the resolved set,
// ImagesSent what the transport accepted.
type DispatchResult struct {
	Format      string       `json:"format"`
	TotalImages int          `json:"total_images"`
	ImagesSent  int          `json:"images_sent"`
	Sent        []string     `json:"sent"`
	Errors      []ImageError `json:"errors,omitempty"`
	CaptionSent bool         `json:"caption_sent"`
}

// Trigger outcome statuses.
const (
	StatusSent            = "sent"
	StatusSkipped         = "skipped"
	StatusDetected        = "detected"
	StatusNothingSelected = "nothing_selected"
	StatusFailed          = "failed"
)

// TriggerResult is the per-trigger outcome inside ProcessResult.
type TriggerResult struct {
	Kind        TriggerKind  `json:"kind"`
	Identity    string       `json:"identity"`
	TriggerID   string       `json:"trigger_id,omitempty"`
	Status      string       `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	Format      string       `json:"format,omitempty"`
	TotalImages int          `json:"total_images"`
	ImagesSent  int          `json:"images_sent"`
	Errors      []ImageError `json:"errors,omitempty"`
	Error       string       `json:"error,omitempty"`
	ErrorKind   apperr.Kind  `json:"error_kind,omitempty"`
}

// ProcessResult is returned to the chat layer. Processed is true when at
// least one trigger delivered images.
type ProcessResult struct {
	Processed bool            `json:"processed"`
	Results   []TriggerResult `json:"results"`
}
