package extraction

import "time"

// SchemaMode controls how a scraping job selects its extraction schema.
type SchemaMode string

const (
	ModeLegacy     SchemaMode = "legacy"
	ModeManual     SchemaMode = "manual"
	ModeAutoDetect SchemaMode = "auto_detect"
)

// JobStatus is the lifecycle state of a scraping job.
type JobStatus string

const (
	JobActive    JobStatus = "active"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
)

// Job is the read model of one scraping job: a named crawl whose pages flow
// through extraction with a shared schema selection.
type Job struct {
	ID                       string
	TenantID                 string
	Name                     string
	SchemaMode               SchemaMode
	ContentDomain            string
	ClassificationConfidence float64
	InferredSchemaSnapshot   []byte
	Status                   JobStatus
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// PageStatus is the lifecycle state of one scraped page.
type PageStatus string

const (
	PagePending    PageStatus = "pending"
	PageExtracting PageStatus = "extracting"
	PageCompleted  PageStatus = "completed"
	PageFailed     PageStatus = "failed"
)

// Page is the read model of one scraped page awaiting or finished with
// extraction.
type Page struct {
	ID          string
	TenantID    string
	JobID       string
	URL         string
	ContentHash string
	Content     string
	ContentType string
	Status      PageStatus

	// NextAttemptAt gates when a pending page becomes claimable; retries
	// push it out by the attempt backoff.
	NextAttemptAt time.Time

	FetchedAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
