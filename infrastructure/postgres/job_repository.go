package postgres

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"cartograph-backend/domain/extraction"
	"cartograph-backend/internal/errors"
)

// JobRepository persists scraping jobs.
type JobRepository struct {
	db DB
}

func NewJobRepository(db DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Get(ctx context.Context, tenantID, jobID string) (*extraction.Job, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id::text, tenant_id, name, schema_mode, COALESCE(content_domain, ''),
			COALESCE(classification_confidence, 0), inferred_schema_snapshot,
			status, created_at, updated_at
		FROM scraping_jobs
		WHERE tenant_id = $1 AND id = $2::uuid`,
		tenantID, jobID)

	var (
		job    extraction.Job
		mode   string
		status string
	)
	err := row.Scan(&job.ID, &job.TenantID, &job.Name, &mode, &job.ContentDomain,
		&job.ClassificationConfidence, &job.InferredSchemaSnapshot, &status,
		&job.CreatedAt, &job.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("JOB_NOT_FOUND", "scraping job does not exist").
			WithResource(jobID).
			WithTenant(tenantID).
			Build()
	}
	if err != nil {
		return nil, errors.Internal("JOB_GET", "failed to read scraping job").
			WithResource(jobID).
			WithCause(err).
			Build()
	}
	job.SchemaMode = extraction.SchemaMode(mode)
	job.Status = extraction.JobStatus(status)
	return &job, nil
}

func (r *JobRepository) Create(ctx context.Context, job *extraction.Job) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO scraping_jobs (id, tenant_id, name, schema_mode, content_domain,
			classification_confidence, inferred_schema_snapshot, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.TenantID, job.Name, string(job.SchemaMode),
		textOrNil(job.ContentDomain), job.ClassificationConfidence,
		job.InferredSchemaSnapshot, string(job.Status))
	if err != nil {
		if isUniqueViolation(err, "") {
			return errors.Conflict("JOB_EXISTS", "scraping job already exists").
				WithResource(job.ID).
				WithRetryable(false).
				WithCause(err).
				Build()
		}
		return errors.Internal("JOB_CREATE", "failed to create scraping job").
			WithResource(job.ID).
			WithCause(err).
			Build()
	}
	return nil
}

// UpdateClassification persists an auto-detected content domain and the
// schema snapshot that makes re-runs reproducible.
func (r *JobRepository) UpdateClassification(ctx context.Context, tenantID, jobID, contentDomain string, confidence float64, snapshot []byte) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE scraping_jobs
		SET content_domain = $3, classification_confidence = $4,
			inferred_schema_snapshot = $5, updated_at = now()
		WHERE tenant_id = $1 AND id = $2::uuid`,
		tenantID, jobID, contentDomain, confidence, snapshot)
	if err != nil {
		return errors.Internal("JOB_CLASSIFY", "failed to update job classification").
			WithResource(jobID).
			WithCause(err).
			Build()
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("JOB_NOT_FOUND", "scraping job does not exist").
			WithResource(jobID).
			WithTenant(tenantID).
			Build()
	}
	return nil
}
