package postgres

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"

	"cartograph-backend/domain/extraction"
	"cartograph-backend/internal/errors"
)

// PageRepository persists scraped pages.
type PageRepository struct {
	db DB
}

func NewPageRepository(db DB) *PageRepository {
	return &PageRepository{db: db}
}

const pageColumns = `
	SELECT id::text, tenant_id, COALESCE(job_id::text, ''), url, content_hash,
		content, content_type, status, next_attempt_at,
		COALESCE(fetched_at, created_at), created_at, updated_at`

func (r *PageRepository) Get(ctx context.Context, tenantID, pageID string) (*extraction.Page, error) {
	row := r.db.QueryRow(ctx, pageColumns+`
		FROM scraped_pages
		WHERE tenant_id = $1 AND id = $2::uuid`,
		tenantID, pageID)

	page, err := scanPage(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("PAGE_NOT_FOUND", "scraped page does not exist").
			WithResource(pageID).
			WithTenant(tenantID).
			Build()
	}
	if err != nil {
		return nil, errors.Internal("PAGE_GET", "failed to read scraped page").
			WithResource(pageID).
			WithCause(err).
			Build()
	}
	return page, nil
}

// Upsert writes a page keyed on (tenant, url). Re-crawls update content and
// reset the page to pending, immediately claimable, when the content hash
// changed.
func (r *PageRepository) Upsert(ctx context.Context, page *extraction.Page) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO scraped_pages (id, tenant_id, job_id, url, content_hash,
			content, content_type, status, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, url) DO UPDATE
		SET content_hash = EXCLUDED.content_hash,
			content = EXCLUDED.content,
			content_type = EXCLUDED.content_type,
			fetched_at = EXCLUDED.fetched_at,
			status = CASE
				WHEN scraped_pages.content_hash <> EXCLUDED.content_hash THEN 'pending'
				ELSE scraped_pages.status
			END,
			next_attempt_at = CASE
				WHEN scraped_pages.content_hash <> EXCLUDED.content_hash THEN now()
				ELSE scraped_pages.next_attempt_at
			END,
			updated_at = now()`,
		page.ID, page.TenantID, textOrNil(page.JobID), page.URL,
		page.ContentHash, page.Content, page.ContentType,
		string(page.Status), page.FetchedAt)
	if err != nil {
		return errors.Internal("PAGE_UPSERT", "failed to upsert scraped page").
			WithResource(page.ID).
			WithCause(err).
			Build()
	}
	return nil
}

func (r *PageRepository) UpdateStatus(ctx context.Context, tenantID, pageID string, status extraction.PageStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE scraped_pages SET status = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2::uuid`,
		tenantID, pageID, string(status))
	if err != nil {
		return errors.Internal("PAGE_STATUS", "failed to update page status").
			WithResource(pageID).
			WithCause(err).
			Build()
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("PAGE_NOT_FOUND", "scraped page does not exist").
			WithResource(pageID).
			WithTenant(tenantID).
			Build()
	}
	return nil
}

func (r *PageRepository) ListPending(ctx context.Context, tenantID string, limit int) ([]*extraction.Page, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, pageColumns+`
		FROM scraped_pages
		WHERE tenant_id = $1 AND status = 'pending'
		ORDER BY created_at
		LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, errors.Internal("PAGE_LIST", "failed to list pending pages").
			WithTenant(tenantID).
			WithCause(err).
			Build()
	}
	defer rows.Close()

	var pages []*extraction.Page
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, errors.Internal("PAGE_LIST", "failed to scan page row").
				WithCause(err).
				Build()
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("PAGE_LIST", "failed to read page rows").
			WithCause(err).
			Build()
	}
	return pages, nil
}

// ClaimPending claims up to limit due pending pages across all tenants and
// flips them to extracting in the same statement. SKIP LOCKED keeps
// concurrent intake sweeps from claiming the same page twice.
func (r *PageRepository) ClaimPending(ctx context.Context, limit int) ([]*extraction.Page, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		UPDATE scraped_pages SET status = 'extracting', updated_at = now()
		WHERE id IN (
			SELECT id FROM scraped_pages
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY next_attempt_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id::text, tenant_id, COALESCE(job_id::text, ''), url, content_hash,
			content, content_type, status, next_attempt_at,
			COALESCE(fetched_at, created_at), created_at, updated_at`,
		limit)
	if err != nil {
		return nil, errors.Internal("PAGE_CLAIM", "failed to claim pending pages").
			WithCause(err).
			Build()
	}
	defer rows.Close()

	var pages []*extraction.Page
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, errors.Internal("PAGE_CLAIM", "failed to scan claimed page").
				WithCause(err).
				Build()
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("PAGE_CLAIM", "failed to read claimed pages").
			WithCause(err).
			Build()
	}
	return pages, nil
}

// Requeue returns a page to pending, claimable no earlier than at.
func (r *PageRepository) Requeue(ctx context.Context, tenantID, pageID string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE scraped_pages SET status = 'pending', next_attempt_at = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2::uuid`,
		tenantID, pageID, at.UTC())
	if err != nil {
		return errors.Internal("PAGE_REQUEUE", "failed to requeue page").
			WithResource(pageID).
			WithCause(err).
			Build()
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("PAGE_NOT_FOUND", "scraped page does not exist").
			WithResource(pageID).
			WithTenant(tenantID).
			Build()
	}
	return nil
}

func scanPage(row interface{ Scan(dest ...any) error }) (*extraction.Page, error) {
	var (
		page   extraction.Page
		status string
	)
	err := row.Scan(&page.ID, &page.TenantID, &page.JobID, &page.URL,
		&page.ContentHash, &page.Content, &page.ContentType, &status,
		&page.NextAttemptAt, &page.FetchedAt, &page.CreatedAt, &page.UpdatedAt)
	if err != nil {
		return nil, err
	}
	page.Status = extraction.PageStatus(status)
	return &page, nil
}
