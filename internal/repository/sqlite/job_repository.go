package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"batch-downloader/internal/domain"
	"batch-downloader/internal/repository"
)

const createDownloadJobsTable = `
CREATE TABLE IF NOT EXISTS download_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	url TEXT NOT NULL,
	job_type TEXT NOT NULL,
	folder TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	filename TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_download_jobs_status ON download_jobs(status);
`

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) repository.JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createDownloadJobsTable); err != nil {
		return fmt.Errorf("create download_jobs table: %w", err)
	}
	return nil
}

func (r *JobRepository) Create(ctx context.Context, job *domain.DownloadJob) (int64, error) {
	if job.Type == nil {
		return 0, errors.New("job type is required")
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = domain.JobStatusWaiting
	}

	res, err := r.db.ExecContext(ctx, `
INSERT INTO download_jobs (name, url, job_type, folder, status, filename, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Name,
		job.URL,
		job.Type.String(),
		job.Folder,
		string(job.Status),
		job.Filename,
		job.Error,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert download job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("job last insert id: %w", err)
	}
	job.ID = id
	return id, nil
}

func (r *JobRepository) Get(ctx context.Context, id int64) (*domain.DownloadJob, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, name, url, job_type, folder, status, filename, error, created_at, updated_at
FROM download_jobs
WHERE id=?`, id)
	return scanJob(row)
}

func (r *JobRepository) UpdateStatus(ctx context.Context, id int64, status domain.JobStatus, filename, errorMessage string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE download_jobs
SET status=?, filename=CASE WHEN ?='' THEN filename ELSE ? END, error=?, updated_at=?
WHERE id=?`,
		string(status),
		filename,
		filename,
		errorMessage,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update download job: %w", err)
	}
	return requireAffected(res, domain.ErrJobNotFound)
}

func (r *JobRepository) ListByStatuses(ctx context.Context, statuses ...domain.JobStatus) ([]domain.DownloadJob, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
SELECT id, name, url, job_type, folder, status, filename, error, created_at, updated_at
FROM download_jobs
WHERE status IN (%s)
ORDER BY id ASC`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("query download jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.DownloadJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate download jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(scanner rowScanner) (*domain.DownloadJob, error) {
	var (
		job       domain.DownloadJob
		jobType   string
		status    string
		createdAt time.Time
		updatedAt time.Time
	)

	if err := scanner.Scan(
		&job.ID,
		&job.Name,
		&job.URL,
		&jobType,
		&job.Folder,
		&status,
		&job.Filename,
		&job.Error,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan download job: %w", err)
	}

	parsed, err := domain.ParseJobType(jobType)
	if err != nil {
		return nil, fmt.Errorf("scan download job %d: %w", job.ID, err)
	}
	job.Type = parsed
	job.Status = domain.JobStatus(status)
	job.CreatedAt = createdAt.Local()
	job.UpdatedAt = updatedAt.Local()
	return &job, nil
}
