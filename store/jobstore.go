package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/vidflow/types"
)

// JobStore persists ProviderJob records. State writes go through a
// compare-and-set on the state column; the monotonic rule rejects any write
// that would regress a state or leave a terminal one.
type JobStore struct {
	pool   *Pool
	logger *zap.Logger
}

// NewJobStore creates a job store and migrates its table.
func NewJobStore(pool *Pool, logger *zap.Logger) (*JobStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.DB().AutoMigrate(&types.ProviderJob{}); err != nil {
		return nil, fmt.Errorf("failed to migrate provider jobs: %w", err)
	}
	return &JobStore{
		pool:   pool,
		logger: logger.With(zap.String("component", "job_store")),
	}, nil
}

// Create inserts a new job, enforcing the single-active-job-per-request
// invariant: the insert is refused while another non-terminal job exists for
// the same request_id.
func (s *JobStore) Create(ctx context.Context, job *types.ProviderJob) error {
	return s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		var active int64
		err := tx.Model(&types.ProviderJob{}).
			Where("request_id = ? AND state NOT IN ?", job.RequestID, terminalStates()).
			Count(&active).Error
		if err != nil {
			return err
		}
		if active > 0 {
			return types.NewError(types.ErrDuplicateRequest,
				fmt.Sprintf("request %s already has an active provider job", job.RequestID))
		}
		return tx.Create(job).Error
	})
}

// ActiveByRequest returns the single non-terminal job for a request, if any.
func (s *JobStore) ActiveByRequest(ctx context.Context, requestID string) (*types.ProviderJob, bool, error) {
	var job types.ProviderJob
	err := s.pool.DB().WithContext(ctx).
		Where("request_id = ? AND state NOT IN ?", requestID, terminalStates()).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &job, true, nil
}

// ByRequest returns every job ever attempted for a request, oldest first.
func (s *JobStore) ByRequest(ctx context.Context, requestID string) ([]types.ProviderJob, error) {
	var jobs []types.ProviderJob
	err := s.pool.DB().WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("id ASC").
		Find(&jobs).Error
	return jobs, err
}

// NonTerminal returns every job the poller still needs to drive.
func (s *JobStore) NonTerminal(ctx context.Context) ([]types.ProviderJob, error) {
	var jobs []types.ProviderJob
	err := s.pool.DB().WithContext(ctx).
		Where("state NOT IN ?", terminalStates()).
		Order("id ASC").
		Find(&jobs).Error
	return jobs, err
}

// SucceededUnuploaded returns finished jobs whose artifact has not reached
// the upload collaborator yet.
func (s *JobStore) SucceededUnuploaded(ctx context.Context) ([]types.ProviderJob, error) {
	var jobs []types.ProviderJob
	err := s.pool.DB().WithContext(ctx).
		Where("state = ? AND uploaded = ? AND artifact_uri <> ''", types.JobSucceeded, false).
		Order("id ASC").
		Find(&jobs).Error
	return jobs, err
}

// Updates is the set of columns a state advancement may touch alongside the
// state itself.
type Updates struct {
	ProviderJobID  string
	ArtifactURI    string
	CreditsCharged int64
	FailureKind    types.ErrorCode
	FailureDetail  string
	LastPolledAt   time.Time
	Attempts       int
}

// AdvanceState moves a job from its current state to the target state via
// compare-and-set. It returns ErrInvalidTransition when the monotonic rule
// forbids the move, and a conflict error when another writer advanced the
// job first.
func (s *JobStore) AdvanceState(ctx context.Context, job *types.ProviderJob, to types.JobState, upd Updates) error {
	if !types.CanTransition(job.State, to) {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("job %d: %s -> %s violates the monotonic state rule", job.ID, job.State, to))
	}

	fields := map[string]any{
		"state":      to,
		"updated_at": time.Now().UTC(),
	}
	if upd.ProviderJobID != "" {
		fields["provider_job_id"] = upd.ProviderJobID
	}
	if upd.ArtifactURI != "" {
		fields["artifact_uri"] = upd.ArtifactURI
	}
	if upd.CreditsCharged != 0 {
		fields["credits_charged"] = upd.CreditsCharged
	}
	if upd.FailureKind != "" {
		fields["failure_kind"] = upd.FailureKind
		fields["failure_detail"] = upd.FailureDetail
	}
	if !upd.LastPolledAt.IsZero() {
		fields["last_polled_at"] = upd.LastPolledAt
	}
	if upd.Attempts != 0 {
		fields["attempts"] = upd.Attempts
	}

	res := s.pool.DB().WithContext(ctx).
		Model(&types.ProviderJob{}).
		Where("id = ? AND state = ?", job.ID, job.State).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("job %d: concurrent state change lost (%s -> %s)", job.ID, job.State, to))
	}

	s.logger.Debug("job state advanced",
		zap.Uint("job_id", job.ID),
		zap.String("request_id", job.RequestID),
		zap.String("from", string(job.State)),
		zap.String("to", string(to)),
	)

	job.State = to
	return nil
}

// TouchPolled advances last_polled_at and the per-job poll interval without
// changing state.
func (s *JobStore) TouchPolled(ctx context.Context, jobID uint, at time.Time, intervalSecs int64) error {
	return s.pool.DB().WithContext(ctx).
		Model(&types.ProviderJob{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"last_polled_at": at,
			"poll_interval":  intervalSecs,
		}).Error
}

// MarkUploaded records that the artifact reached the upload collaborator.
// The job itself stays SUCCEEDED regardless of upload retries.
func (s *JobStore) MarkUploaded(ctx context.Context, jobID uint) error {
	return s.pool.DB().WithContext(ctx).
		Model(&types.ProviderJob{}).
		Where("id = ?", jobID).
		Update("uploaded", true).Error
}

// CountByState returns job counts grouped by state.
func (s *JobStore) CountByState(ctx context.Context) (map[types.JobState]int64, error) {
	type row struct {
		State types.JobState
		N     int64
	}
	var rows []row
	err := s.pool.DB().WithContext(ctx).
		Model(&types.ProviderJob{}).
		Select("state, COUNT(*) as n").
		Group("state").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[types.JobState]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.N
	}
	return out, nil
}

func terminalStates() []types.JobState {
	return []types.JobState{types.JobSucceeded, types.JobFailed, types.JobExpired, types.JobCanceled}
}
