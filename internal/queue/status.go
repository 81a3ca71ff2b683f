package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

var ErrStatusNotFound = errors.New("job status not found")

// JobStatus is the poll-able state of an async generation job.
type JobStatus struct {
	JobID     string    `json:"job_id"`
	State     string    `json:"state"`
	Message   string    `json:"message,omitempty"`
	ImageURL  string    `json:"image_url,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusStore keeps job states in redis with a TTL so finished jobs age out
// on their own.
type StatusStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewStatusStore(rdb *redis.Client, ttl time.Duration) *StatusStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &StatusStore{redis: rdb, ttl: ttl}
}

func (s *StatusStore) Set(ctx context.Context, st JobStatus) error {
	st.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal job status: %w", err)
	}
	if err := s.redis.Set(ctx, statusKey(st.JobID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	return nil
}

func (s *StatusStore) Get(ctx context.Context, jobID string) (JobStatus, error) {
	raw, err := s.redis.Get(ctx, statusKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return JobStatus{}, ErrStatusNotFound
		}
		return JobStatus{}, fmt.Errorf("get job status: %w", err)
	}
	var st JobStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return JobStatus{}, fmt.Errorf("unmarshal job status: %w", err)
	}
	return st, nil
}

func statusKey(jobID string) string {
	return "storybook:jobstatus:" + jobID
}
