package model

import (
	"encoding/json"
	"time"
)

// JobResult is the persisted execution snapshot for a job. For pipeline jobs
// the result is the serialized PipelineContext, rewritten after every stage so
// a crash loses at most the in-flight stage.
type JobResult struct {
	JobID     string          `json:"job_id"     db:"job_id"`
	QueueName QueueName       `json:"queue_name" db:"queue_name"`
	Result    json.RawMessage `json:"result"     db:"result"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}
