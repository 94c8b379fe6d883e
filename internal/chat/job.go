package chat

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is an asynchronously executed chat request. Request fields are stored
// resolved (defaults already applied) so a worker replays exactly what the
// caller asked for.
type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID length

	Query        string  `gorm:"type:text;not null" json:"query"`
	UseKnowledge bool    `gorm:"not null" json:"use_knowledge"`
	MaxTokens    int     `gorm:"not null" json:"max_tokens"`
	Temperature  float64 `gorm:"not null" json:"temperature"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_job_idempo,unique" json:"-"`

	Status   JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	Attempts int       `gorm:"not null;default:0" json:"attempts"`

	// Filled when succeeded
	ResultTurnID *int64 `gorm:"index" json:"result_turn_id,omitempty"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "chat_jobs" }

func NewJobID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
