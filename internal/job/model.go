package job

import "time"

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// RetentionWindow is how long a finished artifact stays downloadable.
// ExpiresAt is always CompletedAt plus this window.
const RetentionWindow = 24 * time.Hour

// Step is one entry of a job's audit trail: what a stage reported and when.
// The trail is append-only; entries are never mutated or reordered.
type Step struct {
	Step      string    `json:"step"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is the lifecycle record for one uploaded file. Local filesystem paths
// are deliberately excluded from JSON output.
type Job struct {
	ID           string     `json:"job_id"`
	OriginalName string     `json:"original_name"`
	InputPath    string     `json:"-"`
	OutputPath   string     `json:"-"`
	Status       Status     `json:"status"`
	Progress     int        `json:"progress"`
	CurrentStep  string     `json:"current_step,omitempty"`
	Steps        []Step     `json:"steps"`
	Error        string     `json:"error,omitempty"`
	VideoNoise   bool       `json:"video_noise"`
	CallbackURL  string     `json:"callback_url,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	DownloadURL  string     `json:"download_url,omitempty"`

	// seq orders List() output; assigned by the store at creation.
	seq uint64
}

// Clone returns a deep copy, safe to hand to callers while the store keeps
// mutating the original.
func (j *Job) Clone() *Job {
	c := *j
	c.Steps = make([]Step, len(j.Steps))
	copy(c.Steps, j.Steps)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.ExpiresAt != nil {
		t := *j.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}
