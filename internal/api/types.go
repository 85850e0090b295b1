package api

// DefaultHost and DefaultPort are where retouchd listens unless overridden
// by config.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8787
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSubmitted TaskStatus = "submitted"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions may occur for s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is the durable record tracking one requested edit from creation to
// terminal outcome. RemoteJobID is set only while the task is submitted and
// is cleared on the terminal transition; it is never used to carry error
// text. Timestamps are RFC3339Nano strings so lexical order is time order.
type Task struct {
	ID          string     `json:"id"`
	ImageID     string     `json:"image_id"`
	Prompt      string     `json:"prompt"`
	Model       string     `json:"model"`
	Status      TaskStatus `json:"status"`
	RemoteJobID string     `json:"remote_job_id,omitempty"`
	CreatedAt   string     `json:"created_at"`
	CompletedAt string     `json:"completed_at,omitempty"`
	ResultURL   string     `json:"result_url,omitempty"`
	ResultPath  string     `json:"result_path,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Supported remote model variants.
const (
	ModelKontextPro = "kontext-pro"
	ModelKontextMax = "kontext-max"
)

type EditRequest struct {
	ImageID string       `json:"image_id"`
	Prompt  string       `json:"prompt"`
	Model   string       `json:"model"`
	Options *EditOptions `json:"options,omitempty"`
}

// EditOptions are optional tuning parameters forwarded to the remote
// service verbatim. Pointer fields distinguish "unset" from zero.
type EditOptions struct {
	PromptUpsampling bool     `json:"prompt_upsampling,omitempty"`
	Seed             *int     `json:"seed,omitempty"`
	Steps            *int     `json:"steps,omitempty"`
	Guidance         *float64 `json:"guidance,omitempty"`
}

// Remote job phases as reported by the processing service. Anything that is
// neither Ready nor Error means the job is still in flight (the service
// reports "Request Accepted" for freshly queued jobs).
const (
	RemoteReady = "Ready"
	RemoteError = "Error"
)

// RemoteStatus is one status-poll response for an in-flight remote job.
type RemoteStatus struct {
	ID     string        `json:"id"`
	Status string        `json:"status"`
	Result *RemoteResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// RemoteResult carries the artifact location for a Ready job.
type RemoteResult struct {
	Sample string `json:"sample"`
}

// InFlight reports whether the remote service is still working on the job.
func (r *RemoteStatus) InFlight() bool {
	return r.Status != RemoteReady && r.Status != RemoteError
}

// ImageInfo describes one stored source image.
type ImageInfo struct {
	ID           string `json:"id"`
	Filename     string `json:"filename"`
	OriginalName string `json:"original_name"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mime_type"`
	UploadedAt   string `json:"uploaded_at"`
}

// ModelInfo describes one selectable model variant for clients.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Speed       string `json:"speed"`
	Quality     string `json:"quality"`
}
