package model

import "time"

// JobStatus is the analysis job lifecycle state.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Priority is the queue ordering tier.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// weight returns a comparable ordering value, high first.
func (p Priority) weight() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Less reports whether p sorts before other in scheduling order, higher
// priority first.
func (p Priority) Less(other Priority) bool {
	return p.weight() > other.weight()
}

// Stage is an atomic unit of analysis output from the worker.
type Stage string

const (
	StageBasicFeatures   Stage = "basic_features"
	StageCharacteristics Stage = "characteristics"
	StageGenre           Stage = "genre"
	StageStems           Stage = "stems"
	StageSegments        Stage = "segments"
	StageTransitions     Stage = "transitions"
)

// Options selects which stages a job requests.
type Options struct {
	BasicFeatures   bool `json:"basic_features"`
	Characteristics bool `json:"characteristics"`
	Genre           bool `json:"genre"`
	Stems           bool `json:"stems"`
	Segments        bool `json:"segments"`
	Transitions     bool `json:"transitions"`
}

// Stages returns the set of stages this Options requests, in a stable order.
func (o Options) Stages() []Stage {
	var out []Stage
	if o.BasicFeatures {
		out = append(out, StageBasicFeatures)
	}
	if o.Characteristics {
		out = append(out, StageCharacteristics)
	}
	if o.Genre {
		out = append(out, StageGenre)
	}
	if o.Stems {
		out = append(out, StageStems)
	}
	if o.Segments {
		out = append(out, StageSegments)
	}
	if o.Transitions {
		out = append(out, StageTransitions)
	}
	return out
}

// HasStems reports whether stems were requested. Stems are cache-only and
// never short-circuited by a completed job the way persistent stages are;
// the Queue Engine uses this to decide whether a completed job can be
// reused or a fresh job is needed for a stem fulfilment pass.
func (o Options) HasStems() bool {
	return o.Stems
}

// EphemeralOnly reports whether stems is the only requested stage.
func (o Options) EphemeralOnly() bool {
	return o.Stems && !o.BasicFeatures && !o.Characteristics && !o.Genre && !o.Segments && !o.Transitions
}

// HookKind names the downstream action a job's callback-metadata triggers.
type HookKind string

const (
	HookTrackInfo HookKind = "track_info"
	HookStems     HookKind = "stems"
)

// DeliveryHook is the optional callback-metadata attached to a job.
type DeliveryHook struct {
	Kind          HookKind `json:"kind"`
	EngineTrackID string   `json:"engine_track_id"`
	CorrelationID string   `json:"correlation_id"`
}

// AnalysisJob identifies a unit of computation on audio, not on a file: jobs
// are looked up by content hash. The content hash is not the primary key;
// each row has its own numeric ID, and historical rows may share one hash.
type AnalysisJob struct {
	ID                int64         `json:"id" db:"id"`
	ContentHash       string        `json:"content_hash" db:"content_hash"`
	TrackID           uint          `json:"track_id" db:"track_id"`
	SourcePath        string        `json:"source_path" db:"source_path"`
	Options           Options       `json:"options" db:"-"`
	Priority          Priority      `json:"priority" db:"priority"`
	Status            JobStatus     `json:"status" db:"status"`
	RetryCount        int           `json:"retry_count" db:"retry_count"`
	MaxRetries        int           `json:"max_retries" db:"max_retries"`
	StagesCompleted   []Stage       `json:"stages_completed" db:"-"`
	Hook              *DeliveryHook `json:"hook,omitempty" db:"-"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
	StartedAt         *time.Time    `json:"started_at,omitempty" db:"started_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	LastError         string        `json:"last_error,omitempty" db:"last_error"`
	WorkerJobID       string        `json:"worker_job_id,omitempty" db:"worker_job_id"`
}

// IsIncomplete reports whether the job is still queued or processing.
func (j *AnalysisJob) IsIncomplete() bool {
	return j.Status == JobStatusQueued || j.Status == JobStatusProcessing
}

// Progress returns the completion percentage, rounded to an integer, per the
// "requested stages" denominator.
func (j *AnalysisJob) Progress() int {
	requested := len(j.Options.Stages())
	if requested == 0 {
		return 0
	}
	completed := 0
	want := map[Stage]bool{}
	for _, s := range j.Options.Stages() {
		want[s] = true
	}
	seen := map[Stage]bool{}
	for _, s := range j.StagesCompleted {
		if want[s] && !seen[s] {
			seen[s] = true
			completed++
		}
	}
	// Round half up rather than truncate: 1 of 6 stages is 17%, not 16%.
	return (completed*100 + requested/2) / requested
}

// HasCompletedStage reports whether the given stage is already recorded.
func (j *AnalysisJob) HasCompletedStage(s Stage) bool {
	for _, existing := range j.StagesCompleted {
		if existing == s {
			return true
		}
	}
	return false
}

// AllRequestedStagesComplete reports whether every stage in Options is in
// StagesCompleted.
func (j *AnalysisJob) AllRequestedStagesComplete() bool {
	for _, s := range j.Options.Stages() {
		if !j.HasCompletedStage(s) {
			return false
		}
	}
	return true
}
