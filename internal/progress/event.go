package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
)

// Stage is a task lifecycle milestone.
type Stage string

// Task lifecycle stages.
const (
	StageQueued   Stage = "TASK_QUEUED"
	StageStarted  Stage = "TASK_STARTED"
	StageFinished Stage = "TASK_FINISHED"
	StageStopped  Stage = "TASK_STOPPED"
	StageFailed   Stage = "TASK_FAILED"
)

// Event describes one lifecycle transition of a scheduled task.
type Event struct {
	// Handle is the scheduler handle of the task.
	Handle uint64
	TS     time.Time
	Stage  Stage
	// Kind is the task kind name (list_crawl, detail_crawl, image_fetch).
	Kind     string
	ModuleID crawler.ModuleID
	// Outcome is the runner outcome for finished and failed tasks.
	Outcome   string
	Responses int
	Dur       time.Duration
	Note      string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Kind == "" {
		return errors.New("task kind is required")
	}
	switch e.Stage {
	case StageQueued, StageStarted, StageStopped:
	case StageFinished, StageFailed:
		if e.Outcome == "" {
			return fmt.Errorf("%s requires an outcome", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
