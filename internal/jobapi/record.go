package jobapi

import (
	"encoding/json"
	"fmt"

	"github.com/simplesurance/drover/internal/jobs"
)

// Record types emitted by updater containers.
// Unknown types are tolerated for forward-compatibility with newer updater
// images.
const (
	RecordTypeCreatePullRequest    = "create_pull_request"
	RecordTypeUpdatePullRequest    = "update_pull_request"
	RecordTypeClosePullRequest     = "close_pull_request"
	RecordTypeRecordUpdateJobError = "record_update_job_error"
	RecordTypeMarkAsProcessed      = "mark_as_processed"
	RecordTypeUpdateDependencyList = "update_dependency_list"
	RecordTypeIncrementMetric      = "increment_metric"
)

// Record is one structured output message of an updater container.
// Data is the type-specific payload.
type Record struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// IsTerminal returns true when the record closes the job.
func (r *Record) IsTerminal() bool {
	return r.Type == RecordTypeMarkAsProcessed
}

// DependencyGroup identifies the dependency group a pull request belongs to.
type DependencyGroup struct {
	Name string `json:"name"`
}

type CreatePullRequestData struct {
	BaseCommitSha   string            `json:"base-commit-sha"`
	Dependencies    []jobs.Dependency `json:"dependencies"`
	PRTitle         string            `json:"pr-title"`
	PRBody          string            `json:"pr-body"`
	CommitMessage   string            `json:"commit-message"`
	DependencyGroup *DependencyGroup  `json:"dependency-group,omitempty"`
}

type UpdatePullRequestData struct {
	BaseCommitSha   string   `json:"base-commit-sha"`
	DependencyNames []string `json:"dependency-names"`
}

type ClosePullRequestData struct {
	DependencyNames []string `json:"dependency-names"`
	Reason          string   `json:"reason"`
}

type RecordUpdateJobErrorData struct {
	ErrorType    string         `json:"error-type"`
	ErrorDetails map[string]any `json:"error-details,omitempty"`
}

type MarkAsProcessedData struct {
	BaseCommitSha string `json:"base-commit-sha,omitempty"`
}

type UpdateDependencyListData struct {
	Dependencies    []jobs.Dependency `json:"dependencies"`
	DependencyFiles []string          `json:"dependency_files,omitempty"`
}

// DecodeData unmarshals the record payload into target.
func (r *Record) DecodeData(target any) error {
	if err := json.Unmarshal(r.Data, target); err != nil {
		return fmt.Errorf("decoding %s record payload failed: %w", r.Type, err)
	}

	return nil
}
