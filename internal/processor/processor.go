// Package processor interprets the ordered output-record stream of one
// update job into buffered pull-request actions and a job outcome.
//
// Pull-request actions are not applied while the job is still running, a
// later record may cancel an earlier one, e.g. a close_pull_request record
// superseding a buffered creation for the same dependency group. The
// buffered actions are applied by the reconciler after the job reached its
// terminal record.
package processor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/drover/internal/jobapi"
	"github.com/simplesurance/drover/internal/jobs"
	"github.com/simplesurance/drover/internal/logfields"
	"github.com/simplesurance/drover/internal/set"
)

// ActionKind describes a buffered pull-request action.
type ActionKind int

const (
	ActionCreate ActionKind = iota
	ActionUpdate
	ActionClose
)

func (k ActionKind) String() string {
	switch k {
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionClose:
		return "close"
	default:
		return fmt.Sprintf("unknown (%d)", int(k))
	}
}

// PRAction is one normalized pull-request action.
type PRAction struct {
	Kind ActionKind

	// Create is set for ActionCreate.
	Create *jobapi.CreatePullRequestData

	// PullRequestID is the targeted pull request for ActionUpdate and
	// ActionClose. It is 0 when the job was not bound to a specific pull
	// request, the reconciler then resolves the target via
	// DependencyNames.
	PullRequestID   int
	DependencyNames []string
	BaseCommitSha   string

	// Reason is set for ActionClose, e.g. "dependency_removed",
	// "up_to_date" or "superseded".
	Reason string
}

// Result is the interpreted output of one job.
type Result struct {
	// Processed is true when the job reached its terminal
	// mark_as_processed record.
	Processed bool

	// ErrorType and ErrorDetails are set when the updater reported an
	// error via record_update_job_error. An error does not stop record
	// processing, but the job outcome is a failure.
	ErrorType    string
	ErrorDetails map[string]any

	Actions []*PRAction

	// Dependencies is the discovered dependency list reported via
	// update_dependency_list, the only output of list_all jobs.
	Dependencies []jobs.Dependency
}

// Success returns true when the job terminated regularly and the updater
// reported no error. A job that produced zero actions is still successful,
// there was simply nothing to do.
func (r *Result) Success() bool {
	return r.Processed && r.ErrorType == ""
}

// Message returns a human readable outcome summary.
func (r *Result) Message() string {
	if r.ErrorType != "" {
		return fmt.Sprintf("updater reported error: %s", r.ErrorType)
	}

	if !r.Processed {
		return "updater terminated without marking the job as processed: unknown error"
	}

	if len(r.Actions) == 0 {
		return "no pull request changes required"
	}

	var parts []string
	for _, action := range r.Actions {
		parts = append(parts, action.Kind.String())
	}

	return fmt.Sprintf("pull request actions: %s", strings.Join(parts, ", "))
}

// Processor interprets record streams.
type Processor struct {
	logger *zap.Logger
}

func New() *Processor {
	return &Processor{logger: zap.L().Named("processor")}
}

// Process consumes the job's record stream in receipt order until the stream
// is closed or ctx is cancelled.
func (p *Processor) Process(ctx context.Context, job *jobs.Definition, records <-chan *jobapi.Record) *Result {
	logger := p.logger.With(job.LogFields()...)

	var result Result

	for {
		select {
		case <-ctx.Done():
			logger.Debug(
				"record processing cancelled",
				logfields.Event("record_processing_cancelled"),
			)

			return &result

		case record, open := <-records:
			if !open {
				return &result
			}

			p.processRecord(logger, job, record, &result)
		}
	}
}

func (p *Processor) processRecord(logger *zap.Logger, job *jobs.Definition, record *jobapi.Record, result *Result) {
	logger.Debug(
		"processing output record",
		logfields.Event("output_record_received"),
		zap.String("record_type", record.Type),
	)

	switch record.Type {
	case jobapi.RecordTypeCreatePullRequest:
		var data jobapi.CreatePullRequestData
		if err := record.DecodeData(&data); err != nil {
			logger.Warn("ignoring malformed record", zap.Error(err))
			return
		}

		result.Actions = append(result.Actions, &PRAction{
			Kind:          ActionCreate,
			Create:        &data,
			BaseCommitSha: data.BaseCommitSha,
		})

	case jobapi.RecordTypeUpdatePullRequest:
		var data jobapi.UpdatePullRequestData
		if err := record.DecodeData(&data); err != nil {
			logger.Warn("ignoring malformed record", zap.Error(err))
			return
		}

		result.Actions = append(result.Actions, &PRAction{
			Kind:            ActionUpdate,
			PullRequestID:   job.PullRequestID,
			DependencyNames: data.DependencyNames,
			BaseCommitSha:   data.BaseCommitSha,
		})

	case jobapi.RecordTypeClosePullRequest:
		var data jobapi.ClosePullRequestData
		if err := record.DecodeData(&data); err != nil {
			logger.Warn("ignoring malformed record", zap.Error(err))
			return
		}

		p.cancelSupersededCreates(logger, data.DependencyNames, result)

		result.Actions = append(result.Actions, &PRAction{
			Kind:            ActionClose,
			PullRequestID:   job.PullRequestID,
			DependencyNames: data.DependencyNames,
			Reason:          data.Reason,
		})

	case jobapi.RecordTypeRecordUpdateJobError:
		var data jobapi.RecordUpdateJobErrorData
		if err := record.DecodeData(&data); err != nil {
			logger.Warn("ignoring malformed record", zap.Error(err))
			return
		}

		result.ErrorType = data.ErrorType
		result.ErrorDetails = data.ErrorDetails

		logger.Info(
			"updater reported job error",
			logfields.Event("update_job_error_recorded"),
			zap.String("error_type", data.ErrorType),
		)

	case jobapi.RecordTypeMarkAsProcessed:
		result.Processed = true

	case jobapi.RecordTypeUpdateDependencyList:
		var data jobapi.UpdateDependencyListData
		if err := record.DecodeData(&data); err != nil {
			logger.Warn("ignoring malformed record", zap.Error(err))
			return
		}

		result.Dependencies = data.Dependencies

	case jobapi.RecordTypeIncrementMetric:
		// emitted for the updater's own telemetry, nothing to do

	default:
		// tolerated for forward-compatibility with newer updater images
		logger.Info(
			"ignoring unrecognized output record type",
			logfields.Event("unknown_output_record_ignored"),
			zap.String("record_type", record.Type),
		)
	}
}

// cancelSupersededCreates removes buffered creations whose dependencies are
// fully covered by a later close record, the pull request must not be
// created in the first place.
func (p *Processor) cancelSupersededCreates(logger *zap.Logger, closedDeps []string, result *Result) {
	if len(closedDeps) == 0 {
		return
	}

	closed := set.FromSlice(closedDeps)

	remaining := result.Actions[:0]
	for _, action := range result.Actions {
		if action.Kind != ActionCreate {
			remaining = append(remaining, action)
			continue
		}

		var names []string
		for _, dep := range action.Create.Dependencies {
			names = append(names, dep.Name)
		}

		if set.Equal(set.FromSlice(names), closed) {
			logger.Info(
				"buffered pull request creation cancelled by close record",
				logfields.Event("pending_pr_creation_cancelled"),
				zap.Strings("dependencies", names),
			)

			continue
		}

		remaining = append(remaining, action)
	}

	result.Actions = remaining
}
