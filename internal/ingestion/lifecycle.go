// Package ingestion provides the import job state machine.
//
// A job advances stage by stage:
//
//	analyze-duplicates → detect-schema → validate-schema → [await-approval] →
//	create-schema-version → geocode-batch → create-events → completed
//
// failed is reachable from every non-terminal stage. Terminal stages are only left
// through operator cleanup (Service.Requeue).
package ingestion

import (
	"errors"
	"fmt"
	"time"
)

const (
	StageAnalyzeDuplicates   Stage = "analyze-duplicates"
	StageDetectSchema        Stage = "detect-schema"
	StageValidateSchema      Stage = "validate-schema"
	StageAwaitApproval       Stage = "await-approval"
	StageCreateSchemaVersion Stage = "create-schema-version"
	StageGeocodeBatch        Stage = "geocode-batch"
	StageCreateEvents        Stage = "create-events"
	StageCompleted           Stage = "completed"
	StageFailed              Stage = "failed"
)

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeNeedsApproval Outcome = "needs-approval"
	OutcomeApproved      Outcome = "approved"
	OutcomeRejected      Outcome = "rejected"
	OutcomeFailed        Outcome = "failed"
	OutcomeCancelled     Outcome = "cancelled"
)

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusRetrying  StageStatus = "retrying"
	StageStatusWaiting   StageStatus = "waiting"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
)

const (
	FileStatusPending    FileStatus = "pending"
	FileStatusParsing    FileStatus = "parsing"
	FileStatusProcessing FileStatus = "processing"
	FileStatusCompleted  FileStatus = "completed"
	FileStatusFailed     FileStatus = "failed"
)

// Sentinel errors for state transition validation.
var (
	// ErrInvalidTransition indicates an outcome that is not valid for the stage.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTerminalStateImmutable indicates an attempt to leave completed or failed.
	ErrTerminalStateImmutable = errors.New("terminal state is immutable")

	// ErrUnknownStage indicates a stage value outside the state machine.
	ErrUnknownStage = errors.New("unknown stage")
)

// WorkStages lists the stages that do work, in pipeline order.
var WorkStages = []Stage{
	StageAnalyzeDuplicates,
	StageDetectSchema,
	StageValidateSchema,
	StageCreateSchemaVersion,
	StageGeocodeBatch,
	StageCreateEvents,
}

var transitions = map[Stage]map[Outcome]Stage{
	StageAnalyzeDuplicates: {OutcomeSuccess: StageDetectSchema},
	StageDetectSchema:      {OutcomeSuccess: StageValidateSchema},
	StageValidateSchema: {
		OutcomeSuccess:       StageCreateSchemaVersion,
		OutcomeNeedsApproval: StageAwaitApproval,
	},
	StageAwaitApproval: {
		OutcomeApproved: StageCreateSchemaVersion,
		OutcomeRejected: StageFailed,
	},
	StageCreateSchemaVersion: {OutcomeSuccess: StageGeocodeBatch},
	StageGeocodeBatch:        {OutcomeSuccess: StageCreateEvents},
	StageCreateEvents:        {OutcomeSuccess: StageCompleted},
}

// IsTerminal reports whether s is completed or failed.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// IsValid reports whether s belongs to the state machine.
func (s Stage) IsValid() bool {
	if s.IsTerminal() {
		return true
	}

	_, ok := transitions[s]

	return ok
}

// IsPaused reports whether a worker should stop executing a job in stage s.
func (s Stage) IsPaused() bool {
	return s.IsTerminal() || s == StageAwaitApproval
}

// Next returns the stage that follows stage on outcome.
//
// failed and cancelled lead to failed from every non-terminal stage. Terminal
// stages accept no outcome.
func Next(stage Stage, outcome Outcome) (Stage, error) {
	if stage.IsTerminal() {
		return stage, fmt.Errorf("%w: %s on %s", ErrTerminalStateImmutable, outcome, stage)
	}

	table, ok := transitions[stage]
	if !ok {
		return stage, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}

	if outcome == OutcomeFailed || outcome == OutcomeCancelled {
		return StageFailed, nil
	}

	next, ok := table[outcome]
	if !ok {
		return stage, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, outcome, stage)
	}

	return next, nil
}

// ComputeProgress derives overall progress from completed work stages. The
// estimate extrapolates the mean duration of the completed stages.
func ComputeProgress(job *ImportJob, now time.Time) Progress {
	p := Progress{Total: len(WorkStages)}

	var (
		elapsed time.Duration
		first   *time.Time
	)

	for _, stage := range WorkStages {
		sp, ok := job.Stages[stage]
		if !ok || sp.Status != StageStatusCompleted {
			continue
		}

		p.Current++

		if sp.StartedAt != nil && sp.CompletedAt != nil {
			elapsed += sp.CompletedAt.Sub(*sp.StartedAt)

			if first == nil || sp.StartedAt.Before(*first) {
				first = sp.StartedAt
			}
		}
	}

	if job.Stage == StageCompleted {
		p.Current = p.Total
	}

	p.Percentage = float64(p.Current) / float64(p.Total) * 100

	if p.Current > 0 && p.Current < p.Total && !job.Stage.IsTerminal() {
		perStage := elapsed / time.Duration(p.Current)
		eta := now.Add(perStage * time.Duration(p.Total-p.Current))
		p.EstimatedCompletion = &eta
	}

	return p
}

// FileStatusFor derives an import file status from its jobs: processing while any
// job is not terminal, completed when all completed, failed when all are terminal
// and any failed.
func FileStatusFor(jobs []*ImportJob) FileStatus {
	if len(jobs) == 0 {
		return FileStatusPending
	}

	failed := false

	for _, job := range jobs {
		switch job.Stage {
		case StageCompleted:
		case StageFailed:
			failed = true
		default:
			return FileStatusProcessing
		}
	}

	if failed {
		return FileStatusFailed
	}

	return FileStatusCompleted
}

// ResumeStage returns the stage a failed job re-enters on requeue.
func ResumeStage(job *ImportJob) Stage {
	if job.FailedStage != "" && job.FailedStage.IsValid() && !job.FailedStage.IsTerminal() {
		return job.FailedStage
	}

	for i, stage := range WorkStages {
		if stage == job.LastSuccessfulStage && i+1 < len(WorkStages) {
			return WorkStages[i+1]
		}
	}

	return StageAnalyzeDuplicates
}
