package transcribe

import (
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/integrity"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/scheduler"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/task"
)

// FailedItem describes one failed input.
type FailedItem struct {
	Input     string `json:"input" yaml:"input"`
	Reason    string `json:"reason" yaml:"reason"`
	Attempts  int    `json:"attempts" yaml:"attempts"`
	ErrorPath string `json:"error_path" yaml:"error_path"`
}

// SkippedItem describes one skipped input.
type SkippedItem struct {
	Input  string `json:"input" yaml:"input"`
	Reason string `json:"reason" yaml:"reason"`
}

// Summary is the aggregate outcome of a batch run.
//
// Processed counts succeeded and failed tasks. Queued is Processed plus
// Cancelled; skipped tasks are neither.
type Summary struct {
	Total        int           `json:"total" yaml:"total"`
	Queued       int           `json:"queued" yaml:"queued"`
	Processed    int           `json:"processed" yaml:"processed"`
	Succeeded    int           `json:"succeeded" yaml:"succeeded"`
	Failed       int           `json:"failed" yaml:"failed"`
	Skipped      int           `json:"skipped" yaml:"skipped"`
	Cancelled    int           `json:"cancelled" yaml:"cancelled"`
	RetriedCount int           `json:"retried_count" yaml:"retried_count"`
	ElapsedSec   float64       `json:"elapsed_sec" yaml:"elapsed_sec"`
	OutDir       string        `json:"out_dir" yaml:"out_dir"`
	ManifestPath string        `json:"manifest_path" yaml:"manifest_path"`
	Errors       []FailedItem  `json:"errors" yaml:"errors"`
	Outputs      []string      `json:"outputs" yaml:"outputs"`
	SkippedItems []SkippedItem `json:"skipped_items" yaml:"skipped_items"`
	SkippedStale int           `json:"skipped_stale" yaml:"skipped_stale"`
	LockConflict int           `json:"lock_conflicts" yaml:"lock_conflicts"`
	TraceID      string        `json:"trace_id" yaml:"trace_id"`
	DryRun       bool          `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
}

// String renders the one-line summary printed after a run.
func (s *Summary) String() string {
	return fmt.Sprintf("total=%d queued=%d processed=%d succeeded=%d failed=%d skipped=%d cancelled=%d retried=%d elapsed=%.2fs",
		s.Total, s.Queued, s.Processed, s.Succeeded, s.Failed, s.Skipped, s.Cancelled, s.RetriedCount, s.ElapsedSec)
}

// summarize folds a scheduler report into a Summary. Outcomes are ordered
// by task index so that list fields are stable across runs.
func summarize(rep scheduler.Report[task.Task, task.Result], total int, elapsed time.Duration) *Summary {
	outcomes := append([]scheduler.Outcome[task.Task, task.Result](nil), rep.Outcomes...)
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Index < outcomes[j].Index })

	results := lo.Map(outcomes, func(o scheduler.Outcome[task.Task, task.Result], _ int) task.Result {
		if o.Err != nil {
			// Recovered panic; the processor never returned a result.
			return task.Result{
				Input:     o.Job.Input,
				Status:    task.StatusFailed,
				Error:     o.Err.Error(),
				ErrorPath: o.Job.Paths.Error,
			}
		}
		return o.Result
	})

	byStatus := func(status task.Status) []task.Result {
		return lo.Filter(results, func(r task.Result, _ int) bool { return r.Status == status })
	}
	succeeded := byStatus(task.StatusSuccess)
	failed := byStatus(task.StatusFailed)
	skipped := byStatus(task.StatusSkipped)

	s := &Summary{
		Total:     total,
		Succeeded: len(succeeded),
		Failed:    len(failed),
		Skipped:   len(skipped),
		Cancelled: max(rep.Cancelled(), 0),
		RetriedCount: lo.SumBy(results, func(r task.Result) int {
			return max(0, r.Attempts-1)
		}),
		ElapsedSec: elapsed.Seconds(),
		Outputs:    lo.FlatMap(succeeded, func(r task.Result, _ int) []string { return r.Outputs }),
		Errors: lo.Map(failed, func(r task.Result, _ int) FailedItem {
			reason := r.Error
			if reason == "" {
				reason = "unknown"
			}
			return FailedItem{Input: r.Input, Reason: reason, Attempts: r.Attempts, ErrorPath: r.ErrorPath}
		}),
		SkippedItems: lo.Map(skipped, func(r task.Result, _ int) SkippedItem {
			reason := string(r.Reason)
			if reason == "" {
				reason = "skipped"
			}
			return SkippedItem{Input: r.Input, Reason: reason}
		}),
		SkippedStale: lo.CountBy(skipped, func(r task.Result) bool { return r.Stale }),
		LockConflict: lo.CountBy(skipped, func(r task.Result) bool { return r.Reason == integrity.ReasonLockTimeout }),
	}
	s.Processed = s.Succeeded + s.Failed
	s.Queued = s.Processed + s.Cancelled
	return s
}
