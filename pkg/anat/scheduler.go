package anat

import (
	"context"
	"fmt"
	"sync"

	"anatflow/internal/logging"
)

// BuildRequests pairs each image with its per-subject flags. The optional
// flag lists must either be nil or exactly match the image count; a mismatch
// is a configuration error raised before any task is dispatched.
func BuildRequests(images []string, precrops, strongbias []bool, outputRoot string) ([]Request, error) {
	if precrops != nil && len(precrops) != len(images) {
		return nil, &ConfigError{Msg: fmt.Sprintf(
			"precrop flags must match images: got %d flags for %d images", len(precrops), len(images))}
	}
	if strongbias != nil && len(strongbias) != len(images) {
		return nil, &ConfigError{Msg: fmt.Sprintf(
			"strongbias flags must match images: got %d flags for %d images", len(strongbias), len(images))}
	}

	reqs := make([]Request, len(images))
	for i, img := range images {
		reqs[i] = Request{Image: img, OutputRoot: outputRoot}
		if precrops != nil {
			reqs[i].Precrop = precrops[i]
		}
		if strongbias != nil {
			reqs[i].StrongBias = strongbias[i]
		}
	}
	return reqs, nil
}

// BatchReport collects the terminal result of every subject in a batch.
type BatchReport struct {
	Results   []Result
	Completed int
	Skipped   int
	Failed    int
}

func (r *BatchReport) add(res Result) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeCompleted:
		r.Completed++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	}
}

// AnyFailed reports whether at least one subject failed.
func (r *BatchReport) AnyFailed() bool {
	return r.Failed > 0
}

// Result returns the recorded result for a subject.
func (r *BatchReport) Result(subject string) (Result, bool) {
	for _, res := range r.Results {
		if res.Subject == subject {
			return res, true
		}
	}
	return Result{}, false
}

// Scheduler dispatches per-subject tasks to a bounded worker pool. Tasks are
// independent and share no mutable state; a failed subject is recorded in
// the report without aborting the rest of the batch.
type Scheduler struct {
	// Workers bounds how many subjects run concurrently, and therefore how
	// many engine processes exist at once. Values below 1 mean 1.
	Workers int
}

// NewScheduler returns a scheduler with the given pool size.
func NewScheduler(workers int) *Scheduler {
	return &Scheduler{Workers: workers}
}

// Run executes every task and waits for all of them to reach a terminal
// state. Cancelling the context stops dispatch of not-yet-started tasks;
// tasks already running complete normally.
func (s *Scheduler) Run(ctx context.Context, tasks []*Task) *BatchReport {
	workers := s.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(tasks) && len(tasks) > 0 {
		workers = len(tasks)
	}
	logging.L().Info("dispatching batch", "subjects", len(tasks), "workers", workers)

	jobs := make(chan *Task)
	results := make(chan Result)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range jobs {
				results <- task.Run(ctx)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, task := range tasks {
			if ctx.Err() != nil {
				return
			}
			select {
			case jobs <- task:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	report := &BatchReport{}
	for res := range results {
		report.add(res)
	}
	logging.L().Info("batch finished", "completed", report.Completed,
		"skipped", report.Skipped, "failed", report.Failed)
	return report
}
