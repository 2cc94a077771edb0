// Package loadtest measures the document mutator under contention.
//
// Workers each own a private Mutator, so they coordinate only through the
// lock file the way separate processes do. Every worker updates its own
// disjoint set of tasks; afterwards the document is reloaded and every
// update must be present.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mschirtzinger/taskbridge/internal/store"
)

// Integration is the integration record the load test writes.
const Integration = "loadtest"

// LatencyStats captures performance metrics from a contention run.
type LatencyStats struct {
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
	P50         time.Duration // Median
	P95         time.Duration
	P99         time.Duration
	TotalOps    int
	Errors      int
	LostUpdates int
	Elapsed     time.Duration
	Durations   []time.Duration
}

// Throughput returns completed mutations per second.
func (s *LatencyStats) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.TotalOps) / s.Elapsed.Seconds()
}

// Options tunes a contention run.
type Options struct {
	// Lock is the lock policy of every worker's Mutator. The default
	// allows long waits so that contention shows up as latency, not errors.
	Lock store.LockConfig

	Logger *log.Logger
}

// DefaultOptions returns the options RunContention uses.
func DefaultOptions() Options {
	return Options{
		Lock: store.LockConfig{
			StaleAfter:  30 * time.Second,
			MaxAttempts: 2000,
			RetryDelay:  time.Millisecond,
			MaxHold:     30 * time.Second,
		},
	}
}

// CreateTestDocument writes a flat task document with numTasks tasks,
// ids 1..numTasks.
func CreateTestDocument(path string, numTasks int) error {
	type task struct {
		ID          int    `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Status      string `json:"status"`
	}

	statuses := []string{"pending", "in-progress", "review", "done"}
	doc := struct {
		Tasks []task `json:"tasks"`
	}{Tasks: make([]task, numTasks)}

	for i := range doc.Tasks {
		doc.Tasks[i] = task{
			ID:          i + 1,
			Title:       fmt.Sprintf("Load test task %d", i+1),
			Description: "Generated for mutator contention testing",
			Status:      statuses[i%len(statuses)],
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode test document: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write test document: %w", err)
	}
	return nil
}

// RunContention runs workers concurrent mutators against the document at
// path with default options. See RunContentionWithOptions.
func RunContention(ctx context.Context, path string, workers, perWorker int) (*LatencyStats, error) {
	return RunContentionWithOptions(ctx, path, workers, perWorker, DefaultOptions())
}

// RunContentionWithOptions has each of workers mutators apply perWorker
// merge-fields updates, worker w owning tasks w*perWorker+1 through
// (w+1)*perWorker. The document needs at least workers*perWorker tasks.
//
// The returned error is non-nil when the run could not start or any
// update is missing from the final document.
func RunContentionWithOptions(ctx context.Context, path string, workers, perWorker int, opts Options) (*LatencyStats, error) {
	if workers <= 0 || perWorker <= 0 {
		return nil, fmt.Errorf("workers and perWorker must be positive")
	}

	doc, err := store.Load(path)
	if err != nil {
		return nil, err
	}
	need := workers * perWorker
	if have := len(doc.Tasks("")); have < need {
		return nil, fmt.Errorf("document has %d tasks, need %d", have, need)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		allDurations []time.Duration
		errorCount   int
	)

	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			m := store.NewMutator(store.Config{
				Lock:        opts.Lock,
				Integration: Integration,
				Logger:      logger,
			})

			durations := make([]time.Duration, 0, perWorker)
			failures := 0
			for j := 0; j < perWorker; j++ {
				id := taskID(worker, j, perWorker)
				opStart := time.Now()
				_, err := m.Mutate(ctx, path, id, store.OpMergeFields, store.UpdateData{
					Fields: map[string]any{"worker": worker, "seq": j},
				}, store.MutateOptions{})
				durations = append(durations, time.Since(opStart))
				if err != nil {
					failures++
					logger.Printf("worker %d update of task %s failed: %v", worker, id, err)
				}
			}

			mu.Lock()
			allDurations = append(allDurations, durations...)
			errorCount += failures
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	stats := computeLatencyStats(allDurations)
	stats.Elapsed = time.Since(start)
	stats.Errors = errorCount

	lost, err := verifyUpdates(path, workers, perWorker)
	if err != nil {
		return stats, err
	}
	stats.LostUpdates = lost
	if lost > 0 {
		return stats, fmt.Errorf("%d of %d updates missing from the document", lost, need)
	}
	return stats, nil
}

func taskID(worker, seq, perWorker int) store.TaskID {
	return store.TaskID(strconv.Itoa(worker*perWorker + seq + 1))
}

// verifyUpdates counts updates missing from the document. Failed
// mutations are counted as lost too: the document must hold exactly the
// updates that were reported as committed.
func verifyUpdates(path string, workers, perWorker int) (int, error) {
	doc, err := store.Load(path)
	if err != nil {
		return 0, fmt.Errorf("document unreadable after contention run: %w", err)
	}

	lost := 0
	for w := 0; w < workers; w++ {
		for j := 0; j < perWorker; j++ {
			task, _, err := doc.Find(taskID(w, j, perWorker), "")
			if err != nil {
				return 0, err
			}
			rec := task.Integration(Integration)
			if rec == nil || rec["worker"] != float64(w) || rec["seq"] != float64(j) {
				lost++
			}
		}
	}
	return lost, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		TotalOps:  len(durations),
		Durations: sorted,
	}
}

// PrintStats writes latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Mutations: %d\n", s.TotalOps)
	fmt.Fprintf(w, "  Errors:          %d\n", s.Errors)
	fmt.Fprintf(w, "  Lost Updates:    %d\n", s.LostUpdates)
	fmt.Fprintf(w, "  Min:             %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):    %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:            %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:             %v\n", s.P95)
	fmt.Fprintf(w, "  P99:             %v\n", s.P99)
	fmt.Fprintf(w, "  Max:             %v\n", s.Max)
	fmt.Fprintf(w, "  Throughput:      %.1f mutations/s\n", s.Throughput())
}
