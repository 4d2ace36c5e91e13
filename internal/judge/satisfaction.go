package judge

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/lamim/cs4/internal/checkpoint"
	"github.com/lamim/cs4/internal/metering"
	"github.com/lamim/cs4/internal/metrics"
	"github.com/lamim/cs4/internal/table"
	"github.com/lamim/cs4/internal/util"
	"github.com/lamim/cs4/internal/writer"
	"github.com/lamim/cs4/pkg/models"
)

// SatisfactionStage labels checkpoints, partial files and metrics
const SatisfactionStage = "satisfaction"

var (
	satisfiedLineRegex = regexp.MustCompile(`(?i)number\s+of\s+constraints\s+satisfied\s*[:\-]?\s*\[?\s*(\d+)`)
	yesLineRegex       = regexp.MustCompile(`(?im)^\s*\d+\s*[.)]\s*\**\s*yes\b`)
)

// ParseSatisfied reads the satisfied-constraint count from a judge answer.
// The last "Number of constraints satisfied: N" line wins; without one the
// numbered "N. Yes" verdicts are counted.
func ParseSatisfied(answer string) (int, error) {
	if m := satisfiedLineRegex.FindAllStringSubmatch(answer, -1); len(m) > 0 {
		n, err := strconv.Atoi(m[len(m)-1][1])
		if err != nil {
			return 0, unparseable("bad satisfied count", answer)
		}
		return n, nil
	}
	if yes := yesLineRegex.FindAllString(answer, -1); len(yes) > 0 {
		return len(yes), nil
	}
	return 0, unparseable("no satisfied count", answer)
}

// Percentage is satisfied/total*100, 0 when total is 0
func Percentage(satisfied, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(satisfied) / float64(total) * 100
}

// SatisfactionPrompt renders the judge input for one story row
func SatisfactionPrompt(tmpl, story, constraints string, n int) (string, error) {
	return util.RenderTemplate(tmpl, map[string]any{
		"Story":          story,
		"NumConstraints": n,
		"Constraints":    constraints,
	})
}

// Satisfaction asks the judge how many constraints each story satisfies
type Satisfaction struct {
	judge     *Judge
	tmpl      string
	workers   int
	logger    *slog.Logger
	collector *metrics.Collector
	ckpt      *checkpoint.Manager
	partial   *writer.PartialWriter
}

// NewSatisfaction creates the stage; workers bounds concurrent judge calls
func NewSatisfaction(j *Judge, tmpl string, workers int, logger *slog.Logger) *Satisfaction {
	if workers < 1 {
		workers = 1
	}
	return &Satisfaction{
		judge:   j,
		tmpl:    tmpl,
		workers: workers,
		logger:  logger.With("component", "satisfaction"),
	}
}

// SetCheckpoint enables partial saves and resume
func (s *Satisfaction) SetCheckpoint(ckpt *checkpoint.Manager, partial *writer.PartialWriter) {
	s.ckpt = ckpt
	s.partial = partial
}

// SetCollector enables row metrics
func (s *Satisfaction) SetCollector(c *metrics.Collector) { s.collector = c }

type satJob struct {
	row    int
	id     string
	prompt string
	total  int
}

type satResult struct {
	job    satJob
	answer string
	err    error
}

// Run judges every row of t and returns a copy with CS_FinalPrompt,
// ResponseContent, satisfied and Percentage filled. A judge call failure
// stops the stage after the finished rows are flushed.
func (s *Satisfaction) Run(ctx context.Context, t *table.Table) (*table.Table, models.StageStats, error) {
	stats := models.StageStats{StartTime: time.Now(), TotalRows: t.Len()}
	if err := t.Require(models.ColGeneratedStory, models.ColSelectedConstraints, models.ColNumConstraints); err != nil {
		return nil, stats, err
	}

	out := t.Subset(allRows(t))
	for _, col := range []string{models.ColRequestID, models.ColSatisfactionPrompt, models.ColResponseContent, models.ColSatisfied, models.ColPercentage} {
		out.AddColumn(col)
	}

	var jobs []satJob
	for r := 0; r < out.Len(); r++ {
		n, err := models.ParseCount(out.Get(r, models.ColNumConstraints))
		if err != nil {
			return nil, stats, fmt.Errorf("row %d: %w", r, err)
		}
		id := out.Get(r, models.ColRequestID)
		if id == "" {
			id = models.DeriveRequestID(r, out.Get(r, models.ColInstruction), strconv.Itoa(n))
			out.Set(r, models.ColRequestID, id)
		}
		prompt, err := SatisfactionPrompt(s.tmpl, out.Get(r, models.ColGeneratedStory), out.Get(r, models.ColSelectedConstraints), n)
		if err != nil {
			return nil, stats, fmt.Errorf("row %d: failed to render prompt: %w", r, err)
		}
		out.Set(r, models.ColSatisfactionPrompt, prompt)
		jobs = append(jobs, satJob{row: r, id: id, prompt: prompt, total: n})
	}

	jobs = s.restore(out, jobs)
	stats.SkippedCount = out.Len() - len(jobs)
	s.logger.Info("Judging constraint satisfaction",
		"rows", out.Len(),
		"pending", len(jobs),
		"resumed", stats.SkippedCount,
		"workers", s.workers)
	if s.ckpt != nil {
		if err := s.ckpt.MarkStarted(out.Len()); err != nil {
			return nil, stats, err
		}
	}

	err := s.dispatch(metering.WithStage(ctx, SatisfactionStage), jobs, func(res satResult) error {
		s.score(out, res.job, res.answer, &stats)
		if s.partial != nil {
			if err := s.partial.Append(out.Record(res.job.row)); err != nil {
				return err
			}
		}
		if s.ckpt != nil {
			return s.ckpt.MarkRowsComplete([]string{res.job.id}, stats)
		}
		return nil
	})
	if err != nil {
		if s.partial != nil {
			if ferr := s.partial.Flush(); ferr != nil {
				s.logger.Error("Failed to flush partial rows", "error", ferr)
			}
		}
		if s.ckpt != nil {
			if serr := s.ckpt.SaveSync(); serr != nil {
				s.logger.Error("Failed to save checkpoint", "error", serr)
			}
		}
		return nil, stats, err
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	if s.ckpt != nil {
		if err := s.ckpt.MarkComplete(stats); err != nil {
			return nil, stats, err
		}
	}
	s.logger.Info("Constraint satisfaction complete",
		"scored", stats.SuccessCount,
		"unparsed", stats.FailureCount,
		"resumed", stats.SkippedCount,
		"duration", stats.Duration)
	return out, stats, nil
}

// dispatch fans jobs out to workers and hands results to collect one at a
// time. The first call or collect error cancels the remaining work.
func (s *Satisfaction) dispatch(ctx context.Context, jobs []satJob, collect func(satResult) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobCh := make(chan satJob)
	results := make(chan satResult, s.workers)

	var wg sync.WaitGroup
	wg.Add(s.workers)
	for i := 0; i < s.workers; i++ {
		go s.worker(ctx, i, jobCh, results, &wg)
	}

	go func() {
		defer close(jobCh)
		for _, job := range jobs {
			select {
			case jobCh <- job:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	bar := progressbar.Default(int64(len(jobs)), "Judging constraints")
	var firstErr error
	for res := range results {
		_ = bar.Add(1)
		if firstErr != nil {
			continue
		}
		if res.err != nil {
			firstErr = fmt.Errorf("row %d (request %s): %w", res.job.row, res.job.id, res.err)
			cancel()
			continue
		}
		if err := collect(res); err != nil {
			firstErr = err
			cancel()
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func (s *Satisfaction) worker(ctx context.Context, workerID int, jobs <-chan satJob, results chan<- satResult, wg *sync.WaitGroup) {
	defer wg.Done()

	workerLogger := s.logger.With("worker_id", workerID)
	workerLogger.Debug("Worker started")

	for job := range jobs {
		if ctx.Err() != nil {
			workerLogger.Debug("Worker cancelled")
			return
		}
		answer, err := s.judge.Ask(ctx, job.prompt)
		results <- satResult{job: job, answer: answer, err: err}
	}
}

// score stores the answer and its parsed count. An unparseable answer keeps
// ResponseContent so it can be rescored later.
func (s *Satisfaction) score(out *table.Table, job satJob, answer string, stats *models.StageStats) {
	out.Set(job.row, models.ColResponseContent, answer)
	n, err := ParseSatisfied(answer)
	if err != nil {
		s.logger.Warn("Could not read satisfied count", "row", job.row, "error", err)
		out.Set(job.row, models.ColSatisfied, "")
		out.Set(job.row, models.ColPercentage, "")
		stats.FailureCount++
		s.count("unparsed")
		return
	}
	if n > job.total {
		s.logger.Warn("Judge counted more satisfied constraints than given",
			"row", job.row, "satisfied", n, "constraints", job.total)
	}
	out.Set(job.row, models.ColSatisfied, strconv.Itoa(n))
	out.Set(job.row, models.ColPercentage, formatFloat(Percentage(n, job.total)))
	stats.SuccessCount++
	s.count("success")
}

func (s *Satisfaction) count(status string) {
	if s.collector != nil {
		s.collector.IncrementRows(SatisfactionStage, status)
	}
}

// restore copies judged rows from an earlier run and drops their jobs
func (s *Satisfaction) restore(out *table.Table, jobs []satJob) []satJob {
	if s.ckpt == nil || s.partial == nil {
		return jobs
	}
	saved := s.partial.Table()
	answers := make(map[string]map[string]string, saved.Len())
	for r := 0; r < saved.Len(); r++ {
		id := saved.Get(r, models.ColRequestID)
		if id != "" && s.ckpt.IsCompleted(id) {
			answers[id] = saved.Record(r)
		}
	}

	pending := jobs[:0]
	for _, job := range jobs {
		rec, ok := answers[job.id]
		if !ok {
			pending = append(pending, job)
			continue
		}
		for _, col := range []string{models.ColResponseContent, models.ColSatisfied, models.ColPercentage} {
			out.Set(job.row, col, rec[col])
		}
	}
	return pending
}

// Rescore recomputes satisfied and Percentage from ResponseContent without
// calling the judge. It returns how many rows could not be parsed.
func Rescore(t *table.Table) (int, error) {
	if err := t.Require(models.ColResponseContent, models.ColNumConstraints); err != nil {
		return 0, err
	}
	failed := 0
	for r := 0; r < t.Len(); r++ {
		total, err := models.ParseCount(t.Get(r, models.ColNumConstraints))
		if err != nil {
			return failed, fmt.Errorf("row %d: %w", r, err)
		}
		n, err := ParseSatisfied(t.Get(r, models.ColResponseContent))
		if err != nil {
			failed++
			t.Set(r, models.ColSatisfied, "")
			t.Set(r, models.ColPercentage, "")
			continue
		}
		t.Set(r, models.ColSatisfied, strconv.Itoa(n))
		t.Set(r, models.ColPercentage, formatFloat(Percentage(n, total)))
	}
	return failed, nil
}

func allRows(t *table.Table) []int {
	rows := make([]int, t.Len())
	for i := range rows {
		rows[i] = i
	}
	return rows
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
