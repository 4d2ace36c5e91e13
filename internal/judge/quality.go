package judge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/lamim/cs4/internal/metering"
	"github.com/lamim/cs4/internal/metrics"
	"github.com/lamim/cs4/internal/table"
	"github.com/lamim/cs4/internal/util"
	"github.com/lamim/cs4/pkg/models"
)

// QualityStage labels metrics and usage records
const QualityStage = "quality"

// Category names in the order the rubric lists them
const (
	Grammar    = "grammar"
	Coherence  = "coherence"
	Likability = "likability"
)

var categories = []string{Grammar, Coherence, Likability}

var (
	categoryLineRegex = regexp.MustCompile(`(?i)^[\s*#]*(grammar|coherence|likability)\b`)
	scoreLineRegex    = regexp.MustCompile(`(?i)^[\s*]*(?:story\s+)?([AB])\s*[-–:]\s*(\d+(?:\.\d+)?)\s*/\s*5\b`)
)

// Scores holds the six 0-5 ratings of one pairwise comparison
type Scores struct {
	A map[string]float64
	B map[string]float64
}

// Preferences are the winners derived from Scores
type Preferences struct {
	Grammar    string
	Coherence  string
	Likability string
	Overall    string
}

// ParseEvaluation reads the per-category A and B ratings from a rubric answer.
// Lines are matched by label, so blank lines, bold markers and category order
// do not matter. Every category needs both ratings within [0, 5].
func ParseEvaluation(answer string) (Scores, error) {
	s := Scores{A: make(map[string]float64), B: make(map[string]float64)}
	current := ""
	for _, line := range strings.Split(answer, "\n") {
		if m := categoryLineRegex.FindStringSubmatch(line); m != nil {
			current = strings.ToLower(m[1])
			continue
		}
		m := scoreLineRegex.FindStringSubmatch(line)
		if m == nil || current == "" {
			continue
		}
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil || v < 0 || v > 5 {
			return Scores{}, unparseable(fmt.Sprintf("%s score %q out of range", current, m[2]), answer)
		}
		side := s.A
		if strings.EqualFold(m[1], "B") {
			side = s.B
		}
		if _, seen := side[current]; !seen {
			side[current] = v
		}
	}

	var missing []string
	for _, c := range categories {
		if _, ok := s.A[c]; !ok {
			missing = append(missing, c+" A")
		}
		if _, ok := s.B[c]; !ok {
			missing = append(missing, c+" B")
		}
	}
	if len(missing) > 0 {
		return Scores{}, unparseable("missing "+strings.Join(missing, ", "), answer)
	}
	return s, nil
}

// Preferences picks A for a category when A >= B. The overall winner is the
// majority over the three categories, ties going to A.
func (s Scores) Preferences() Preferences {
	pick := func(c string) string {
		if s.A[c] >= s.B[c] {
			return "A"
		}
		return "B"
	}
	p := Preferences{
		Grammar:    pick(Grammar),
		Coherence:  pick(Coherence),
		Likability: pick(Likability),
	}
	a := 0
	for _, w := range []string{p.Grammar, p.Coherence, p.Likability} {
		if w == "A" {
			a++
		}
	}
	p.Overall = "A"
	if a < 3-a {
		p.Overall = "B"
	}
	return p
}

// Fields flattens scores and preferences into evaluation columns
func (s Scores) Fields() map[string]string {
	p := s.Preferences()
	return map[string]string{
		models.ColGrammarScoreA:    formatFloat(s.A[Grammar]),
		models.ColGrammarScoreB:    formatFloat(s.B[Grammar]),
		models.ColCoherenceScoreA:  formatFloat(s.A[Coherence]),
		models.ColCoherenceScoreB:  formatFloat(s.B[Coherence]),
		models.ColLikabilityScoreA: formatFloat(s.A[Likability]),
		models.ColLikabilityScoreB: formatFloat(s.B[Likability]),
		models.ColGrammarPref:      p.Grammar,
		models.ColCoherencePref:    p.Coherence,
		models.ColLikabilityPref:   p.Likability,
		models.ColOverallPref:      p.Overall,
	}
}

// QualityOptions tunes the pairwise comparison loop
type QualityOptions struct {
	MaxTrials int    // instruction groups compared
	MaxRedo   int    // judge attempts per pair while the answer does not parse
	Reference int    // constraint count of the reference story
	Seed      int64  // story order seed, 0 picks one from the clock
	OutputDir string // where <group>_evaluations.csv files go, empty skips them
	Resume    bool   // reuse group files already present in OutputDir
}

// Quality compares every story of an instruction group against the group's
// reference story
type Quality struct {
	judge     *Judge
	tmpl      string
	opts      QualityOptions
	rng       *rand.Rand
	logger    *slog.Logger
	collector *metrics.Collector
}

// NewQuality creates the stage
func NewQuality(j *Judge, tmpl string, opts QualityOptions, logger *slog.Logger) *Quality {
	if opts.MaxRedo < 1 {
		opts.MaxRedo = 1
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Quality{
		judge:  j,
		tmpl:   tmpl,
		opts:   opts,
		rng:    rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1)),
		logger: logger.With("component", "quality"),
	}
}

// SetCollector enables row metrics
func (q *Quality) SetCollector(c *metrics.Collector) { q.collector = c }

// QualityPrompt renders the judge input for one ordered pair
func QualityPrompt(tmpl, storyA, storyB string) (string, error) {
	return util.RenderTemplate(tmpl, map[string]any{
		"StoryA": storyA,
		"StoryB": storyB,
	})
}

// ReferenceRow returns the reference row of a group: the second row with
// the reference constraint count, or the first when there is only one
func ReferenceRow(t *table.Table, rows []int, reference int) (int, bool) {
	var matches []int
	for _, r := range rows {
		n, err := models.ParseCount(t.Get(r, models.ColNumConstraints))
		if err == nil && n == reference {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return 0, false
	case 1:
		return matches[0], true
	default:
		return matches[1], true
	}
}

// GroupName turns an instruction into a file-name-safe group label
func GroupName(index int, instruction string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(instruction) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case b.Len() > 0 && !strings.HasSuffix(b.String(), "_"):
			b.WriteByte('_')
		}
		if b.Len() >= 48 {
			break
		}
	}
	slug := strings.Trim(b.String(), "_")
	if slug == "" {
		slug = "group"
	}
	return fmt.Sprintf("%03d_%s", index+1, slug)
}

// EvaluationsPath is <dir>/<group>_evaluations.csv
func EvaluationsPath(dir, group string) string {
	return filepath.Join(dir, group+"_evaluations.csv")
}

// Run compares stories of the first MaxTrials instruction groups and returns
// the evaluated rows of those groups. Judge call failures mark the pair
// needs_parsing=1 and the loop moves on.
func (q *Quality) Run(ctx context.Context, t *table.Table) (*table.Table, models.StageStats, error) {
	stats := models.StageStats{StartTime: time.Now()}
	if err := t.Require(models.ColInstruction, models.ColNumConstraints, models.ColGeneratedStory); err != nil {
		return nil, stats, err
	}
	ctx = metering.WithStage(ctx, QualityStage)

	groups := t.GroupBy(models.ColInstruction)
	if q.opts.MaxTrials > 0 && len(groups) > q.opts.MaxTrials {
		groups = groups[:q.opts.MaxTrials]
	}
	pairs := 0
	for _, g := range groups {
		pairs += len(g.Rows) - 1
	}

	q.logger.Info("Starting pairwise quality evaluation",
		"groups", len(groups),
		"pairs", pairs,
		"reference_constraints", q.opts.Reference,
		"max_redo", q.opts.MaxRedo)

	var combined *table.Table
	bar := progressbar.Default(int64(pairs), "Comparing stories")
	for gi, g := range groups {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		name := GroupName(gi, g.Key)

		gt, resumed, err := q.loadGroup(name)
		if err != nil {
			return nil, stats, err
		}
		if resumed {
			q.logger.Info("Reusing group evaluations", "group", name, "rows", gt.Len())
			stats.SkippedCount += gt.Len()
			_ = bar.Add(len(g.Rows) - 1)
		} else {
			gt = t.Subset(g.Rows)
			if err := q.evaluateGroup(ctx, name, gt, &stats, bar); err != nil {
				return nil, stats, err
			}
			if q.opts.OutputDir != "" {
				if err := table.WriteCSV(EvaluationsPath(q.opts.OutputDir, name), gt); err != nil {
					return nil, stats, fmt.Errorf("failed to write group %s: %w", name, err)
				}
			}
			q.logger.Info("Evaluations complete for group", "group", name)
		}

		if combined == nil {
			combined = table.New(gt.Header...)
		}
		for r := 0; r < gt.Len(); r++ {
			combined.Append(gt.Record(r))
		}
	}
	if combined == nil {
		combined = table.New(t.Header...)
	}

	stats.TotalRows = combined.Len()
	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	q.logger.Info("Pairwise quality evaluation complete",
		"evaluated", stats.SuccessCount,
		"needs_parsing", stats.FailureCount,
		"duration", stats.Duration)
	return combined, stats, nil
}

func (q *Quality) loadGroup(name string) (*table.Table, bool, error) {
	if !q.opts.Resume || q.opts.OutputDir == "" {
		return nil, false, nil
	}
	gt, err := table.ReadCSV(EvaluationsPath(q.opts.OutputDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read group %s: %w", name, err)
	}
	return gt, true, nil
}

// evaluateGroup judges every non-reference row of gt in place
func (q *Quality) evaluateGroup(ctx context.Context, name string, gt *table.Table, stats *models.StageStats, bar *progressbar.ProgressBar) error {
	for _, col := range []string{models.ColOrder, models.ColNeedsParsing, models.ColEvaluations, models.ColCoherenceScore} {
		gt.AddColumn(col)
	}

	ref, ok := ReferenceRow(gt, allRows(gt), q.opts.Reference)
	if !ok {
		q.logger.Warn("Group has no reference story, skipping",
			"group", name,
			"reference_constraints", q.opts.Reference)
		_ = bar.Add(gt.Len() - 1)
		return nil
	}
	refStory := gt.Get(ref, models.ColGeneratedStory)

	for r := 0; r < gt.Len(); r++ {
		if r == ref {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		order := q.rng.IntN(2)
		storyA, storyB := refStory, gt.Get(r, models.ColGeneratedStory)
		if order == 1 {
			storyA, storyB = storyB, refStory
		}

		scores, answer, err := q.comparePair(ctx, storyA, storyB)
		gt.Set(r, models.ColEvaluations, answer)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Warn("Pair needs parsing", "group", name, "row", r, "error", err)
			gt.Set(r, models.ColNeedsParsing, "1")
			stats.FailureCount++
			q.count("needs_parsing")
			_ = bar.Add(1)
			continue
		}

		for col, v := range scores.Fields() {
			gt.Set(r, col, v)
		}
		gt.Set(r, models.ColOrder, strconv.Itoa(order))
		gt.Set(r, models.ColNeedsParsing, "0")
		own := scores.B[Coherence]
		if order == 1 {
			own = scores.A[Coherence]
		}
		gt.Set(r, models.ColCoherenceScore, formatFloat(own))
		stats.SuccessCount++
		q.count("success")
		_ = bar.Add(1)
	}
	return nil
}

// comparePair asks the judge up to MaxRedo times until the answer parses.
// A failed judge call ends the attempts at once.
func (q *Quality) comparePair(ctx context.Context, storyA, storyB string) (Scores, string, error) {
	prompt, err := QualityPrompt(q.tmpl, storyA, storyB)
	if err != nil {
		return Scores{}, "", err
	}

	var answer string
	var parseErr error
	for attempt := 1; attempt <= q.opts.MaxRedo; attempt++ {
		answer, err = q.judge.Ask(ctx, prompt)
		if err != nil {
			return Scores{}, "", err
		}
		scores, err := ParseEvaluation(answer)
		if err == nil {
			return scores, answer, nil
		}
		parseErr = err
		q.logger.Debug("Judge answer did not parse, retrying", "attempt", attempt, "error", err)
	}
	return Scores{}, answer, parseErr
}

func (q *Quality) count(status string) {
	if q.collector != nil {
		q.collector.IncrementRows(QualityStage, status)
	}
}
