package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/config"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/model"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/report"
)

type stubSolver struct {
	n     int
	cv    float64
	err   error
	delay time.Duration
	done  chan struct{}
}

func (s *stubSolver) SolveSampleSize(ctx context.Context, cv, power, alpha float64, design string) (int, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.done != nil {
		close(s.done)
	}
	return s.n, s.err
}
func (s *stubSolver) CVFromCI(context.Context, float64, float64, int, string) (float64, error) {
	return s.cv, s.err
}
func (s *stubSolver) Health(context.Context) error { return s.err }

func testConfig() *config.Config {
	return &config.Config{
		Stats: config.StatsConfig{Power: 0.80, Alpha: 0.05, Dropout: 0.10, ScreenFail: 0.20},
		Risk: config.RiskConfig{
			Samples: 2000, TargetProbability: 0.80,
			NMin: 12, NMax: 120, NStep: 2,
		},
	}
}

func loadRules(t *testing.T) *config.RuleSet {
	t.Helper()
	rs, err := config.LoadRules("../../rules")
	require.NoError(t, err)
	return rs
}

func fptr(v float64) *float64 { return &v }

func cleanRequest() *model.PlanRequest {
	return &model.PlanRequest{
		Drug: "ibuprofen",
		Measurements: []model.Measurement{
			{Parameter: model.ParamAUC0t, Value: fptr(120), Unit: "ng*h/mL", SourceID: "src-1", Excerpt: "table 2",
				Tags: model.ContextTags{Fasted: true, DesignHint: "2x2 crossover, log-transformed"}},
			{Parameter: model.ParamCmax, Value: fptr(42), Unit: "ng/mL", SourceID: "src-1", Excerpt: "table 2"},
			{Parameter: model.ParamTHalf, Value: fptr(2), Unit: "h", SourceID: "src-1", Excerpt: "section 3.1"},
			{Parameter: model.ParamCVIntra, Value: fptr(22), Unit: "%", SourceID: "src-1", Excerpt: "CVintra 22%"},
		},
		Sources: []model.Source{{
			ID: "src-1", Species: "human", TypeTags: []string{"BE"}, Relevance: 1.0, Primary: true,
		}},
		CVConfirmed:      true,
		Population:       "healthy adults",
		FeedingCondition: "fasted",
	}
}

func TestRunDeterministicPath(t *testing.T) {
	p := New(testConfig(), loadRules(t), &stubSolver{n: 24})

	rep, err := p.Run(context.Background(), cleanRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, "ibuprofen", rep.Drug)
	assert.Equal(t, report.StatusDraft, rep.ProtocolStatus)
	assert.False(t, rep.Incomplete)

	assert.Equal(t, model.ProvReported, rep.CV.Elected.Provenance)
	assert.True(t, rep.Quality.AllowDeterministicN)

	require.NotNil(t, rep.SampleSize.Deterministic)
	assert.Nil(t, rep.SampleSize.RiskQualified)
	assert.Equal(t, 24, rep.SampleSize.Deterministic.NTotal)
	assert.Equal(t, "powertost", rep.SampleSize.Deterministic.Solver)
	// Defaults applied: ceil(24/0.9)=27 randomized, ceil(27/0.8)=34 screened.
	assert.Equal(t, 27, rep.SampleSize.Deterministic.NRandomized)
	assert.Equal(t, 34, rep.SampleSize.Deterministic.NScreened)
}

func TestRunRiskPathWithoutMeasuredCV(t *testing.T) {
	p := New(testConfig(), loadRules(t), nil)

	req := cleanRequest()
	// Drop the reported CV; only the rule-based range remains.
	req.Measurements = req.Measurements[:3]
	req.CVConfirmed = false
	bcs := 2
	req.Features = model.DrugFeatures{BCSClass: &bcs, LogP: fptr(3.5)}
	seed := uint64(11)
	req.Seed = &seed

	rep, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, model.ProvRange, rep.CV.Elected.Provenance)
	assert.False(t, rep.Quality.AllowDeterministicN)
	assert.True(t, rep.Quality.PreferRisk)

	assert.Nil(t, rep.SampleSize.Deterministic)
	require.NotNil(t, rep.SampleSize.RiskQualified)
	assert.Equal(t, seed, rep.SampleSize.RiskQualified.Seed)
	assert.NotEmpty(t, rep.SampleSize.RiskQualified.Curve)
}

func TestRunReplaysIdenticallyForSameSeed(t *testing.T) {
	p := New(testConfig(), loadRules(t), nil)

	build := func() *model.PlanRequest {
		req := cleanRequest()
		req.Measurements = req.Measurements[:3]
		seed := uint64(99)
		req.Seed = &seed
		return req
	}

	a, err := p.Run(context.Background(), build())
	require.NoError(t, err)
	b, err := p.Run(context.Background(), build())
	require.NoError(t, err)

	assert.Equal(t, a.SampleSize.RiskQualified.Curve, b.SampleSize.RiskQualified.Curve)
	assert.Equal(t, a.SampleSize.RiskQualified.RecommendedN, b.SampleSize.RiskQualified.RecommendedN)
}

func TestRunHighVariabilityElectsReplicate(t *testing.T) {
	p := New(testConfig(), loadRules(t), &stubSolver{n: 48})

	req := cleanRequest()
	req.Measurements[3].Value = fptr(45) // CVintra 45%

	rep, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, model.DesignReplicate4, rep.Design.Design)
	assert.Equal(t, "HVD_REPLICATE", rep.Design.RuleID)
}

func TestRunConditionFiltering(t *testing.T) {
	p := New(testConfig(), loadRules(t), &stubSolver{n: 24})

	req := cleanRequest()
	req.ProtocolCondition = "fasted"
	// A fed-only measurement must not feed a fasted protocol.
	req.Measurements = append(req.Measurements, model.Measurement{
		Parameter: model.ParamCmax, Value: fptr(55), Unit: "ng/mL",
		SourceID: "src-2", Excerpt: "fed arm", Tags: model.ContextTags{Fed: true},
	})

	rep, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	var excluded *model.Measurement
	for i := range rep.Measurements {
		if rep.Measurements[i].SourceID == "src-2" {
			excluded = &rep.Measurements[i]
		}
	}
	require.NotNil(t, excluded)
	assert.True(t, excluded.Excluded)
	assert.Contains(t, excluded.Warnings, WarnConditionMismatch)

	// Untagged measurements under a stated protocol condition flag review.
	assert.Contains(t, rep.Warnings, WarnConditionTaggingMissing)
}

func TestRunSolverFailureDegradesToApproximation(t *testing.T) {
	p := New(testConfig(), loadRules(t), &stubSolver{err: eris.New("boom")})

	rep, err := p.Run(context.Background(), cleanRequest())
	require.NoError(t, err)

	require.NotNil(t, rep.SampleSize.Deterministic)
	assert.Equal(t, "approx", rep.SampleSize.Deterministic.Solver)
	assert.Contains(t, rep.Warnings, "approximate_formula_used")
}

func TestRunTimeoutYieldsPartialReport(t *testing.T) {
	p := New(testConfig(), loadRules(t), &stubSolver{n: 24, delay: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	rep, err := p.Run(ctx, cleanRequest())
	require.NoError(t, err)

	assert.True(t, rep.Incomplete)
	assert.Nil(t, rep.SampleSize.Deterministic)
	assert.Nil(t, rep.SampleSize.RiskQualified)
	assert.Contains(t, rep.Warnings, report.CodeIncompleteRun)
}

func TestRunTimeoutIsolatesReportFromLateWorker(t *testing.T) {
	done := make(chan struct{})
	p := New(testConfig(), loadRules(t), &stubSolver{n: 24, delay: 300 * time.Millisecond, done: done})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	rep, err := p.Run(ctx, cleanRequest())
	require.NoError(t, err)
	require.True(t, rep.Incomplete)
	require.Nil(t, rep.SampleSize.Deterministic)

	// Let the abandoned sizing worker finish its solve, then verify it could
	// not mutate the report already handed to the caller.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stub solver never finished")
	}
	time.Sleep(20 * time.Millisecond)

	assert.Nil(t, rep.SampleSize.Deterministic)
	assert.Nil(t, rep.SampleSize.RiskQualified)
	assert.True(t, rep.Incomplete)
}

func TestRunRegulatoryChecksInReport(t *testing.T) {
	p := New(testConfig(), loadRules(t), &stubSolver{n: 24})

	rep, err := p.Run(context.Background(), cleanRequest())
	require.NoError(t, err)

	byID := make(map[string]model.RegCheck)
	for _, c := range rep.RegChecks {
		byID[c.RuleID] = c
	}

	// Confirmed 22% CV on a 2x2 crossover is within the risk profile.
	require.Contains(t, byID, "CV_HIGH_DESIGN")
	assert.Equal(t, model.RegCheckOK, byID["CV_HIGH_DESIGN"].Status)

	// Washout duration was never stated.
	require.Contains(t, byID, "WASHOUT")
	assert.Equal(t, model.RegCheckClarify, byID["WASHOUT"].Status)

	// CLARIFY findings surface as open questions on the report.
	found := false
	for _, q := range rep.OpenQuestions {
		if q.RuleID == "WASHOUT" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRunWashoutValidatedAgainstHalfLife(t *testing.T) {
	p := New(testConfig(), loadRules(t), &stubSolver{n: 24})

	req := cleanRequest()
	// t-half 2 h: five half-lives are 10 h, well under one day.
	req.WashoutDays = fptr(1)

	rep, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	for _, c := range rep.RegChecks {
		if c.RuleID == "WASHOUT" {
			assert.Equal(t, model.RegCheckOK, c.Status)
			return
		}
	}
	t.Fatal("washout check missing from report")
}

func TestRunStrictRejection(t *testing.T) {
	p := New(testConfig(), loadRules(t), nil)

	req := &model.PlanRequest{Drug: "unknownium", Strict: true}

	rep, err := p.Run(context.Background(), req)
	assert.Nil(t, rep)

	var rej *report.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Contains(t, rej.Blockers, report.BlockerMissingEndpoints)
}

func TestRunManualCVOutranksReported(t *testing.T) {
	p := New(testConfig(), loadRules(t), &stubSolver{n: 30})

	req := cleanRequest()
	req.ManualCV = fptr(35)

	rep, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, model.ProvManual, rep.CV.Elected.Provenance)
	assert.Equal(t, 35.0, *rep.CV.Elected.Value)
	// Manual 35% also crosses the replicate threshold.
	assert.Equal(t, model.DesignReplicate4, rep.Design.Design)
}
