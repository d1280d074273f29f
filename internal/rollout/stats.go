package rollout

// Sample is one candidate completion for a task, as accumulated from its
// token stream. TokenIDs and Logprobs are aligned; CompletionTokens is the
// server-reported usage total (it may exceed len(TokenIDs) for streams
// aborted locally).
type Sample struct {
	TaskID           string
	Choice           int
	TokenIDs         []int
	Logprobs         []float64
	CompletionTokens int
	EarlyStopped     bool
}

// GradedSample is a Sample with its reward attached.
type GradedSample struct {
	Sample
	Reward float64
}

// Group is every graded sample sharing a task from one collection round,
// plus the prompt token ids common to all of them.
type Group struct {
	TaskID         string
	PromptTokenIDs []int
	Samples        []GradedSample
}

// Stats aggregates partial-failure accounting across one collection round.
// Individual request and grading failures land in Exceptions; early-stop
// exclusions are tracked separately because they are not errors.
type Stats struct {
	Grades           int
	Usages           int
	Exceptions       int
	EarlyStops       int
	TotalReward      float64
	CompletionTokens int
	Metrics          map[string]float64
}

// addScore folds one successful grade into the stats.
func (s *Stats) addScore(score Score) {
	s.Grades++
	s.TotalReward += score.Reward
	if len(score.Metrics) > 0 && s.Metrics == nil {
		s.Metrics = make(map[string]float64)
	}
	for k, v := range score.Metrics {
		s.Metrics[k] += v
	}
}

// MeanReward returns the average reward over graded samples, 0 when none.
func (s *Stats) MeanReward() float64 {
	if s.Grades == 0 {
		return 0
	}
	return s.TotalReward / float64(s.Grades)
}

// MeanCompletionTokens returns the average completion length over requests
// with usable usage totals, 0 when none. This feeds the governor's budget
// recalibration for the next iteration.
func (s *Stats) MeanCompletionTokens() float64 {
	if s.Usages == 0 {
		return 0
	}
	return float64(s.CompletionTokens) / float64(s.Usages)
}
