// Package advantage converts graded rollout groups into per-sample
// training advantages by centering each sample's reward on its group mean.
package advantage

import (
	"github.com/gastownhall/rolltune/internal/rollout"
)

// Sample is one training-ready completion with its advantage attached.
type Sample struct {
	TaskID         string
	Choice         int
	PromptTokenIDs []int
	TokenIDs       []int
	Logprobs       []float64
	Advantage      float64
}

// Result carries the usable samples plus accounting for what was dropped.
type Result struct {
	Samples []Sample

	// UniformGroups counts groups whose every sample earned the same
	// reward; all of their samples carry zero advantage and are dropped.
	UniformGroups int

	// SmallGroups counts groups with fewer than two graded samples. A
	// single sample has no peers to be relative to.
	SmallGroups int

	// Dropped is the total number of samples excluded for zero advantage
	// or small-group membership.
	Dropped int
}

// Compute centers each group's rewards on the group mean and drops samples
// that contribute no learning signal: those with exactly zero advantage,
// and all members of groups too small to define a mean worth centering on.
func Compute(groups []rollout.Group) Result {
	var res Result
	for _, g := range groups {
		if len(g.Samples) < 2 {
			res.SmallGroups++
			res.Dropped += len(g.Samples)
			continue
		}

		var sum float64
		for _, s := range g.Samples {
			sum += s.Reward
		}
		mean := sum / float64(len(g.Samples))

		kept := 0
		for _, s := range g.Samples {
			adv := s.Reward - mean
			if adv == 0 {
				res.Dropped++
				continue
			}
			kept++
			res.Samples = append(res.Samples, Sample{
				TaskID:         g.TaskID,
				Choice:         s.Choice,
				PromptTokenIDs: g.PromptTokenIDs,
				TokenIDs:       s.TokenIDs,
				Logprobs:       s.Logprobs,
				Advantage:      adv,
			})
		}
		if kept == 0 {
			res.UniformGroups++
		}
	}
	return res
}
