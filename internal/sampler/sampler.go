// Package sampler picks the next token from a row of logits.
package sampler

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-tempo/internal/logger"
)

type Config struct {
	Temperature float64
	TopK        int
	TopP        float64
	RepPenalty  float64 // 1.0 = no penalty, > 1.0 = penalty
	Seed        int64
}

// Greedy always takes the highest logit.
func Greedy() Config { return Config{Temperature: 0, RepPenalty: 1} }

type Sampler struct {
	Config Config
	rng    *rand.Rand
}

func New(cfg Config) *Sampler {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

type tokenProb struct {
	id   int
	prob float64
}

// Sample returns a token id for logits. history is the ids generated so far
// and only feeds the repetition penalty. logits is not modified.
func (s *Sampler) Sample(logits []float32, history []int32) int32 {
	if len(logits) == 0 {
		return 0
	}
	scores := make([]float64, len(logits))
	for i, v := range logits {
		scores[i] = float64(v)
	}
	if !valid(scores) {
		return int32(firstValid(scores))
	}

	if s.Config.RepPenalty > 1.0 && len(history) > 0 {
		s.applyRepetitionPenalty(scores, history)
	}

	if s.Config.Temperature == 0 {
		return int32(floats.MaxIdx(scores))
	}

	probs := softmax(scores, s.Config.Temperature)
	candidates := make([]tokenProb, 0, len(probs))
	for i, p := range probs {
		if p > 1e-10 {
			candidates = append(candidates, tokenProb{id: i, prob: p})
		}
	}
	if len(candidates) == 0 {
		return int32(floats.MaxIdx(scores))
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})

	candidates = applyTopK(candidates, s.Config.TopK)
	candidates = applyTopP(candidates, s.Config.TopP)

	return int32(s.sampleFromCandidates(candidates))
}

func valid(scores []float64) bool {
	for _, v := range scores {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func firstValid(scores []float64) int {
	for i, v := range scores {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			return i
		}
	}
	logger.Log.Warn("no finite logits, returning token 0")
	return 0
}

func softmax(scores []float64, temperature float64) []float64 {
	probs := make([]float64, len(scores))
	floats.ScaleTo(probs, 1/temperature, scores)
	maxVal := floats.Max(probs)
	for i := range probs {
		probs[i] = math.Exp(probs[i] - maxVal)
	}
	floats.Scale(1/floats.Sum(probs), probs)
	return probs
}

func (s *Sampler) applyRepetitionPenalty(scores []float64, history []int32) {
	seen := make(map[int32]struct{})
	start := 0
	if len(history) > 64 {
		start = len(history) - 64
	}
	for _, id := range history[start:] {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if id < 0 || int(id) >= len(scores) {
			continue
		}
		if scores[id] > 0 {
			scores[id] /= s.Config.RepPenalty
		} else {
			scores[id] *= s.Config.RepPenalty
		}
	}
}

func (s *Sampler) sampleFromCandidates(candidates []tokenProb) int {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}
	r := s.rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return candidates[0].id
}

func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

// applyTopP keeps the smallest prefix whose mass reaches p.
func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 || p <= 0.0 {
		return candidates
	}
	sum := 0.0
	for i, c := range candidates {
		sum += c.prob
		if sum >= p {
			return candidates[:i+1]
		}
	}
	return candidates
}
