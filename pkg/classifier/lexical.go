package classifier

import (
	tsmath "github.com/Siddhant-K-code/topicshift/pkg/math"
)

// LexicalFeatures are the baseline-relative features of one message.
type LexicalFeatures struct {
	Novelty          float64
	Distance         float64
	UniqueTokenRatio float64
}

// NoveltyRatio is the fraction of the message's distinct tokens absent
// from baseline. An empty message has no novelty.
func NoveltyRatio(set, baseline map[string]struct{}) float64 {
	if len(set) == 0 {
		return 0
	}
	novel := 0
	for t := range set {
		if _, ok := baseline[t]; !ok {
			novel++
		}
	}
	return float64(novel) / float64(len(set))
}

// UniqueTokenRatio is distinct tokens over total tokens.
func UniqueTokenRatio(tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		seen[t] = struct{}{}
	}
	return float64(len(seen)) / float64(len(tokens))
}

// Features computes the lexical features of a message against baseline.
func Features(tokens []string, set, baseline map[string]struct{}) LexicalFeatures {
	return LexicalFeatures{
		Novelty:          NoveltyRatio(set, baseline),
		Distance:         1 - tsmath.Jaccard(set, baseline),
		UniqueTokenRatio: UniqueTokenRatio(tokens),
	}
}

// LexicalScore blends novelty and distance, penalizing repetitive or
// low-entropy messages.
func (c Config) LexicalScore(f LexicalFeatures, entropy float64) float64 {
	score := weightLexicalNovelty*f.Novelty + weightLexicalDistant*f.Distance
	if f.UniqueTokenRatio < c.UniqueRatioFloor {
		score *= c.LowSignalPenalty
	}
	if entropy < c.EntropyFloor {
		score *= c.LowSignalPenalty
	}
	return tsmath.Clamp01(score)
}

// FusedScore combines a semantic similarity with the lexical features.
func FusedScore(similarity float64, f LexicalFeatures) float64 {
	return tsmath.Clamp01(weightSemantic*(1-similarity) +
		weightFusedDistance*f.Distance +
		weightFusedNovelty*f.Novelty)
}

// wantsEmbedding reports whether the lexical result is ambiguous enough to
// justify a backend call.
func (c Config) wantsEmbedding(lexical float64, f LexicalFeatures) bool {
	if d := lexical - c.Soft; d >= -c.EmbedMargin && d <= c.EmbedMargin {
		return true
	}
	return f.Novelty >= c.EmbedNoveltyTrigger && f.Distance >= c.EmbedDistanceTrigger
}

type signalLevel int

const (
	signalNone signalLevel = iota
	signalSoft
	signalHard
)

// level classifies a scored message into hard, soft, or no signal.
func (c Config) level(score float64, f LexicalFeatures, sim *float64) signalLevel {
	switch {
	case score >= c.Hard:
		return signalHard
	case sim != nil && *sim <= c.HardSimilarity && f.Novelty >= c.HardNovelty:
		return signalHard
	case sim == nil && f.Novelty >= c.HardNovelty && f.Distance >= hardDistanceBar:
		return signalHard
	case score >= c.Soft:
		return signalSoft
	case sim != nil && *sim <= c.SoftSimilarity && f.Novelty >= c.SoftNovelty:
		return signalSoft
	case sim == nil && f.Novelty >= c.SoftNovelty && f.Distance >= softDistanceBar:
		return signalSoft
	}
	return signalNone
}
