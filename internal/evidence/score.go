package evidence

import (
	"math"
	"sort"
)

// Scoring constants. The arithmetic is deterministic: identical ledgers
// produce byte-identical score traces.
var levelPoints = map[int]float64{
	LevelSystematicReview: 40,
	LevelRCT:              28,
	LevelObservational:    16,
	LevelRegistry:         8,
	LevelPreclinical:      4,
	LevelMechanistic:      2,
}

// penaltyUnits maps quality flags to per-occurrence penalty weights. Flags
// absent from the table penalize nothing. Each flag's total is capped at four
// units regardless of count.
var penaltyUnits = map[string]float64{
	FlagLimitedMetadata:        1.5,
	FlagPopulationUnspecified:  1.5,
	FlagObservationalRisk:      1.5,
	FlagPreclinicalTranslation: 1.0,
	FlagSmallNOrUnknown:        2.0,
	FlagNotCompleted:           2.0,
	FlagNoRegistryResults:      1.5,
}

const (
	cesMax = 70.0
	mpMax  = 30.0

	capNoHumanEvidence  = 45.0
	capNoHighLevel      = 70.0
	capSurrogateOnly    = 60.0
	penaltyCapMultiples = 4.0
)

// PenaltyEntry records one applied penalty.
type PenaltyEntry struct {
	Flag    string  `json:"flag"`
	Count   int     `json:"count"`
	Unit    float64 `json:"unit"`
	Applied float64 `json:"applied"`
}

// BonusEntry records one applied bonus.
type BonusEntry struct {
	Reason  string  `json:"reason"`
	Applied float64 `json:"applied"`
}

// CapEntry records one triggered cap.
type CapEntry struct {
	Cap    float64 `json:"cap"`
	Reason string  `json:"reason"`
}

// ScoreComponents carries the raw counts the score was computed from.
type ScoreComponents struct {
	LevelCounts      map[string]int `json:"level_counts"`
	FlagCounts       map[string]int `json:"flag_counts"`
	EndpointCounts   map[string]int `json:"endpoint_counts"`
	HallmarkTagCount int            `json:"hallmark_tag_count"`
}

// ScoreTrace is the full audit trail of one grading run.
type ScoreTrace struct {
	CES             float64         `json:"ces"`
	MP              float64         `json:"mp"`
	Bonus           float64         `json:"bonus"`
	PenaltyTotal    float64         `json:"penalty_total"`
	Raw             float64         `json:"raw"`
	FinalConfidence float64         `json:"final_confidence"`
	Label           string          `json:"label"`
	Penalties       []PenaltyEntry  `json:"penalties"`
	Bonuses         []BonusEntry    `json:"bonuses"`
	CapsApplied     []CapEntry      `json:"caps_applied"`
	Components      ScoreComponents `json:"components"`
}

// coverageFactor discounts a level's base points when only a few studies
// back it. Three or more studies earn full credit.
func coverageFactor(count int) float64 {
	if count > 3 {
		count = 3
	}
	return math.Min(1.0, 0.45+0.2*float64(count))
}

// GradeHybrid scores a ledger: clinical evidence subscore (CES, ≤70) plus
// mechanistic plausibility (MP, ≤30), adjusted by consistency bonuses,
// quality penalties, and hard caps, in that order.
func GradeHybrid(ledger *Ledger) *ScoreTrace {
	trace := &ScoreTrace{
		Penalties:   []PenaltyEntry{},
		Bonuses:     []BonusEntry{},
		CapsApplied: []CapEntry{},
	}

	// CES: sum of level base points discounted by coverage.
	ces := 0.0
	for level := LevelSystematicReview; level <= LevelMechanistic; level++ {
		count := ledger.LevelCount(level)
		if count == 0 {
			continue
		}
		ces += levelPoints[level] * coverageFactor(count)
	}
	trace.CES = math.Min(ces, cesMax)

	// MP: hallmark coverage plus endpoint quality adjustments.
	hallmarks := ledger.HallmarkTagCount()
	hardCount := ledger.CountsByEndpoint[EndpointClinicalHard]
	surrogateCount := ledger.CountsByEndpoint[EndpointSurrogateBiomarker]

	mp := 8 + math.Min(18, float64(hallmarks)*2)
	if hardCount > 0 {
		mp += 3
	}
	if surrogateCount > hardCount {
		mp -= 2
	}
	trace.MP = clamp(mp, 0, mpMax)

	// Quality penalties, each flag capped at four units.
	flagCounts := ledger.FlagCounts()
	flags := make([]string, 0, len(flagCounts))
	for flag := range flagCounts {
		flags = append(flags, flag)
	}
	sort.Strings(flags)
	for _, flag := range flags {
		unit, ok := penaltyUnits[flag]
		if !ok {
			continue
		}
		count := flagCounts[flag]
		applied := math.Min(unit*float64(count), unit*penaltyCapMultiples)
		trace.Penalties = append(trace.Penalties, PenaltyEntry{
			Flag: flag, Count: count, Unit: unit, Applied: applied,
		})
		trace.PenaltyTotal += applied
	}

	// Consistency bonus.
	switch {
	case ledger.LevelCount(LevelSystematicReview) > 0 && ledger.LevelCount(LevelRCT) > 0:
		trace.Bonus = 4
		trace.Bonuses = append(trace.Bonuses, BonusEntry{Reason: "level1_and_level2_present", Applied: 4})
	case ledger.LevelCount(LevelRCT) >= 2:
		trace.Bonus = 2.5
		trace.Bonuses = append(trace.Bonuses, BonusEntry{Reason: "multiple_level2", Applied: 2.5})
	}

	trace.Raw = trace.CES + trace.MP + trace.Bonus - trace.PenaltyTotal

	// Caps, in order, recording each triggered cap.
	final := trace.Raw
	if !ledger.HasHumanEvidence() {
		trace.CapsApplied = append(trace.CapsApplied, CapEntry{Cap: capNoHumanEvidence, Reason: "no_human_evidence"})
		final = math.Min(final, capNoHumanEvidence)
	} else if ledger.LevelCount(LevelSystematicReview) == 0 && ledger.LevelCount(LevelRCT) == 0 {
		trace.CapsApplied = append(trace.CapsApplied, CapEntry{Cap: capNoHighLevel, Reason: "no_level1_or_level2"})
		final = math.Min(final, capNoHighLevel)
	}
	if surrogateCount > 0 && hardCount == 0 {
		trace.CapsApplied = append(trace.CapsApplied, CapEntry{Cap: capSurrogateOnly, Reason: "surrogate_only_endpoints"})
		final = math.Min(final, capSurrogateOnly)
	}

	trace.FinalConfidence = clamp(round3(final), 0, 100)
	trace.Label = confidenceLabel(trace.FinalConfidence)

	trace.Components = ScoreComponents{
		LevelCounts:      copyCounts(ledger.CountsByLevel),
		FlagCounts:       flagCounts,
		EndpointCounts:   copyCounts(ledger.CountsByEndpoint),
		HallmarkTagCount: hallmarks,
	}
	return trace
}

func confidenceLabel(score float64) string {
	switch {
	case score >= 85:
		return "A"
	case score >= 70:
		return "B"
	case score >= 55:
		return "C"
	case score >= 40:
		return "D"
	default:
		return "E"
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
