package evidence

import (
	"fmt"
	"sort"
	"strconv"
)

// GapMap enumerates what the evidence base is missing and what studies would
// close the gaps.
type GapMap struct {
	MissingLevels      []int    `json:"missing_levels"`
	HardEndpointAbsent bool     `json:"hard_endpoint_absent"`
	MismatchSignals    []string `json:"mismatch_signals"`
	NextBestStudies    []string `json:"next_best_studies"`
}

// ClaimContext describes the claim being graded, so prescriptions can name
// the target population and outcomes.
type ClaimContext struct {
	TargetPopulation string   `json:"target_population,omitempty"`
	Outcomes         []string `json:"outcomes,omitempty"`
}

// BuildGapMap derives the gap analysis from a ledger. Pure function: the same
// ledger and context always produce the same map.
func BuildGapMap(ledger *Ledger, claim ClaimContext) *GapMap {
	gm := &GapMap{
		MissingLevels:   []int{},
		MismatchSignals: []string{},
		NextBestStudies: []string{},
	}

	for level := LevelSystematicReview; level <= LevelMechanistic; level++ {
		if ledger.LevelCount(level) == 0 {
			gm.MissingLevels = append(gm.MissingLevels, level)
		}
	}
	gm.HardEndpointAbsent = ledger.CountsByEndpoint[EndpointClinicalHard] == 0

	// Registry entries without matching publications (or the reverse) signal
	// unpublished or unregistered work.
	registryCount := ledger.LevelCount(LevelRegistry)
	publicationCount := ledger.LevelCount(LevelSystematicReview) +
		ledger.LevelCount(LevelRCT) + ledger.LevelCount(LevelObservational)
	if registryCount > 0 && publicationCount == 0 {
		gm.MismatchSignals = append(gm.MismatchSignals, "registry_without_publication")
	}
	notCompleted := 0
	noResults := 0
	for _, rec := range ledger.Records {
		if hasFlag(rec.QualityFlags, FlagNotCompleted) {
			notCompleted++
		}
		if hasFlag(rec.QualityFlags, FlagNoRegistryResults) {
			noResults++
		}
	}
	if noResults > 0 {
		gm.MismatchSignals = append(gm.MismatchSignals,
			"registered_trials_without_posted_results:"+strconv.Itoa(noResults))
	}
	if notCompleted > 0 {
		gm.MismatchSignals = append(gm.MismatchSignals,
			"registered_trials_not_completed:"+strconv.Itoa(notCompleted))
	}
	sort.Strings(gm.MismatchSignals)

	gm.NextBestStudies = prescribe(ledger, claim, gm)
	return gm
}

// prescribe names the studies that would most improve the score, ordered by
// evidence value.
func prescribe(ledger *Ledger, claim ClaimContext, gm *GapMap) []string {
	population := claim.TargetPopulation
	if population == "" {
		population = "the target population"
	}

	out := make([]string, 0, 3)
	if ledger.LevelCount(LevelRCT) == 0 {
		out = append(out, fmt.Sprintf("randomized controlled trial in %s with prespecified clinical endpoints", population))
	}
	if ledger.LevelCount(LevelSystematicReview) == 0 && ledger.LevelCount(LevelRCT) > 0 {
		out = append(out, "systematic review or meta-analysis pooling the existing randomized trials")
	}
	if gm.HardEndpointAbsent {
		outcome := "hard clinical outcomes"
		if len(claim.Outcomes) > 0 {
			outcome = claim.Outcomes[0]
		}
		out = append(out, fmt.Sprintf("trial powered for %s rather than surrogate markers", outcome))
	}
	if !ledger.HasHumanEvidence() {
		out = append(out, fmt.Sprintf("first-in-human study in %s to establish translational relevance", population))
	}
	if len(out) == 0 {
		out = append(out, "replication of the existing high-level evidence in an independent cohort")
	}
	return out
}
