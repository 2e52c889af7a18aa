package evidence

import (
	"sort"
	"strconv"
	"strings"
)

// DedupeStats records what the ledger merge dropped.
type DedupeStats struct {
	Input          int `json:"input"`
	Unique         int `json:"unique"`
	DroppedByID    int `json:"dropped_by_id"`
	DroppedByTitle int `json:"dropped_by_title"`
}

// Ledger is the merged, deduplicated evidence set for one claim.
type Ledger struct {
	Records          []StudyRecord  `json:"records"`
	Dedupe           DedupeStats    `json:"dedupe"`
	CountsByLevel    map[string]int `json:"counts_by_level"`
	CountsByEndpoint map[string]int `json:"counts_by_endpoint"`
	CountsBySource   map[string]int `json:"counts_by_source"`
	CoverageGaps     []string       `json:"coverage_gaps"`
}

// BuildLedger merges classified records from all sources. Identity dedup runs
// first on the union of available identifiers (doi, pmid, nct), then on
// normalized title. Earlier records win; later duplicates may still donate
// identifiers the winner lacked.
func BuildLedger(records []StudyRecord) *Ledger {
	ledger := &Ledger{
		CountsByLevel:    make(map[string]int),
		CountsByEndpoint: make(map[string]int),
		CountsBySource:   make(map[string]int),
	}
	ledger.Dedupe.Input = len(records)

	seenIDs := make(map[string]int)   // identifier → index into ledger.Records
	seenTitle := make(map[string]int) // normalized title → index

	for _, rec := range records {
		ids := identifierKeys(rec.IDs)
		dupIdx := -1
		for _, id := range ids {
			if idx, ok := seenIDs[id]; ok {
				dupIdx = idx
				break
			}
		}
		if dupIdx >= 0 {
			ledger.Dedupe.DroppedByID++
			mergeIdentifiers(&ledger.Records[dupIdx], rec)
			for _, id := range identifierKeys(ledger.Records[dupIdx].IDs) {
				seenIDs[id] = dupIdx
			}
			continue
		}

		title := NormalizeTitle(rec.Title)
		if title != "" {
			if idx, ok := seenTitle[title]; ok {
				ledger.Dedupe.DroppedByTitle++
				mergeIdentifiers(&ledger.Records[idx], rec)
				for _, id := range identifierKeys(ledger.Records[idx].IDs) {
					seenIDs[id] = idx
				}
				continue
			}
		}

		idx := len(ledger.Records)
		ledger.Records = append(ledger.Records, rec)
		for _, id := range ids {
			seenIDs[id] = idx
		}
		if title != "" {
			seenTitle[title] = idx
		}
	}

	ledger.Dedupe.Unique = len(ledger.Records)
	for _, rec := range ledger.Records {
		ledger.CountsByLevel[strconv.Itoa(rec.EvidenceLevel)]++
		ledger.CountsByEndpoint[rec.EndpointClass]++
		ledger.CountsBySource[rec.Source]++
	}
	ledger.CoverageGaps = coverageGaps(ledger)
	return ledger
}

// LevelCount returns the number of records at an evidence level.
func (l *Ledger) LevelCount(level int) int {
	return l.CountsByLevel[strconv.Itoa(level)]
}

// HasHumanEvidence reports whether any record studied humans directly
// (registry-only records do not count).
func (l *Ledger) HasHumanEvidence() bool {
	for _, rec := range l.Records {
		if rec.PopulationClass == PopulationHuman {
			return true
		}
	}
	return false
}

// HallmarkTagCount returns the number of distinct hallmark tags across the
// ledger.
func (l *Ledger) HallmarkTagCount() int {
	seen := make(map[string]bool)
	for _, rec := range l.Records {
		for _, tag := range rec.HallmarkTags {
			seen[tag] = true
		}
	}
	return len(seen)
}

// FlagCounts aggregates quality flags across records, sorted by flag name.
func (l *Ledger) FlagCounts() map[string]int {
	out := make(map[string]int)
	for _, rec := range l.Records {
		for _, flag := range rec.QualityFlags {
			out[flag]++
		}
	}
	return out
}

func identifierKeys(ids StudyIDs) []string {
	out := make([]string, 0, 3)
	if ids.DOI != "" {
		out = append(out, "doi:"+strings.ToLower(ids.DOI))
	}
	if ids.PMID != "" {
		out = append(out, "pmid:"+ids.PMID)
	}
	if ids.NCT != "" {
		out = append(out, "nct:"+strings.ToUpper(ids.NCT))
	}
	return out
}

// mergeIdentifiers copies identifiers a duplicate carried that the kept
// record lacks, so later records can dedupe against the union.
func mergeIdentifiers(kept *StudyRecord, dup StudyRecord) {
	if kept.IDs.DOI == "" {
		kept.IDs.DOI = dup.IDs.DOI
	}
	if kept.IDs.PMID == "" {
		kept.IDs.PMID = dup.IDs.PMID
	}
	if kept.IDs.NCT == "" {
		kept.IDs.NCT = dup.IDs.NCT
	}
}

func coverageGaps(l *Ledger) []string {
	gaps := make([]string, 0, 4)
	for level := LevelSystematicReview; level <= LevelMechanistic; level++ {
		if l.LevelCount(level) == 0 {
			gaps = append(gaps, "no_level_"+strconv.Itoa(level))
		}
	}
	if l.CountsByEndpoint[EndpointClinicalHard] == 0 {
		gaps = append(gaps, "no_clinical_hard_endpoint")
	}
	if !l.HasHumanEvidence() {
		gaps = append(gaps, "no_human_evidence")
	}
	sort.Strings(gaps)
	return gaps
}
