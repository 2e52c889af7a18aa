package evidence

import (
	"bytes"
	"reflect"
	"testing"
)

func singleRCTLedger() *Ledger {
	return BuildLedger([]StudyRecord{{
		StudyKey:        "pmid:100",
		Source:          "pubmed",
		Title:           "NR supplementation and fracture incidence in older adults",
		IDs:             StudyIDs{PMID: "100"},
		EvidenceLevel:   LevelRCT,
		StudyType:       "rct",
		PopulationClass: PopulationHuman,
		EndpointClass:   EndpointClinicalHard,
		QualityFlags:    []string{FlagPopulationUnspecified},
	}})
}

func TestGradeHybridSingleRCT(t *testing.T) {
	trace := GradeHybrid(singleRCTLedger())

	if trace.CES < 18.199 || trace.CES > 18.201 {
		t.Errorf("Expected CES 18.2, got %v", trace.CES)
	}
	if trace.MP != 11 {
		t.Errorf("Expected MP 11 (8 base + 3 clinical_hard), got %v", trace.MP)
	}
	if trace.PenaltyTotal != 1.5 {
		t.Errorf("Expected penalty 1.5, got %v", trace.PenaltyTotal)
	}
	if len(trace.CapsApplied) != 0 {
		t.Errorf("Expected no caps, got %v", trace.CapsApplied)
	}
	if trace.FinalConfidence != 27.7 {
		t.Errorf("Expected final 27.7, got %v", trace.FinalConfidence)
	}
	if trace.Label != "E" {
		t.Errorf("Expected label E, got %s", trace.Label)
	}
}

func TestGradeHybridAnimalOnlyCaps(t *testing.T) {
	ledger := BuildLedger([]StudyRecord{{
		StudyKey:        "pmid:200",
		Source:          "pubmed",
		Title:           "NAD precursor raises biomarker levels in aged mice",
		IDs:             StudyIDs{PMID: "200"},
		EvidenceLevel:   LevelPreclinical,
		PopulationClass: PopulationAnimal,
		EndpointClass:   EndpointSurrogateBiomarker,
		QualityFlags:    []string{FlagPreclinicalTranslation},
	}})

	trace := GradeHybrid(ledger)

	var sawNoHuman, sawSurrogate bool
	for _, cap := range trace.CapsApplied {
		switch cap.Reason {
		case "no_human_evidence":
			sawNoHuman = true
			if cap.Cap != 45 {
				t.Errorf("no_human_evidence cap should be 45, got %v", cap.Cap)
			}
		case "surrogate_only_endpoints":
			sawSurrogate = true
			if cap.Cap != 60 {
				t.Errorf("surrogate_only_endpoints cap should be 60, got %v", cap.Cap)
			}
		}
	}
	if !sawNoHuman || !sawSurrogate {
		t.Errorf("Expected both caps recorded, got %v", trace.CapsApplied)
	}
	if trace.FinalConfidence > 45 {
		t.Errorf("Expected final ≤ 45, got %v", trace.FinalConfidence)
	}
}

func TestGradeHybridConsistencyBonus(t *testing.T) {
	both := BuildLedger([]StudyRecord{
		{StudyKey: "a", Title: "meta-analysis of trials", EvidenceLevel: LevelSystematicReview, PopulationClass: PopulationHuman, EndpointClass: EndpointClinicalHard},
		{StudyKey: "b", Title: "the randomized trial", EvidenceLevel: LevelRCT, PopulationClass: PopulationHuman, EndpointClass: EndpointClinicalHard},
	})
	if trace := GradeHybrid(both); trace.Bonus != 4 {
		t.Errorf("Expected +4 bonus for L1+L2, got %v", trace.Bonus)
	}

	twoRCTs := BuildLedger([]StudyRecord{
		{StudyKey: "c", Title: "first trial", EvidenceLevel: LevelRCT, PopulationClass: PopulationHuman, EndpointClass: EndpointClinicalHard},
		{StudyKey: "d", Title: "second trial", EvidenceLevel: LevelRCT, PopulationClass: PopulationHuman, EndpointClass: EndpointClinicalHard},
	})
	if trace := GradeHybrid(twoRCTs); trace.Bonus != 2.5 {
		t.Errorf("Expected +2.5 bonus for two RCTs, got %v", trace.Bonus)
	}
}

func TestGradeHybridPenaltyCap(t *testing.T) {
	// Six small trials: small_n penalty is 2.0/flag but capped at 4 units (8.0).
	records := make([]StudyRecord, 6)
	for i := range records {
		records[i] = StudyRecord{
			StudyKey:        string(rune('a' + i)),
			Title:           "tiny trial " + string(rune('a'+i)),
			EvidenceLevel:   LevelRCT,
			PopulationClass: PopulationHuman,
			EndpointClass:   EndpointClinicalHard,
			QualityFlags:    []string{FlagSmallNOrUnknown},
		}
	}
	trace := GradeHybrid(BuildLedger(records))
	for _, p := range trace.Penalties {
		if p.Flag == FlagSmallNOrUnknown {
			if p.Applied != 8.0 {
				t.Errorf("Expected small_n penalty capped at 8.0, got %v", p.Applied)
			}
			return
		}
	}
	t.Error("small_n_or_unknown penalty missing from trace")
}

func TestGradeHybridDeterministic(t *testing.T) {
	ledger := singleRCTLedger()
	first := GradeHybrid(ledger)
	second := GradeHybrid(ledger)
	if !reflect.DeepEqual(first, second) {
		t.Error("GradeHybrid must be deterministic for identical ledgers")
	}
}

func TestGradeHybridBounds(t *testing.T) {
	ledgers := []*Ledger{
		BuildLedger(nil),
		singleRCTLedger(),
		BuildLedger([]StudyRecord{
			{StudyKey: "x", Title: "big meta", EvidenceLevel: LevelSystematicReview, PopulationClass: PopulationHuman, EndpointClass: EndpointClinicalHard,
				HallmarkTags: []string{"cellular_senescence", "mitochondrial_dysfunction", "telomere_attrition"}},
			{StudyKey: "y", Title: "trial one", EvidenceLevel: LevelRCT, PopulationClass: PopulationHuman, EndpointClass: EndpointClinicalHard},
			{StudyKey: "z", Title: "trial two", EvidenceLevel: LevelRCT, PopulationClass: PopulationHuman, EndpointClass: EndpointClinicalHard},
		}),
	}
	for i, ledger := range ledgers {
		trace := GradeHybrid(ledger)
		if trace.FinalConfidence < 0 || trace.FinalConfidence > 100 {
			t.Errorf("ledger %d: final confidence %v out of [0,100]", i, trace.FinalConfidence)
		}
	}
}

func TestReportDeterministic(t *testing.T) {
	ledger := singleRCTLedger()
	score := GradeHybrid(ledger)
	gaps := BuildGapMap(ledger, ClaimContext{TargetPopulation: "adults over 65"})
	report := &Report{Claim: ClaimContext{TargetPopulation: "adults over 65"}, Ledger: ledger, Score: score, Gaps: gaps}

	json1, err := report.RenderJSON()
	if err != nil {
		t.Fatalf("RenderJSON: %v", err)
	}
	json2, _ := report.RenderJSON()
	if !bytes.Equal(json1, json2) {
		t.Error("JSON rendering must be byte-identical for identical inputs")
	}

	md1 := report.RenderMarkdown()
	md2 := report.RenderMarkdown()
	if md1 != md2 {
		t.Error("Markdown rendering must be identical for identical inputs")
	}
	for _, section := range []string{"## Summary", "## Confidence", "## Evidence Table", "## Gaps", "## What Would Change The Score"} {
		if !bytes.Contains([]byte(md1), []byte(section)) {
			t.Errorf("Markdown missing section %q", section)
		}
	}
}
