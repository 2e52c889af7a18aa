package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/evidara/evidara-ai/internal/evidence"
	"github.com/evidara/evidara-ai/internal/tool"
)

func newEvidenceRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	registry := tool.NewRegistry(nil)
	if err := RegisterAll(registry); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	return registry
}

// roundTrip re-decodes envelope data the way a model (or the next tool call)
// would see it: as plain JSON maps.
func roundTrip(t *testing.T, v any) map[string]any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestEvidencePipelineEndToEnd(t *testing.T) {
	registry := newEvidenceRegistry(t)
	lin := tool.Lineage{ThreadID: "t1", RunID: "r1", ToolUseID: "u1"}
	ctx := context.Background()

	// Classify a mixed batch.
	classifyPayload := map[string]any{
		"pubmed_records": []any{
			map[string]any{
				"pmid":              "111",
				"title":             "Randomized trial of NR on gait speed in older adults",
				"abstract":          "gait speed improved versus placebo",
				"publication_types": []any{"Randomized Controlled Trial"},
				"mesh_terms":        []any{"Humans", "Aged"},
			},
			map[string]any{
				"pmid":       "222",
				"title":      "NAD precursor and mitochondrial dysfunction in aged mice",
				"abstract":   "mice showed improved mitochondrial function",
				"mesh_terms": []any{"Mice"},
			},
		},
		"trial_records": []any{
			map[string]any{
				"nct_id":         "NCT05000001",
				"title":          "NR and walking speed",
				"study_type":     "Interventional",
				"overall_status": "Recruiting",
				"has_results":    false,
				"enrollment":     40,
			},
		},
	}
	env := registry.Dispatch(ctx, "classify_studies", classifyPayload, lin)
	if env.Status != "ok" {
		t.Fatalf("classify_studies failed: %+v", env.Error)
	}
	if env.ResultKind != tool.KindRecordList {
		t.Errorf("Expected record_list, got %s", env.ResultKind)
	}
	classified := roundTrip(t, env.Data)
	records, _ := classified["records"].([]any)
	if len(records) != 3 {
		t.Fatalf("Expected 3 classified records, got %d", len(records))
	}

	// Build the ledger from the classified records.
	env = registry.Dispatch(ctx, "build_evidence_ledger", map[string]any{"records": records}, lin)
	if env.Status != "ok" {
		t.Fatalf("build_evidence_ledger failed: %+v", env.Error)
	}
	ledgerData := roundTrip(t, env.Data)
	ledger, _ := ledgerData["ledger"].(map[string]any)
	if ledger == nil {
		t.Fatal("Expected data.ledger")
	}

	// Grade it.
	env = registry.Dispatch(ctx, "grade_evidence", map[string]any{"ledger": ledger}, lin)
	if env.Status != "ok" {
		t.Fatalf("grade_evidence failed: %+v", env.Error)
	}
	scoreData := roundTrip(t, env.Data)
	score, _ := scoreData["score"].(map[string]any)
	final, _ := score["final_confidence"].(float64)
	if final < 0 || final > 100 {
		t.Errorf("final_confidence %v out of range", final)
	}
	if _, ok := score["label"].(string); !ok {
		t.Error("Expected label on score trace")
	}

	// Gap analysis names the target population.
	env = registry.Dispatch(ctx, "evidence_gaps", map[string]any{
		"ledger":            ledger,
		"target_population": "adults over 65",
	}, lin)
	if env.Status != "ok" {
		t.Fatalf("evidence_gaps failed: %+v", env.Error)
	}

	// Report renders markdown with the fixed sections.
	env = registry.Dispatch(ctx, "evidence_report", map[string]any{
		"ledger":            ledger,
		"target_population": "adults over 65",
	}, lin)
	if env.Status != "ok" {
		t.Fatalf("evidence_report failed: %+v", env.Error)
	}
	reportData := roundTrip(t, env.Data)
	markdown, _ := reportData["markdown"].(string)
	for _, section := range []string{"## Summary", "## Confidence", "## Evidence Table", "## Gaps", "## What Would Change The Score"} {
		if !strings.Contains(markdown, section) {
			t.Errorf("Markdown missing section %q", section)
		}
	}
}

func TestClassifyStudiesValidation(t *testing.T) {
	registry := newEvidenceRegistry(t)
	lin := tool.Lineage{ThreadID: "t", RunID: "r", ToolUseID: "u"}

	env := registry.Dispatch(context.Background(), "classify_studies", map[string]any{}, lin)
	if env.Status != "error" || env.Error.Code != tool.CodeValidation {
		t.Errorf("Expected VALIDATION_ERROR for empty payload, got %+v", env.Error)
	}
}

func TestGradeEvidenceMalformedLedger(t *testing.T) {
	registry := newEvidenceRegistry(t)
	lin := tool.Lineage{ThreadID: "t", RunID: "r", ToolUseID: "u"}

	env := registry.Dispatch(context.Background(), "grade_evidence", map[string]any{
		"ledger": map[string]any{"unexpected": true},
	}, lin)
	if env.Status != "error" || env.Error.Code != tool.CodeValidation {
		t.Errorf("Expected VALIDATION_ERROR for malformed ledger, got %+v", env.Error)
	}
}

func TestGradeEvidenceMatchesDirectPipeline(t *testing.T) {
	registry := newEvidenceRegistry(t)
	lin := tool.Lineage{ThreadID: "t", RunID: "r", ToolUseID: "u"}

	rec := evidence.StudyRecord{
		StudyKey:        "pmid:100",
		Source:          "pubmed",
		Title:           "NR and fracture incidence",
		IDs:             evidence.StudyIDs{PMID: "100"},
		EvidenceLevel:   evidence.LevelRCT,
		PopulationClass: evidence.PopulationHuman,
		EndpointClass:   evidence.EndpointClinicalHard,
		QualityFlags:    []string{evidence.FlagPopulationUnspecified},
	}
	direct := evidence.GradeHybrid(evidence.BuildLedger([]evidence.StudyRecord{rec}))

	ledgerJSON := roundTrip(t, map[string]any{"ledger": evidence.BuildLedger([]evidence.StudyRecord{rec})})
	env := registry.Dispatch(context.Background(), "grade_evidence", ledgerJSON, lin)
	if env.Status != "ok" {
		t.Fatalf("grade_evidence failed: %+v", env.Error)
	}
	scoreData := roundTrip(t, env.Data)
	score, _ := scoreData["score"].(map[string]any)
	if got, _ := score["final_confidence"].(float64); got != direct.FinalConfidence {
		t.Errorf("Tool score %v diverges from direct pipeline %v", got, direct.FinalConfidence)
	}
}
