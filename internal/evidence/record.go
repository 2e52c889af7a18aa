// Package evidence implements the deterministic grading pipeline: classify
// retrieved study records into an evidence hierarchy, merge them into a
// ledger, score the ledger with penalties/bonuses/caps, and render the gap
// map and reports.
package evidence

// Evidence levels, a closed hierarchy. Zero means unclassified.
const (
	LevelSystematicReview = 1 // systematic review / meta-analysis
	LevelRCT              = 2
	LevelObservational    = 3 // cohort / case-control
	LevelRegistry         = 4 // trial registry record without results
	LevelPreclinical      = 5 // animal / cell
	LevelMechanistic      = 6 // mechanistic / other
)

// Population classes.
const (
	PopulationHuman         = "human"
	PopulationHumanRegistry = "human_registry"
	PopulationAnimal        = "animal"
	PopulationCell          = "cell"
	PopulationUnknown       = "unknown"
)

// Endpoint classes.
const (
	EndpointClinicalHard         = "clinical_hard"
	EndpointClinicalIntermediate = "clinical_intermediate"
	EndpointSurrogateBiomarker   = "surrogate_biomarker"
	EndpointMechanisticOnly      = "mechanistic_only"
	EndpointUnknown              = "unknown"
)

// Quality flags. Each maps to a penalty unit weight in the scorer; flags
// without a table entry score zero (they still appear in the trace).
const (
	FlagLimitedMetadata        = "limited_metadata"
	FlagPopulationUnspecified  = "population_unspecified"
	FlagObservationalRisk      = "observational_risk_confounding"
	FlagPreclinicalTranslation = "preclinical_translation_risk"
	FlagSmallNOrUnknown        = "small_n_or_unknown"
	FlagNotCompleted           = "not_completed"
	FlagNoRegistryResults      = "no_registry_results"
)

// StudyIDs is the union of identifiers a record may carry.
type StudyIDs struct {
	PMID string `json:"pmid,omitempty"`
	DOI  string `json:"doi,omitempty"`
	NCT  string `json:"nct,omitempty"`
}

// StudyRecord is one classified study in the ledger.
type StudyRecord struct {
	StudyKey        string            `json:"study_key"`
	Source          string            `json:"source"`
	Title           string            `json:"title"`
	Year            int               `json:"year,omitempty"`
	IDs             StudyIDs          `json:"ids"`
	EvidenceLevel   int               `json:"evidence_level"`
	StudyType       string            `json:"study_type,omitempty"`
	PopulationClass string            `json:"population_class"`
	EndpointClass   string            `json:"endpoint_class"`
	QualityFlags    []string          `json:"quality_flags,omitempty"`
	DirectnessFlags []string          `json:"directness_flags,omitempty"`
	EffectDirection string            `json:"effect_direction,omitempty"`
	Citations       []string          `json:"citations,omitempty"`
	HallmarkTags    []string          `json:"hallmark_tags,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// PubMedRecord is the raw shape handed in by the literature fetcher.
type PubMedRecord struct {
	PMID             string   `json:"pmid"`
	DOI              string   `json:"doi,omitempty"`
	Title            string   `json:"title"`
	Abstract         string   `json:"abstract,omitempty"`
	Year             int      `json:"year,omitempty"`
	PublicationTypes []string `json:"publication_types,omitempty"`
	MeshTerms        []string `json:"mesh_terms,omitempty"`
	Journal          string   `json:"journal,omitempty"`
}

// TrialRecord is the raw shape handed in by the registry fetcher.
type TrialRecord struct {
	NCTID         string   `json:"nct_id"`
	Title         string   `json:"title"`
	StudyType     string   `json:"study_type,omitempty"` // Interventional | Observational
	OverallStatus string   `json:"overall_status,omitempty"`
	HasResults    bool     `json:"has_results"`
	Enrollment    int      `json:"enrollment,omitempty"`
	Phase         string   `json:"phase,omitempty"`
	Conditions    []string `json:"conditions,omitempty"`
	Interventions []string `json:"interventions,omitempty"`
	Summary       string   `json:"summary,omitempty"`
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

func addFlag(flags []string, flag string) []string {
	if hasFlag(flags, flag) {
		return flags
	}
	return append(flags, flag)
}
