package evidence

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// keywordSet matches whole words only. Every keyword compiles to a
// case-insensitive \b-bounded pattern so substrings inside longer words never
// match ("canada" must not hit "NAD").
type keywordSet struct {
	patterns []*regexp.Regexp
}

func newKeywordSet(keywords ...string) keywordSet {
	ks := keywordSet{patterns: make([]*regexp.Regexp, 0, len(keywords))}
	for _, kw := range keywords {
		ks.patterns = append(ks.patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(kw)+`\b`))
	}
	return ks
}

func (ks keywordSet) matches(text string) bool {
	for _, p := range ks.patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

var (
	hardEndpointKeywords = newKeywordSet(
		"mortality", "survival", "death", "fracture", "stroke",
		"myocardial infarction", "cardiovascular events", "hospitalization",
		"disease incidence", "cancer incidence", "dementia incidence",
	)
	intermediateEndpointKeywords = newKeywordSet(
		"blood pressure", "cholesterol", "ldl", "hba1c", "insulin sensitivity",
		"grip strength", "gait speed", "walking speed", "vo2 max", "vo2max",
		"bone density", "cognitive score", "frailty index", "muscle mass",
	)
	surrogateEndpointKeywords = newKeywordSet(
		"nad", "nadh", "biomarker", "biomarkers", "epigenetic clock",
		"dna methylation", "telomere length", "crp", "il-6", "inflammatory markers",
		"gene expression", "sirtuin activity", "metabolomic",
	)
	mechanisticEndpointKeywords = newKeywordSet(
		"pathway", "signaling", "signalling", "in vitro", "mechanism",
		"enzyme activity", "receptor binding", "transcription",
	)

	animalKeywords = newKeywordSet(
		"mice", "mouse", "murine", "rat", "rats", "c. elegans", "drosophila",
		"zebrafish", "primate", "canine", "porcine",
	)
	cellKeywords = newKeywordSet(
		"cell line", "cell lines", "cultured cells", "fibroblasts", "in vitro",
		"organoid", "organoids", "hek293", "ipsc",
	)
	humanMeshTerms = newKeywordSet("humans", "human", "adult", "aged", "middle aged")
)

// hallmarkKeywords maps each aging-hallmark tag to its trigger phrases.
// Iteration over a sorted key list keeps output order stable.
var hallmarkKeywords = map[string]keywordSet{
	"altered_intercellular_communication": newKeywordSet("intercellular communication", "inflammaging", "sasp"),
	"cellular_senescence":                 newKeywordSet("senescence", "senescent cells", "senolytic"),
	"chronic_inflammation":                newKeywordSet("chronic inflammation", "systemic inflammation"),
	"deregulated_nutrient_sensing":        newKeywordSet("nutrient sensing", "mtor", "ampk", "igf-1", "insulin signaling", "caloric restriction"),
	"disabled_macroautophagy":             newKeywordSet("autophagy", "macroautophagy", "mitophagy"),
	"epigenetic_alterations":              newKeywordSet("epigenetic", "dna methylation", "histone modification"),
	"genomic_instability":                 newKeywordSet("genomic instability", "dna damage", "dna repair"),
	"loss_of_proteostasis":                newKeywordSet("proteostasis", "protein aggregation", "unfolded protein"),
	"mitochondrial_dysfunction":           newKeywordSet("mitochondrial dysfunction", "mitochondria", "oxidative phosphorylation"),
	"stem_cell_exhaustion":                newKeywordSet("stem cell exhaustion", "stem cell function", "regenerative capacity"),
	"telomere_attrition":                  newKeywordSet("telomere", "telomerase"),
}

// ClassifyEndpointClass assigns the most clinically meaningful endpoint class
// the text supports. Precedence: hard > intermediate > surrogate >
// mechanistic > unknown.
func ClassifyEndpointClass(text string) string {
	switch {
	case hardEndpointKeywords.matches(text):
		return EndpointClinicalHard
	case intermediateEndpointKeywords.matches(text):
		return EndpointClinicalIntermediate
	case surrogateEndpointKeywords.matches(text):
		return EndpointSurrogateBiomarker
	case mechanisticEndpointKeywords.matches(text):
		return EndpointMechanisticOnly
	default:
		return EndpointUnknown
	}
}

// ExtractHallmarkTags returns the aging-hallmark tags the text mentions,
// deduplicated and sorted.
func ExtractHallmarkTags(text string) []string {
	tags := make([]string, 0, len(hallmarkKeywords))
	for tag := range hallmarkKeywords {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	out := make([]string, 0, 4)
	for _, tag := range tags {
		if hallmarkKeywords[tag].matches(text) {
			out = append(out, tag)
		}
	}
	return out
}

// ClassifyPubMedRecord maps a raw literature record onto the evidence
// hierarchy using publication types first, then MeSH terms and abstract text.
func ClassifyPubMedRecord(rec PubMedRecord) StudyRecord {
	text := rec.Title + " " + rec.Abstract
	meshText := strings.Join(rec.MeshTerms, " ")
	pubTypes := strings.ToLower(strings.Join(rec.PublicationTypes, " "))

	out := StudyRecord{
		StudyKey:      studyKeyPubMed(rec),
		Source:        "pubmed",
		Title:         rec.Title,
		Year:          rec.Year,
		IDs:           StudyIDs{PMID: rec.PMID, DOI: rec.DOI},
		EndpointClass: ClassifyEndpointClass(text),
		HallmarkTags:  ExtractHallmarkTags(text),
	}

	isAnimal := animalKeywords.matches(meshText) || animalKeywords.matches(text)
	isCell := cellKeywords.matches(meshText) || cellKeywords.matches(text)
	hasHumanMesh := humanMeshTerms.matches(meshText)

	switch {
	case strings.Contains(pubTypes, "systematic review") || strings.Contains(pubTypes, "meta-analysis"):
		out.EvidenceLevel = LevelSystematicReview
		out.StudyType = "systematic_review"
		out.PopulationClass = PopulationHuman
	case strings.Contains(pubTypes, "randomized controlled trial"):
		out.EvidenceLevel = LevelRCT
		out.StudyType = "rct"
		out.PopulationClass = PopulationHuman
		if !hasHumanMesh {
			out.QualityFlags = addFlag(out.QualityFlags, FlagPopulationUnspecified)
		}
	case strings.Contains(pubTypes, "observational") || strings.Contains(pubTypes, "cohort") ||
		strings.Contains(strings.ToLower(text), "cohort study") || strings.Contains(pubTypes, "case-control"):
		out.EvidenceLevel = LevelObservational
		out.StudyType = "observational"
		out.PopulationClass = PopulationHuman
		out.QualityFlags = addFlag(out.QualityFlags, FlagObservationalRisk)
	case isAnimal || isCell:
		out.EvidenceLevel = LevelPreclinical
		out.StudyType = "preclinical"
		if isAnimal {
			out.PopulationClass = PopulationAnimal
		} else {
			out.PopulationClass = PopulationCell
		}
		out.QualityFlags = addFlag(out.QualityFlags, FlagPreclinicalTranslation)
	default:
		out.EvidenceLevel = LevelMechanistic
		out.StudyType = "other"
		out.PopulationClass = PopulationUnknown
	}

	if rec.Abstract == "" && len(rec.MeshTerms) == 0 {
		out.QualityFlags = addFlag(out.QualityFlags, FlagLimitedMetadata)
	}
	return out
}

// ClassifyTrialRecord maps a registry record: interventional studies are
// level 2 (with completion/results flags), everything else is a level 4
// registry-only record.
func ClassifyTrialRecord(rec TrialRecord) StudyRecord {
	text := rec.Title + " " + rec.Summary + " " + strings.Join(rec.Interventions, " ")

	out := StudyRecord{
		StudyKey:        studyKeyTrial(rec),
		Source:          "clinicaltrials",
		Title:           rec.Title,
		IDs:             StudyIDs{NCT: rec.NCTID},
		PopulationClass: PopulationHumanRegistry,
		EndpointClass:   ClassifyEndpointClass(text),
		HallmarkTags:    ExtractHallmarkTags(text),
	}

	if strings.EqualFold(rec.StudyType, "interventional") {
		out.EvidenceLevel = LevelRCT
		out.StudyType = "interventional_trial"
		if !strings.EqualFold(rec.OverallStatus, "completed") {
			out.QualityFlags = addFlag(out.QualityFlags, FlagNotCompleted)
		}
		if !rec.HasResults {
			out.QualityFlags = addFlag(out.QualityFlags, FlagNoRegistryResults)
		}
	} else {
		out.EvidenceLevel = LevelRegistry
		out.StudyType = "registry_record"
	}

	if rec.Enrollment > 0 && rec.Enrollment < 50 {
		out.QualityFlags = addFlag(out.QualityFlags, FlagSmallNOrUnknown)
	} else if rec.Enrollment == 0 {
		out.QualityFlags = addFlag(out.QualityFlags, FlagSmallNOrUnknown)
	}
	return out
}

func studyKeyPubMed(rec PubMedRecord) string {
	if rec.PMID != "" {
		return "pmid:" + rec.PMID
	}
	if rec.DOI != "" {
		return "doi:" + strings.ToLower(rec.DOI)
	}
	return "title:" + NormalizeTitle(rec.Title)
}

func studyKeyTrial(rec TrialRecord) string {
	if rec.NCTID != "" {
		return "nct:" + strings.ToUpper(rec.NCTID)
	}
	return "title:" + NormalizeTitle(rec.Title)
}

var titleJunk = regexp.MustCompile(`[^a-z0-9 ]+`)
var titleSpaces = regexp.MustCompile(`\s+`)

// NormalizeTitle lowercases, strips punctuation, and collapses whitespace so
// near-identical titles from different sources dedupe.
func NormalizeTitle(title string) string {
	t := strings.ToLower(title)
	t = titleJunk.ReplaceAllString(t, " ")
	t = titleSpaces.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

// LevelName renders an evidence level for reports.
func LevelName(level int) string {
	switch level {
	case LevelSystematicReview:
		return "systematic review / meta-analysis"
	case LevelRCT:
		return "randomized controlled trial"
	case LevelObservational:
		return "observational / cohort"
	case LevelRegistry:
		return "registry record"
	case LevelPreclinical:
		return "preclinical"
	case LevelMechanistic:
		return "mechanistic / other"
	default:
		return fmt.Sprintf("level %d", level)
	}
}
