package service

import (
	"strings"

	"github.com/noah-isme/gema-exam-eval/internal/models"
	"github.com/noah-isme/gema-exam-eval/pkg/ai"
)

// DefaultCategory is assigned to topics missing from the taxonomy.
const DefaultCategory = "general"

type topicTaxonomy struct {
	Category    string
	Subcategory string
}

var dermatologyTopics = map[string]topicTaxonomy{
	"psoriasis":                {Category: "inflammatory", Subcategory: "papulosquamous"},
	"atopic dermatitis":        {Category: "inflammatory", Subcategory: "eczematous"},
	"contact dermatitis":       {Category: "inflammatory", Subcategory: "eczematous"},
	"seborrheic dermatitis":    {Category: "inflammatory", Subcategory: "eczematous"},
	"lichen planus":            {Category: "inflammatory", Subcategory: "papulosquamous"},
	"acne vulgaris":            {Category: "inflammatory", Subcategory: "follicular"},
	"rosacea":                  {Category: "inflammatory", Subcategory: "follicular"},
	"hidradenitis suppurativa": {Category: "inflammatory", Subcategory: "follicular"},
	"urticaria":                {Category: "inflammatory", Subcategory: "urticarial"},
	"melanoma":                 {Category: "neoplastic", Subcategory: "melanocytic"},
	"basal cell carcinoma":     {Category: "neoplastic", Subcategory: "keratinocytic"},
	"squamous cell carcinoma":  {Category: "neoplastic", Subcategory: "keratinocytic"},
	"actinic keratosis":        {Category: "neoplastic", Subcategory: "keratinocytic"},
	"mycosis fungoides":        {Category: "neoplastic", Subcategory: "lymphoproliferative"},
	"pemphigus vulgaris":       {Category: "autoimmune", Subcategory: "bullous"},
	"bullous pemphigoid":       {Category: "autoimmune", Subcategory: "bullous"},
	"dermatomyositis":          {Category: "autoimmune", Subcategory: "connective_tissue"},
	"cutaneous lupus":          {Category: "autoimmune", Subcategory: "connective_tissue"},
	"morphea":                  {Category: "autoimmune", Subcategory: "connective_tissue"},
	"vitiligo":                 {Category: "pigmentary", Subcategory: "depigmentation"},
	"melasma":                  {Category: "pigmentary", Subcategory: "hyperpigmentation"},
	"tinea corporis":           {Category: "infectious", Subcategory: "fungal"},
	"herpes zoster":            {Category: "infectious", Subcategory: "viral"},
	"impetigo":                 {Category: "infectious", Subcategory: "bacterial"},
	"scabies":                  {Category: "infectious", Subcategory: "infestation"},
	"alopecia areata":          {Category: "adnexal", Subcategory: "hair"},
	"onychomycosis":            {Category: "adnexal", Subcategory: "nail"},
	"stevens-johnson syndrome": {Category: "drug_reaction", Subcategory: "severe_cutaneous"},
}

// DefaultEvaluationTopics is used when a configuration names no topics.
var DefaultEvaluationTopics = []string{
	"Psoriasis",
	"Atopic Dermatitis",
	"Melanoma",
	"Basal Cell Carcinoma",
	"Pemphigus Vulgaris",
	"Acne Vulgaris",
}

// LookupTopic returns the category and subcategory of a topic. Unknown topics map to the
// general category without a subcategory.
func LookupTopic(topic string) (string, string) {
	if entry, ok := dermatologyTopics[strings.ToLower(strings.TrimSpace(topic))]; ok {
		return entry.Category, entry.Subcategory
	}
	return DefaultCategory, ""
}

// GenerateTestCases expands a configuration into the ordered test case list of a job.
// The order is pipeline-major, then topic, then difficulty tier, and never depends on map
// iteration, so the index space is stable across resumed invocations.
func GenerateTestCases(config models.EvaluationConfig) []models.TestCase {
	topics := config.Topics
	if len(topics) == 0 {
		topics = DefaultEvaluationTopics
	}

	tiers := []struct {
		difficulty string
		count      int
	}{
		{ai.DifficultyBasic, config.BasicCount},
		{ai.DifficultyAdvanced, config.AdvancedCount},
		{ai.DifficultyVeryDifficult, config.VeryDifficultCount},
	}

	base := make([]models.TestCase, 0)
	for _, topic := range topics {
		category, subcategory := LookupTopic(topic)
		for _, tier := range tiers {
			for i := 0; i < tier.count; i++ {
				base = append(base, models.TestCase{
					Topic:       topic,
					Difficulty:  tier.difficulty,
					Category:    category,
					Subcategory: subcategory,
				})
			}
		}
	}

	cases := make([]models.TestCase, 0, len(base)*len(config.Pipelines))
	for _, pipeline := range config.Pipelines {
		for _, testCase := range base {
			testCase.Pipeline = pipeline
			cases = append(cases, testCase)
		}
	}
	return cases
}
