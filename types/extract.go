package types

import "strings"

// domainKeywords maps a keyword to the Domain it signals. Order of checks
// below (code, creative, analysis, general) breaks ties deterministically
// when a prompt matches more than one domain's keywords.
var domainKeywords = map[Domain][]string{
	DomainCode:     {"code", "function", "bug", "compile", "refactor", "api", "test"},
	DomainCreative: {"story", "poem", "brainstorm", "imagine", "creative", "compare"},
	DomainAnalysis: {"analyze", "data", "compare", "evaluate", "research", "summarize"},
}

var complexityKeywords = map[Complexity][]string{
	ComplexityCritical: {"production", "critical", "urgent", "security"},
	ComplexityComplex:  {"architecture", "design", "multi-step", "system"},
}

// ExtractFeatures is a pure, deterministic function of Request: no I/O, no
// randomness, no clock reads. Calling it twice on the same Request returns
// identical Features.
func ExtractFeatures(r *Request) Features {
	prompt := strings.ToLower(r.Prompt)
	words := strings.Fields(prompt)

	keywords := make(map[string]struct{})
	for _, w := range words {
		keywords[strings.Trim(w, ".,!?;:\"'()")] = struct{}{}
	}

	domain := DomainGeneral
	if r.TaskType == TaskCode {
		domain = DomainCode
	} else if r.TaskType == TaskCreative {
		domain = DomainCreative
	} else {
		for _, d := range []Domain{DomainCode, DomainCreative, DomainAnalysis} {
			for _, kw := range domainKeywords[d] {
				if strings.Contains(prompt, kw) {
					domain = d
					break
				}
			}
			if domain != DomainGeneral {
				break
			}
		}
	}

	complexity := classifyComplexity(prompt, len(words), r.QualityThreshold)

	length := LengthShort
	switch {
	case len(words) > 300:
		length = LengthLong
	case len(words) > 60:
		length = LengthMedium
	}

	return Features{
		Domain:       domain,
		Complexity:   complexity,
		LengthBucket: length,
		Keywords:     keywords,
	}
}

func classifyComplexity(prompt string, wordCount int, qualityThreshold float64) Complexity {
	for _, kw := range complexityKeywords[ComplexityCritical] {
		if strings.Contains(prompt, kw) {
			return ComplexityCritical
		}
	}
	if qualityThreshold >= 0.9 {
		return ComplexityCritical
	}
	for _, kw := range complexityKeywords[ComplexityComplex] {
		if strings.Contains(prompt, kw) {
			return ComplexityComplex
		}
	}
	switch {
	case wordCount > 150:
		return ComplexityComplex
	case wordCount > 40:
		return ComplexityModerate
	default:
		return ComplexitySimple
	}
}
