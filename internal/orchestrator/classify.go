package orchestrator

import "strings"

// Complexity 是对用户请求复杂度的粗分类，决定步数预算。
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityFocused Complexity = "focused"
	ComplexityComplex Complexity = "complex"
	ComplexityHard    Complexity = "hard"
)

var hardMarkers = []string{
	"research", "comprehensive", "in depth", "in-depth", "investigate",
	"plan a trip", "itinerary", "compare all", "detailed report",
}

var actionMarkers = []string{
	"schedule", "create", "send", "delete", "remove", "cancel", "update",
	"change", "edit", "move", "reschedule", "find", "search", "look up",
	"book", "add", "write", "draft", "check",
}

var compoundMarkers = []string{" and ", " then ", " also ", " after that ", "; "}

// classify 用确定性的启发式规则给请求分级。
// 分级只影响预算，不影响语义，误判由循环上限兜底。
func classify(userMessage string) Complexity {
	lower := strings.ToLower(strings.TrimSpace(userMessage))
	words := len(strings.Fields(lower))

	for _, marker := range hardMarkers {
		if strings.Contains(lower, marker) {
			return ComplexityHard
		}
	}

	compound := 0
	for _, marker := range compoundMarkers {
		compound += strings.Count(lower, marker)
	}
	if compound >= 1 && hasAction(lower) {
		return ComplexityComplex
	}
	if words > 30 {
		return ComplexityComplex
	}
	if hasAction(lower) {
		return ComplexityFocused
	}
	return ComplexitySimple
}

func hasAction(lower string) bool {
	for _, marker := range actionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
