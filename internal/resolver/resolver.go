package resolver

import (
	"regexp"
	"strings"

	"OpenPA-Agent/internal/memory"
)

// ResolvedEntityKey 是解析器写入工具参数的溯源键。
// 以 "_" 开头的键不参与重复执行比较。
const ResolvedEntityKey = "_resolved_entity"

// Resolution 描述一次指代消解的结果。
type Resolution struct {
	Reference    string
	EntityType   memory.EntityType
	Entity       *memory.Entity
	Candidates   int
	AutoSelected bool
	Ambiguous    bool
}

// Resolver 在工具执行前解析用户话语中的实体指代。
type Resolver struct {
	entities *memory.EntityStore
}

// New 创建指代解析器。
func New(entities *memory.EntityStore) *Resolver {
	return &Resolver{entities: entities}
}

// referencePattern 匹配 "that meeting"、"the email" 这类指代短语。
var referencePattern = regexp.MustCompile(
	`(?i)\b(?:that|this|the|my|its?)\s+(meeting|appointment|event|email|message|document|file|contact|person|task|plan)\b`)

var typeKeywords = map[string]memory.EntityType{
	"meeting":     memory.TypeCalendarEvent,
	"appointment": memory.TypeCalendarEvent,
	"event":       memory.TypeCalendarEvent,
	"email":       memory.TypeEmail,
	"message":     memory.TypeEmail,
	"document":    memory.TypeDocument,
	"file":        memory.TypeDocument,
	"contact":     memory.TypeContact,
	"person":      memory.TypeContact,
	"task":        memory.TypeTask,
	"plan":        memory.TypePlan,
}

var deleteVerbs = []string{"delete", "remove", "cancel"}
var updateVerbs = []string{"update", "change", "edit", "modify", "reschedule", "move", "rename"}

// Enhance 尝试把用户话语中的指代解析为具体实体。
// 仅当话语带删除或更新意图且正好命中一个实体时自动选定，
// 此时在参数中附加溯源信息；多个候选视为歧义，交还上层处理。
// 返回的参数表始终是拷贝，原参数不被修改。
func (r *Resolver) Enhance(userMessage, toolName string, params map[string]any) (map[string]any, *Resolution) {
	enhanced := cloneParams(params)

	reference, entityType, generic := extractReference(userMessage)
	if reference == "" {
		return enhanced, nil
	}

	// 没有限定词的裸指代（"that meeting"）以类别内全部实体为候选。
	var matches []*memory.Entity
	if generic && entityType != "" {
		matches = r.entities.GetByType(entityType)
	} else {
		matches = r.entities.FindByReference(reference, entityType)
	}
	resolution := &Resolution{
		Reference:  reference,
		EntityType: entityType,
		Candidates: len(matches),
	}

	switch {
	case len(matches) == 0:
		return enhanced, resolution
	case len(matches) > 1:
		resolution.Ambiguous = true
		return enhanced, resolution
	}

	resolution.Entity = matches[0]
	if !destructiveIntent(userMessage) {
		return enhanced, resolution
	}

	resolution.AutoSelected = true
	enhanced[ResolvedEntityKey] = map[string]any{
		"id":           matches[0].ID,
		"type":         string(matches[0].Type),
		"display_name": matches[0].DisplayName,
		"source_tool":  matches[0].SourceTool,
	}
	return enhanced, resolution
}

// extractReference 从话语中取出指代短语及其暗示的实体类别。
// generic 为真表示短语没有限定词，只能按类别筛选候选。
func extractReference(userMessage string) (string, memory.EntityType, bool) {
	match := referencePattern.FindStringSubmatch(userMessage)
	if match == nil {
		return "", "", false
	}
	keyword := strings.ToLower(match[1])
	reference := remainderAfter(userMessage, match[0])
	return reference, typeKeywords[keyword], reference == keyword
}

// remainderAfter 在指代短语之后寻找限定词，如 "that meeting with Alice"
// 中的 "with Alice"；没有限定词时退回类别关键词本身。
func remainderAfter(userMessage, phrase string) string {
	lower := strings.ToLower(userMessage)
	idx := strings.Index(lower, strings.ToLower(phrase))
	if idx < 0 {
		return phrase
	}
	rest := strings.TrimSpace(userMessage[idx+len(phrase):])
	rest = strings.TrimLeft(rest, ",.!?")
	words := strings.Fields(rest)
	if len(words) >= 2 && isQualifier(words[0]) {
		limit := len(words)
		if limit > 4 {
			limit = 4
		}
		return strings.Join(words[1:limit], " ")
	}
	fields := strings.Fields(phrase)
	return fields[len(fields)-1]
}

func isQualifier(word string) bool {
	switch strings.ToLower(word) {
	case "with", "about", "from", "for", "named", "called", "titled":
		return true
	default:
		return false
	}
}

func destructiveIntent(userMessage string) bool {
	lower := strings.ToLower(userMessage)
	for _, verb := range deleteVerbs {
		if strings.Contains(lower, verb) {
			return true
		}
	}
	for _, verb := range updateVerbs {
		if strings.Contains(lower, verb) {
			return true
		}
	}
	return false
}

func cloneParams(params map[string]any) map[string]any {
	clone := make(map[string]any, len(params)+1)
	for key, value := range params {
		clone[key] = value
	}
	return clone
}
