package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Extractor 从一次工具执行结果中提取结构化实体。
// 不匹配时返回空切片，注册顺序决定优先级，首个命中者生效。
type Extractor interface {
	Name() string
	Match(toolName string, result map[string]any) bool
	Extract(toolName string, result map[string]any, now time.Time) []*Entity
}

// ExtractorRegistry 按注册顺序尝试各提取器。
type ExtractorRegistry struct {
	extractors []Extractor
}

// NewExtractorRegistry 创建带默认提取器的注册表。
func NewExtractorRegistry() *ExtractorRegistry {
	r := &ExtractorRegistry{}
	r.Register(&calendarExtractor{})
	r.Register(&emailExtractor{})
	r.Register(&searchExtractor{})
	r.Register(&documentExtractor{})
	return r
}

// Register 追加一个提取器。先注册的优先匹配。
func (r *ExtractorRegistry) Register(extractor Extractor) {
	if extractor == nil {
		return
	}
	r.extractors = append(r.extractors, extractor)
}

// Extract 用首个匹配的提取器处理执行结果。
func (r *ExtractorRegistry) Extract(toolName string, result map[string]any, now time.Time) []*Entity {
	if len(result) == 0 {
		return nil
	}
	for _, extractor := range r.extractors {
		if extractor.Match(toolName, result) {
			return extractor.Extract(toolName, result, now)
		}
	}
	return nil
}

// calendarExtractor 处理日历类工具的结果。
type calendarExtractor struct{}

func (calendarExtractor) Name() string { return "calendar" }

func (calendarExtractor) Match(toolName string, result map[string]any) bool {
	if strings.Contains(toolName, "calendar") || strings.Contains(toolName, "event") {
		return true
	}
	_, hasEvents := result["events"]
	return hasEvents
}

func (calendarExtractor) Extract(toolName string, result map[string]any, now time.Time) []*Entity {
	items := itemList(result, "events", "event")
	entities := make([]*Entity, 0, len(items))
	for _, item := range items {
		entity := newEntity(TypeCalendarEvent, item, now, toolName)
		entity.DisplayName = firstString(item, "title", "summary", "name", "subject")
		if entity.DisplayName == "" {
			entity.DisplayName = "calendar event"
		}
		entities = append(entities, entity)
	}
	return entities
}

// emailExtractor 处理邮件类结果，并从地址行派生联系人实体。
type emailExtractor struct{}

func (emailExtractor) Name() string { return "email" }

func (emailExtractor) Match(toolName string, result map[string]any) bool {
	if strings.Contains(toolName, "email") || strings.Contains(toolName, "mail") {
		return true
	}
	_, hasMessages := result["messages"]
	return hasMessages
}

func (emailExtractor) Extract(toolName string, result map[string]any, now time.Time) []*Entity {
	items := itemList(result, "messages", "emails", "message")
	var entities []*Entity
	seen := make(map[string]bool)
	for _, item := range items {
		entity := newEntity(TypeEmail, item, now, toolName)
		entity.DisplayName = firstString(item, "subject", "title")
		if entity.DisplayName == "" {
			entity.DisplayName = "email"
		}
		entities = append(entities, entity)

		for _, field := range []string{"from", "to", "sender", "recipient"} {
			for _, address := range addressStrings(item[field]) {
				name, email := parseAddress(address)
				if email == "" || seen[email] {
					continue
				}
				seen[email] = true
				contact := newEntity(TypeContact, map[string]any{
					"name":  name,
					"email": email,
				}, now, toolName)
				if name != "" {
					contact.DisplayName = name
				} else {
					contact.DisplayName = email
				}
				entities = append(entities, contact)
			}
		}
	}
	return entities
}

// searchExtractor 处理搜索类结果。
type searchExtractor struct{}

func (searchExtractor) Name() string { return "search" }

func (searchExtractor) Match(toolName string, result map[string]any) bool {
	if strings.Contains(toolName, "search") {
		return true
	}
	_, hasResults := result["results"]
	return hasResults
}

func (searchExtractor) Extract(toolName string, result map[string]any, now time.Time) []*Entity {
	items := itemList(result, "results", "hits")
	entities := make([]*Entity, 0, len(items))
	for _, item := range items {
		entity := newEntity(TypeSearchResult, item, now, toolName)
		entity.DisplayName = firstString(item, "title", "url", "snippet")
		if entity.DisplayName == "" {
			entity.DisplayName = "search result"
		}
		entities = append(entities, entity)
	}
	return entities
}

// documentExtractor 处理文档/文件类结果。
type documentExtractor struct{}

func (documentExtractor) Name() string { return "document" }

func (documentExtractor) Match(toolName string, result map[string]any) bool {
	if strings.Contains(toolName, "doc") || strings.Contains(toolName, "file") {
		return true
	}
	_, hasDocuments := result["documents"]
	_, hasFiles := result["files"]
	return hasDocuments || hasFiles
}

func (documentExtractor) Extract(toolName string, result map[string]any, now time.Time) []*Entity {
	items := itemList(result, "documents", "files", "document", "file")
	entities := make([]*Entity, 0, len(items))
	for _, item := range items {
		entity := newEntity(TypeDocument, item, now, toolName)
		entity.DisplayName = firstString(item, "name", "title", "path", "filename")
		if entity.DisplayName == "" {
			entity.DisplayName = "document"
		}
		entities = append(entities, entity)
	}
	return entities
}

func newEntity(entityType EntityType, payload map[string]any, now time.Time, sourceTool string) *Entity {
	id := firstString(payload, "id", "eventId", "messageId", "documentId")
	if id == "" {
		id = uuid.NewString()
	} else {
		// 同类工具可能对不同类别复用相同的业务 ID，按类别区分。
		id = fmt.Sprintf("%s:%s", entityType, id)
	}
	return &Entity{
		ID:             id,
		Type:           entityType,
		Payload:        clonePayload(payload),
		CreatedAt:      now,
		LastAccessedAt: now,
		SourceTool:     sourceTool,
	}
}

// itemList 取结果中第一个非空的列表字段。单个对象字段也接受。
func itemList(result map[string]any, keys ...string) []map[string]any {
	for _, key := range keys {
		value, ok := result[key]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case []any:
			items := make([]map[string]any, 0, len(v))
			for _, element := range v {
				if item, ok := element.(map[string]any); ok {
					items = append(items, item)
				}
			}
			if len(items) > 0 {
				return items
			}
		case []map[string]any:
			if len(v) > 0 {
				return v
			}
		case map[string]any:
			return []map[string]any{v}
		}
	}
	return nil
}

func firstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := payload[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func addressStrings(value any) []string {
	switch v := value.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{v}
	case []any:
		var out []string
		for _, element := range v {
			if s, ok := element.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}

// parseAddress 解析 "Name <user@example.com>" 或纯地址形式。
func parseAddress(raw string) (name, email string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}
	if open := strings.Index(raw, "<"); open >= 0 {
		close := strings.Index(raw[open:], ">")
		if close > 0 {
			email = strings.TrimSpace(raw[open+1 : open+close])
			name = strings.Trim(strings.TrimSpace(raw[:open]), `"`)
			if !strings.Contains(email, "@") {
				email = ""
			}
			return name, email
		}
	}
	if strings.Contains(raw, "@") {
		return "", raw
	}
	return raw, ""
}
