package memory

import (
	"strings"
	"time"
)

// EntityType 表示会话记忆中可存储的实体类别。
type EntityType string

const (
	TypeCalendarEvent EntityType = "calendar_event"
	TypeContact       EntityType = "contact"
	TypeEmail         EntityType = "email"
	TypeDocument      EntityType = "document"
	TypePlan          EntityType = "plan"
	TypeTask          EntityType = "task"
	TypeLocation      EntityType = "location"
	TypeSearchResult  EntityType = "search_result"
	TypeGeneric       EntityType = "generic"
)

// IsValidEntityType 检查给定的实体类别是否为支持的枚举值。
func IsValidEntityType(t EntityType) bool {
	switch t {
	case TypeCalendarEvent, TypeContact, TypeEmail, TypeDocument,
		TypePlan, TypeTask, TypeLocation, TypeSearchResult, TypeGeneric:
		return true
	default:
		return false
	}
}

// Entity 描述从工具结果中提取出的领域对象，供后续指代消解使用。
// ID 在会话内唯一；Type 在创建后不可变；AccessCount 单调不减。
type Entity struct {
	ID             string         `json:"id"`
	Type           EntityType     `json:"type"`
	DisplayName    string         `json:"display_name"`
	Payload        map[string]any `json:"payload,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	AccessCount    int            `json:"access_count"`
	SourceTool     string         `json:"source_tool,omitempty"`
	UserReferences []string       `json:"user_references,omitempty"`
}

// Touch 将实体标记为被访问。
func (e *Entity) Touch(now time.Time) {
	e.LastAccessedAt = now
	e.AccessCount++
}

// AddUserReference 记录用户对该实体的一种称呼方式。
func (e *Entity) AddUserReference(reference string) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return
	}
	for _, existing := range e.UserReferences {
		if strings.EqualFold(existing, reference) {
			return
		}
	}
	e.UserReferences = append(e.UserReferences, reference)
}

// MatchesReference 判断用户的一段文本是否指向该实体。匹配显示名、
// 历史称呼以及载荷中的字符串字段。
func (e *Entity) MatchesReference(reference string) bool {
	reference = strings.ToLower(strings.TrimSpace(reference))
	if reference == "" {
		return false
	}

	if strings.Contains(strings.ToLower(e.DisplayName), reference) {
		return true
	}

	for _, userRef := range e.UserReferences {
		if strings.Contains(strings.ToLower(userRef), reference) {
			return true
		}
	}

	for _, value := range e.Payload {
		text, ok := value.(string)
		if !ok {
			continue
		}
		if strings.Contains(strings.ToLower(text), reference) {
			return true
		}
	}

	return false
}

// IdleSince 判断实体是否自给定时刻以来未被访问。
func (e *Entity) IdleSince(cutoff time.Time) bool {
	return e.LastAccessedAt.Before(cutoff)
}

// clone 返回实体的深拷贝，避免调用方修改存储内部状态。
func (e *Entity) clone() *Entity {
	dup := *e
	dup.Payload = clonePayload(e.Payload)
	if e.UserReferences != nil {
		dup.UserReferences = append([]string(nil), e.UserReferences...)
	}
	return &dup
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	cloned := make(map[string]any, len(payload))
	for key, value := range payload {
		cloned[key] = value
	}
	return cloned
}
