package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenPA-Agent/internal/errors"
)

// defaultMaxEntities 是实体存储容量的默认上限。
const defaultMaxEntities = 50

// EntityStore 保存会话内的实体集合，提供按引用检索与容量回收。
// 读操作会有意更新访问元数据，因为排名依赖访问频次与新近度。
type EntityStore struct {
	mu          sync.RWMutex
	maxEntities int
	entities    map[string]*Entity
	byType      map[EntityType][]string
}

// NewEntityStore 创建一个实体存储。
func NewEntityStore(maxEntities int) *EntityStore {
	if maxEntities <= 0 {
		maxEntities = defaultMaxEntities
	}
	return &EntityStore{
		maxEntities: maxEntities,
		entities:    make(map[string]*Entity),
		byType:      make(map[EntityType][]string),
	}
}

// Put 插入或按 ID 合并实体。合并时更新载荷并提升访问计数，
// 实体类别保持创建时的值不变。容量已满时淘汰排名最低的一个实体。
func (s *EntityStore) Put(entity *Entity) error {
	if entity == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "entity 不能为空")
	}
	if strings.TrimSpace(entity.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "实体 ID 不能为空")
	}
	if !IsValidEntityType(entity.Type) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的实体类别")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.entities[entity.ID]; ok {
		if existing.Payload == nil && len(entity.Payload) > 0 {
			existing.Payload = make(map[string]any, len(entity.Payload))
		}
		for key, value := range entity.Payload {
			existing.Payload[key] = value
		}
		if entity.DisplayName != "" {
			existing.DisplayName = entity.DisplayName
		}
		for _, ref := range entity.UserReferences {
			existing.AddUserReference(ref)
		}
		existing.Touch(now)
		return nil
	}

	if len(s.entities) >= s.maxEntities {
		s.evictLowestRanked()
	}

	clone := entity.clone()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	if clone.LastAccessedAt.IsZero() {
		clone.LastAccessedAt = now
	}
	s.entities[clone.ID] = clone
	s.byType[clone.Type] = append(s.byType[clone.Type], clone.ID)
	return nil
}

// Get 按 ID 返回实体并更新访问元数据。
func (s *EntityStore) Get(id string) (*Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity, ok := s.entities[id]
	if !ok {
		return nil, false
	}
	entity.Touch(time.Now().UTC())
	return entity.clone(), true
}

// GetByType 返回指定类别的全部实体，按排名从高到低排列。
func (s *EntityStore) GetByType(entityType EntityType) []*Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byType[entityType]
	results := make([]*Entity, 0, len(ids))
	now := time.Now().UTC()
	for _, id := range ids {
		if entity, ok := s.entities[id]; ok {
			entity.Touch(now)
			results = append(results, entity.clone())
		}
	}
	sortByRank(results)
	return results
}

// FindByReference 返回与用户文本匹配的实体，可按类别过滤，
// 按 (AccessCount 降序, LastAccessedAt 降序) 排列。
func (s *EntityStore) FindByReference(reference string, entityType EntityType) []*Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Entity
	if entityType != "" {
		for _, id := range s.byType[entityType] {
			if entity, ok := s.entities[id]; ok {
				candidates = append(candidates, entity)
			}
		}
	} else {
		for _, entity := range s.entities {
			candidates = append(candidates, entity)
		}
	}

	now := time.Now().UTC()
	matches := make([]*Entity, 0, len(candidates))
	for _, entity := range candidates {
		if entity.MatchesReference(reference) {
			entity.Touch(now)
			matches = append(matches, entity.clone())
		}
	}
	sortByRank(matches)
	return matches
}

// Recent 返回最近访问的实体，可按类别过滤。
func (s *EntityStore) Recent(entityType EntityType, limit int) []*Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Entity
	if entityType != "" {
		for _, id := range s.byType[entityType] {
			if entity, ok := s.entities[id]; ok {
				results = append(results, entity.clone())
			}
		}
	} else {
		for _, entity := range s.entities {
			results = append(results, entity.clone())
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].LastAccessedAt.After(results[j].LastAccessedAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Expire 移除空闲超过 TTL 的实体，返回移除数量。
func (s *EntityStore) Expire(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-ttl)
	var expired []string
	for id, entity := range s.entities {
		if entity.IdleSince(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		s.removeLocked(id)
	}
	return len(expired)
}

// Len 返回当前实体数量。
func (s *EntityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// All 返回全部实体的拷贝，按创建时间排列，用于快照。
func (s *EntityStore) All() []*Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*Entity, 0, len(s.entities))
	for _, entity := range s.entities {
		results = append(results, entity.clone())
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results
}

// restore 直接写入一个实体，仅用于快照恢复，不触发访问计数与淘汰。
func (s *EntityStore) restore(entity *Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := entity.clone()
	s.entities[clone.ID] = clone
	s.byType[clone.Type] = append(s.byType[clone.Type], clone.ID)
}

// evictLowestRanked 淘汰排名最低的一个实体。调用方需持有写锁。
func (s *EntityStore) evictLowestRanked() {
	var victim *Entity
	for _, entity := range s.entities {
		if victim == nil || ranksBelow(entity, victim) {
			victim = entity
		}
	}
	if victim != nil {
		s.removeLocked(victim.ID)
	}
}

func (s *EntityStore) removeLocked(id string) {
	entity, ok := s.entities[id]
	if !ok {
		return
	}
	delete(s.entities, id)
	ids := s.byType[entity.Type]
	for i, candidate := range ids {
		if candidate == id {
			s.byType[entity.Type] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// ranksBelow 判断 a 的排名是否低于 b：访问次数更少，
// 或次数相同但更久未被访问。
func ranksBelow(a, b *Entity) bool {
	if a.AccessCount != b.AccessCount {
		return a.AccessCount < b.AccessCount
	}
	return a.LastAccessedAt.Before(b.LastAccessedAt)
}

func sortByRank(entities []*Entity) {
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].AccessCount != entities[j].AccessCount {
			return entities[i].AccessCount > entities[j].AccessCount
		}
		return entities[i].LastAccessedAt.After(entities[j].LastAccessedAt)
	})
}
