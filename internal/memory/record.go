package memory

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// ToolExecutionRecord 是一条不可变的工具执行审计记录。
// 创建之后任何字段都不再修改。
type ToolExecutionRecord struct {
	ID                 string         `json:"id"`
	ToolName           string         `json:"tool_name"`
	UserRequest        string         `json:"user_request"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	RawResult          map[string]any `json:"raw_result,omitempty"`
	Success            bool           `json:"success"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	DurationMs         float64        `json:"duration_ms"`
	Timestamp          time.Time      `json:"timestamp"`
	ExtractedEntityIDs []string       `json:"extracted_entity_ids,omitempty"`
	InferredIntent     string         `json:"inferred_intent,omitempty"`
}

func (r *ToolExecutionRecord) clone() *ToolExecutionRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Parameters = clonePayload(r.Parameters)
	clone.RawResult = clonePayload(r.RawResult)
	if r.ExtractedEntityIDs != nil {
		clone.ExtractedEntityIDs = append([]string(nil), r.ExtractedEntityIDs...)
	}
	return &clone
}

// Summary 返回面向推理上下文的单行摘要。
func (r *ToolExecutionRecord) Summary() string {
	status := "ok"
	if !r.Success {
		status = "failed"
		if r.ErrorMessage != "" {
			status = "failed: " + r.ErrorMessage
		}
	}
	var b strings.Builder
	b.WriteString(r.ToolName)
	b.WriteString(" (")
	b.WriteString(status)
	b.WriteString(")")
	if r.InferredIntent != "" {
		b.WriteString(" intent=")
		b.WriteString(r.InferredIntent)
	}
	return b.String()
}

// canonicalParams 把参数归一化为可比较的 JSON 文本。
// 以 "_" 开头的键是系统附加的溯源信息，不参与比较。
func canonicalParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		if strings.HasPrefix(key, "_") {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("{")
	for i, key := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		encoded, err := json.Marshal(params[key])
		if err != nil {
			encoded = []byte(`"?"`)
		}
		b.WriteString(`"` + key + `":`)
		b.Write(encoded)
	}
	b.WriteString("}")
	return b.String()
}
