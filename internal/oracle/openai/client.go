package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"OpenPA-Agent/internal/oracle"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 提供的推理能力。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

var _ oracle.Client = (*Client)(nil)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Decide 调用 OpenAI 获取下一步的结构化决策。
func (c *Client) Decide(ctx context.Context, req oracle.Request) (*oracle.Decision, error) {
	content, err := c.complete(ctx, decisionSystemPrompt, buildDecisionPrompt(req))
	if err != nil {
		return nil, err
	}

	var decision oracle.Decision
	if err := json.Unmarshal([]byte(extractJSON(content)), &decision); err != nil {
		return nil, fmt.Errorf("解析决策 JSON 失败: %w", err)
	}
	return &decision, nil
}

// Compose 调用 OpenAI 生成最终应答或综合文本。
func (c *Client) Compose(ctx context.Context, req oracle.ComposeRequest) (string, error) {
	prompt := composeSystemPrompt
	if req.Synthesis {
		prompt = synthesisSystemPrompt
	}
	content, err := c.complete(ctx, prompt, buildComposePrompt(req))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		"temperature": 0.2,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("OpenAI 响应内容为空")
	}
	return content, nil
}

// extractJSON 容忍模型把 JSON 包在代码块或说明文字里。
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}

const decisionSystemPrompt = "" +
	"You are the reasoning engine of a personal-assistant agent. " +
	"Given the user request, conversation context, workspace and available tools, " +
	"decide the next step. Always respond with a compact JSON object: " +
	`{"reasoning": string, "needsTools": bool, "toolsToUse": [{"name": string, "parameters": object}], "goalAchieved": bool, "isFinal": bool}. ` +
	"Set goalAchieved only when the user's request is fully satisfied by the work done so far. " +
	"Set isFinal when no further useful step exists. Never invent tool names."

const composeSystemPrompt = "" +
	"You are a personal-assistant agent composing the final reply to the user. " +
	"Use the workspace and memory summary to answer completely and concretely. " +
	"Respond with plain text, no JSON."

const synthesisSystemPrompt = "" +
	"You are a personal-assistant agent consolidating research gathered in the workspace. " +
	"Synthesize the collected findings into a coherent answer for the user. " +
	"Respond with plain text, no JSON."

func buildDecisionPrompt(req oracle.Request) string {
	var b strings.Builder
	b.WriteString("## 用户请求\n")
	b.WriteString(strings.TrimSpace(req.UserMessage))
	b.WriteString("\n")

	if len(req.Transcript) > 0 {
		b.WriteString("\n## 对话上下文\n")
		for _, turn := range req.Transcript {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, truncate(turn.Content))
		}
	}

	if req.WorkspacePreview != "" {
		b.WriteString("\n## 工作区\n")
		b.WriteString(req.WorkspacePreview)
		b.WriteString("\n")
	}

	if req.MemorySummary != "" {
		b.WriteString("\n## 会话记忆\n")
		b.WriteString(req.MemorySummary)
	}

	if len(req.History) > 0 {
		b.WriteString("\n## 最近工具执行\n")
		for idx, entry := range req.History {
			status := "ok"
			if !entry.Success {
				status = "failed"
			}
			fmt.Fprintf(&b, "[%d] %s (%s): %s\n", idx+1, entry.ToolName, status, truncate(entry.Summary))
			if idx >= 4 {
				break
			}
		}
	}

	if len(req.AvailableTools) > 0 {
		b.WriteString("\n## 可用工具\n")
		for _, tool := range req.AvailableTools {
			fmt.Fprintf(&b, "- %s: %s\n", tool.Name, tool.Description)
		}
	}

	fmt.Fprintf(&b, "\n## 进度\n已完成 %d/%d 步\n", req.StepsCompleted, req.StepCeiling)
	if req.Hint != "" {
		b.WriteString("\n## 提示\n")
		b.WriteString(req.Hint)
		b.WriteString("\n")
	}
	return b.String()
}

func buildComposePrompt(req oracle.ComposeRequest) string {
	var b strings.Builder
	b.WriteString("## 用户请求\n")
	b.WriteString(strings.TrimSpace(req.UserMessage))
	b.WriteString("\n")

	if len(req.Transcript) > 0 {
		b.WriteString("\n## 对话上下文\n")
		for _, turn := range req.Transcript {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, truncate(turn.Content))
		}
	}
	if req.WorkspacePreview != "" {
		b.WriteString("\n## 工作区\n")
		b.WriteString(req.WorkspacePreview)
		b.WriteString("\n")
	}
	if req.MemorySummary != "" {
		b.WriteString("\n## 会话记忆\n")
		b.WriteString(req.MemorySummary)
	}
	if req.DegradedNotice != "" {
		b.WriteString("\n## 注意\n")
		b.WriteString(req.DegradedNotice)
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= 160 {
		return text
	}
	return string(runes[:160]) + "…"
}
