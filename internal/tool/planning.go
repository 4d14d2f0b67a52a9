package tool

import (
	"context"
	"fmt"
	"strings"
)

// PlanningAdapter 维护工作区中的 plan.txt，跟踪任务步骤的完成情况。
type PlanningAdapter struct {
	fs *VirtualFS
}

var _ Adapter = (*PlanningAdapter)(nil)

// NewPlanningAdapter 创建计划工具。
func NewPlanningAdapter(fs *VirtualFS) *PlanningAdapter {
	return &PlanningAdapter{fs: fs}
}

func (a *PlanningAdapter) Name() string { return "planning" }

func (a *PlanningAdapter) Description() string {
	return "Maintain the task plan. Actions: set_plan (steps), complete_step (step), show."
}

func (a *PlanningAdapter) Available(ctx context.Context, sessionID string) bool { return true }

// Execute 更新或读取计划文件。
func (a *PlanningAdapter) Execute(ctx context.Context, sessionID string, params map[string]any) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	action, _ := params["action"].(string)
	switch action {
	case "set_plan":
		steps := stringList(params["steps"])
		if len(steps) == 0 {
			return failure("steps is required"), nil
		}
		var b strings.Builder
		b.WriteString("# Plan\n")
		for i, step := range steps {
			fmt.Fprintf(&b, "%d. [ ] %s\n", i+1, step)
		}
		a.fs.Write(sessionID, "plan.txt", b.String())
		return success(map[string]any{"steps": len(steps)}, true), nil

	case "complete_step":
		step, _ := params["step"].(string)
		if step == "" {
			return failure("step is required"), nil
		}
		content, ok := a.fs.Read(sessionID, "plan.txt")
		if !ok {
			return failure("no plan set"), nil
		}
		lines := strings.Split(content, "\n")
		marked := false
		for i, line := range lines {
			if strings.Contains(line, step) && strings.Contains(line, "[ ]") {
				lines[i] = strings.Replace(line, "[ ]", "[x]", 1)
				marked = true
				break
			}
		}
		if !marked {
			return failure("step not found in plan: " + step), nil
		}
		a.fs.Write(sessionID, "plan.txt", strings.Join(lines, "\n"))
		return success(map[string]any{"step": step}, true), nil

	case "show":
		content, _ := a.fs.Read(sessionID, "plan.txt")
		return success(map[string]any{"plan": content}, false), nil

	default:
		return failure("unknown action: " + action), nil
	}
}

func stringList(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, element := range v {
			if s, ok := element.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
