package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// 每个会话的工作区都带有固定的脚手架文件，
// 编排器依赖它们承载思考、计划与研究记录。
var scaffoldFiles = map[string]string{
	"thoughts.txt":           "# Thoughts\n",
	"plan.txt":               "# Plan\n",
	"web_search_results.txt": "# Web Search Results\n",
}

type vfsFile struct {
	content   string
	updatedAt time.Time
}

// VirtualFS 是按会话隔离的内存文件系统，充当代理的工作区。
type VirtualFS struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*vfsFile
}

// NewVirtualFS 创建空的虚拟文件系统。
func NewVirtualFS() *VirtualFS {
	return &VirtualFS{sessions: make(map[string]map[string]*vfsFile)}
}

// ensureSession 返回会话的文件表，首次访问时写入脚手架文件。
func (fs *VirtualFS) ensureSession(sessionID string) map[string]*vfsFile {
	files, ok := fs.sessions[sessionID]
	if !ok {
		files = make(map[string]*vfsFile, len(scaffoldFiles))
		now := time.Now().UTC()
		for name, content := range scaffoldFiles {
			files[name] = &vfsFile{content: content, updatedAt: now}
		}
		fs.sessions[sessionID] = files
	}
	return files
}

// Write 覆盖写入一个文件，不存在时创建。
func (fs *VirtualFS) Write(sessionID, name, content string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	files := fs.ensureSession(sessionID)
	files[name] = &vfsFile{content: content, updatedAt: time.Now().UTC()}
}

// Append 追加内容到文件末尾，不存在时创建。
func (fs *VirtualFS) Append(sessionID, name, content string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	files := fs.ensureSession(sessionID)
	if existing, ok := files[name]; ok {
		existing.content += content
		existing.updatedAt = time.Now().UTC()
		return
	}
	files[name] = &vfsFile{content: content, updatedAt: time.Now().UTC()}
}

// Read 返回文件内容。
func (fs *VirtualFS) Read(sessionID, name string) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	files := fs.ensureSession(sessionID)
	file, ok := files[name]
	if !ok {
		return "", false
	}
	return file.content, true
}

// Delete 删除文件。脚手架文件不可删除，删除请求会把它重置为模板。
func (fs *VirtualFS) Delete(sessionID, name string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	files := fs.ensureSession(sessionID)
	if _, ok := files[name]; !ok {
		return false
	}
	if template, scaffold := scaffoldFiles[name]; scaffold {
		files[name] = &vfsFile{content: template, updatedAt: time.Now().UTC()}
		return true
	}
	delete(files, name)
	return true
}

// Exists 检查文件是否存在。
func (fs *VirtualFS) Exists(sessionID, name string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	files := fs.ensureSession(sessionID)
	_, ok := files[name]
	return ok
}

// List 返回会话内全部文件名，按字典序排列。
func (fs *VirtualFS) List(sessionID string) []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	files := fs.ensureSession(sessionID)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Search 在全部文件中查找包含关键词的行。
func (fs *VirtualFS) Search(sessionID, query string) map[string][]string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	files := fs.ensureSession(sessionID)

	lower := strings.ToLower(query)
	hits := make(map[string][]string)
	for name, file := range files {
		for _, line := range strings.Split(file.content, "\n") {
			if strings.Contains(strings.ToLower(line), lower) {
				hits[name] = append(hits[name], line)
			}
		}
	}
	return hits
}

// Preview 把工作区内容拼接成截断后的预览文本。
func (fs *VirtualFS) Preview(sessionID string, maxChars int) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	files := fs.ensureSession(sessionID)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "=== %s ===\n%s\n", name, files[name].content)
	}
	preview := b.String()
	runes := []rune(preview)
	if maxChars > 0 && len(runes) > maxChars {
		return string(runes[:maxChars]) + "…"
	}
	return preview
}

// ContentLength 返回去掉脚手架模板后的工作区内容总长度。
func (fs *VirtualFS) ContentLength(sessionID string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	files := fs.ensureSession(sessionID)

	total := 0
	for name, file := range files {
		content := file.content
		if template, scaffold := scaffoldFiles[name]; scaffold {
			content = strings.TrimPrefix(content, template)
		}
		total += len(strings.TrimSpace(content))
	}
	return total
}

// Drop 丢弃会话的全部文件。
func (fs *VirtualFS) Drop(sessionID string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.sessions, sessionID)
}

// FSAdapter 把虚拟文件系统作为工具暴露给编排器。
type FSAdapter struct {
	fs *VirtualFS
}

var _ Adapter = (*FSAdapter)(nil)

// NewFSAdapter 创建工作区文件工具。
func NewFSAdapter(fs *VirtualFS) *FSAdapter {
	return &FSAdapter{fs: fs}
}

func (a *FSAdapter) Name() string { return "virtual_fs" }

func (a *FSAdapter) Description() string {
	return "Read and write workspace files. Actions: create, read, update, append, delete, exists, list, search."
}

func (a *FSAdapter) Available(ctx context.Context, sessionID string) bool { return true }

// Execute 执行一次文件操作。参数缺失或动作未知按业务失败返回。
func (a *FSAdapter) Execute(ctx context.Context, sessionID string, params map[string]any) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	action, _ := params["action"].(string)
	name, _ := params["filename"].(string)
	content, _ := params["content"].(string)

	switch action {
	case "create", "update":
		if name == "" {
			return failure("filename is required"), nil
		}
		a.fs.Write(sessionID, name, content)
		return success(map[string]any{"filename": name}, true), nil
	case "append":
		if name == "" {
			return failure("filename is required"), nil
		}
		a.fs.Append(sessionID, name, content)
		return success(map[string]any{"filename": name}, true), nil
	case "read":
		text, ok := a.fs.Read(sessionID, name)
		if !ok {
			return failure("file not found: " + name), nil
		}
		return success(map[string]any{"filename": name, "content": text}, false), nil
	case "delete":
		if !a.fs.Delete(sessionID, name) {
			return failure("file not found: " + name), nil
		}
		return success(map[string]any{"filename": name}, true), nil
	case "exists":
		return success(map[string]any{"filename": name, "exists": a.fs.Exists(sessionID, name)}, false), nil
	case "list":
		names := a.fs.List(sessionID)
		listed := make([]any, 0, len(names))
		for _, n := range names {
			listed = append(listed, n)
		}
		return success(map[string]any{"files": listed}, false), nil
	case "search":
		query, _ := params["query"].(string)
		if query == "" {
			return failure("query is required"), nil
		}
		hits := a.fs.Search(sessionID, query)
		converted := make(map[string]any, len(hits))
		for file, lines := range hits {
			converted[file] = lines
		}
		return success(map[string]any{"matches": converted}, false), nil
	default:
		return failure("unknown action: " + action), nil
	}
}

func success(data map[string]any, sideEffect bool) *Result {
	return &Result{Success: true, Data: data, SideEffect: sideEffect}
}

func failure(message string) *Result {
	return &Result{Success: false, Error: message}
}
