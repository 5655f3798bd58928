// Package tasks intercepts ">>swiftcast <name>" directives embedded in
// user messages and answers them locally by running operator-defined
// tasks, never involving the upstream model.
package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/swiftcast-app/swiftcast/pkg/hooks"
)

const commandPrefix = ">>swiftcast "

// Task variants.
const (
	TypeShell     = "shell"
	TypeHTTP      = "http"
	TypeReadFile  = "read_file"
	TypeComposite = "composite"
)

// Definition is one operator-defined task, loaded from the tasks file.
type Definition struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	TaskType    string            `json:"task_type"`
	Command     *string           `json:"command,omitempty"`
	WorkingDir  *string           `json:"working_dir,omitempty"`
	URL         *string           `json:"url,omitempty"`
	HTTPMethod  *string           `json:"http_method,omitempty"`
	FilePath    *string           `json:"file_path,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// TaskContext is the request information handed to a running task.
type TaskContext struct {
	SessionID string `json:"session_id,omitempty"`
	Path      string `json:"path"`
	Model     string `json:"model"`
	Args      string `json:"args"`
}

// InterceptResult reports whether the request was answered locally.
type InterceptResult struct {
	Intercepted  bool
	ResponseText string
	TaskName     string
}

// Interceptor loads task definitions and matches inbound messages.
type Interceptor struct {
	mu         sync.RWMutex
	tasks      map[string]Definition
	configPath string
	httpClient *http.Client
	watcher    *fsnotify.Watcher
	log        *slog.Logger
}

func NewInterceptor(configPath string, log *slog.Logger) *Interceptor {
	i := &Interceptor{
		tasks:      make(map[string]Definition),
		configPath: configPath,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
	if err := i.Reload(); err != nil {
		log.Debug("no custom tasks loaded", "path", configPath, "error", err)
	}
	return i
}

// Reload rebuilds the task catalog from the tasks file.
func (i *Interceptor) Reload() error {
	raw, err := os.ReadFile(i.configPath)
	if err != nil {
		return err
	}
	var defs []Definition
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("parse tasks file: %w", err)
	}

	tasks := make(map[string]Definition, len(defs))
	for _, d := range defs {
		tasks[d.Name] = d
	}

	i.mu.Lock()
	i.tasks = tasks
	i.mu.Unlock()
	i.log.Info("loaded custom tasks", "count", len(tasks))
	return nil
}

// Watch reloads the catalog whenever the tasks file changes on disk. It
// returns once the watch is established; reloading continues until ctx is
// cancelled.
func (i *Interceptor) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors typically replace the file wholesale,
	// which would drop a watch on the file itself.
	dir := filepath.Dir(i.configPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	i.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != i.configPath {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := i.Reload(); err != nil {
					i.log.Warn("task reload failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				i.log.Warn("task watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Tasks lists the catalog sorted by name.
func (i *Interceptor) Tasks() []Definition {
	i.mu.RLock()
	defer i.mu.RUnlock()
	defs := make([]Definition, 0, len(i.tasks))
	for _, d := range i.tasks {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(a, b int) bool { return defs[a].Name < defs[b].Name })
	return defs
}

// ParseCommand extracts the task name and argument string from a message
// containing the directive, or ok=false.
func ParseCommand(message string) (name, args string, ok bool) {
	pos := strings.Index(message, commandPrefix)
	if pos < 0 {
		return "", "", false
	}
	after := message[pos+len(commandPrefix):]
	fields := strings.Fields(after)
	if len(fields) == 0 {
		return "", "", false
	}
	name = fields[0]
	rest := after[strings.Index(after, name)+len(name):]
	return name, strings.TrimSpace(rest), true
}

// userMessage pulls the text of the last user-role message out of a
// Messages API body: string content directly, or the first text item of a
// content array.
func userMessage(body json.RawMessage) string {
	var parsed struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Messages) == 0 {
		return ""
	}
	last := parsed.Messages[len(parsed.Messages)-1]
	if last.Role != "user" {
		return ""
	}

	var text string
	if err := json.Unmarshal(last.Content, &text); err == nil {
		return text
	}
	var items []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(last.Content, &items); err == nil {
		for _, item := range items {
			if item.Type == "text" {
				return item.Text
			}
		}
	}
	return ""
}

// TryIntercept inspects the request and, when it carries a directive,
// executes the matching task. Reserved names: "list" prints the catalog,
// "reload" rebuilds it from disk.
func (i *Interceptor) TryIntercept(ctx context.Context, req *hooks.RequestContext) InterceptResult {
	message := userMessage(req.Body)
	if message == "" {
		return InterceptResult{}
	}
	name, args, ok := ParseCommand(message)
	if !ok {
		return InterceptResult{}
	}

	switch name {
	case "list":
		return InterceptResult{Intercepted: true, TaskName: "list", ResponseText: i.formatCatalog()}
	case "reload":
		if err := i.Reload(); err != nil {
			return InterceptResult{
				Intercepted:  true,
				TaskName:     "reload",
				ResponseText: fmt.Sprintf("Failed to reload tasks: %v", err),
			}
		}
		i.mu.RLock()
		count := len(i.tasks)
		i.mu.RUnlock()
		return InterceptResult{
			Intercepted:  true,
			TaskName:     "reload",
			ResponseText: fmt.Sprintf("Reloaded %d tasks from %s", count, i.configPath),
		}
	}

	i.mu.RLock()
	task, found := i.tasks[name]
	i.mu.RUnlock()
	if !found {
		return InterceptResult{
			Intercepted:  true,
			TaskName:     name,
			ResponseText: fmt.Sprintf("Unknown task: '%s'\n\nUse `>>swiftcast list` to see available tasks.", name),
		}
	}

	taskCtx := TaskContext{
		SessionID: req.SessionID,
		Path:      req.Path,
		Model:     req.Model,
		Args:      args,
	}
	i.log.Info("executing custom task",
		"task", name, "session_id", req.SessionID, "args", args)

	output, err := i.execute(ctx, task, taskCtx)
	if err != nil {
		return InterceptResult{
			Intercepted:  true,
			TaskName:     name,
			ResponseText: fmt.Sprintf("## Task Failed: %s\n\nError: %v", task.Name, err),
		}
	}
	return InterceptResult{
		Intercepted:  true,
		TaskName:     name,
		ResponseText: fmt.Sprintf("## Task: %s\n\n%s\n\n---\n%s", task.Name, task.Description, output),
	}
}

func (i *Interceptor) formatCatalog() string {
	defs := i.Tasks()
	if len(defs) == 0 {
		return "## Available Custom Tasks\n\nNo custom tasks defined.\n\nAdd tasks to " + i.configPath
	}
	lines := make([]string, 0, len(defs))
	for _, d := range defs {
		lines = append(lines, fmt.Sprintf("- **%s**: %s (%s)", d.Name, d.Description, d.TaskType))
	}
	return "## Available Custom Tasks\n\n" + strings.Join(lines, "\n")
}

func (i *Interceptor) execute(ctx context.Context, task Definition, taskCtx TaskContext) (string, error) {
	switch task.TaskType {
	case TypeShell:
		return i.executeShell(ctx, task, taskCtx)
	case TypeHTTP:
		return i.executeHTTP(ctx, task, taskCtx)
	case TypeReadFile:
		return executeReadFile(task, taskCtx)
	case TypeComposite:
		return "Composite tasks not yet implemented", nil
	default:
		return "", fmt.Errorf("unknown task type: %s", task.TaskType)
	}
}

func substitute(input string, taskCtx TaskContext) string {
	r := strings.NewReplacer(
		"{args}", taskCtx.Args,
		"{session_id}", taskCtx.SessionID,
		"{path}", taskCtx.Path,
		"{model}", taskCtx.Model,
	)
	return r.Replace(input)
}

func (i *Interceptor) executeShell(ctx context.Context, task Definition, taskCtx TaskContext) (string, error) {
	if task.Command == nil {
		return "", fmt.Errorf("no command specified")
	}
	command := substitute(*task.Command, taskCtx)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if task.WorkingDir != nil {
		cmd.Dir = *task.WorkingDir
	}
	cmd.Env = append(os.Environ(),
		"SWIFTCAST_SESSION_ID="+taskCtx.SessionID,
		"SWIFTCAST_PATH="+taskCtx.Path,
		"SWIFTCAST_MODEL="+taskCtx.Model,
		"SWIFTCAST_ARGS="+taskCtx.Args,
	)
	for key, value := range task.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", fmt.Errorf("failed to execute command: %w", err)
		}
		return fmt.Sprintf("Command failed (exit code: %d):\n```\n%s\n%s\n```",
			exitCode,
			strings.TrimSpace(stdout.String()),
			strings.TrimSpace(stderr.String())), nil
	}
	return fmt.Sprintf("```\n%s\n```", strings.TrimSpace(stdout.String())), nil
}

func (i *Interceptor) executeHTTP(ctx context.Context, task Definition, taskCtx TaskContext) (string, error) {
	if task.URL == nil {
		return "", fmt.Errorf("no URL specified")
	}
	url := substitute(*task.URL, taskCtx)

	method := http.MethodGet
	if task.HTTPMethod != nil {
		method = strings.ToUpper(*task.HTTPMethod)
	}

	var req *http.Request
	var err error
	switch method {
	case http.MethodGet:
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	case http.MethodPost:
		var encoded []byte
		encoded, err = json.Marshal(taskCtx)
		if err == nil {
			req, err = http.NewRequestWithContext(ctx, method, url, bytes.NewReader(encoded))
			if err == nil {
				req.Header.Set("Content-Type", "application/json")
			}
		}
	default:
		return "", fmt.Errorf("unsupported HTTP method: %s", method)
	}
	if err != nil {
		return "", err
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("HTTP %s %s\nStatus: %s\n\n%s", method, url, resp.Status, body), nil
}

func executeReadFile(task Definition, taskCtx TaskContext) (string, error) {
	if task.FilePath == nil {
		return "", fmt.Errorf("no file path specified")
	}
	path := substitute(*task.FilePath, taskCtx)
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return fmt.Sprintf("```\n%s\n```", content), nil
}
