// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry 一条 report 产出。未来的外环运行读取这些条目作为输入，
// 这是跨运行的依赖，不属于单次工作流的状态。
type Entry struct {
	WorkflowID string    `json:"workflow_id"`
	Data       any       `json:"data"`
	CreatedAt  time.Time `json:"created_at"`
}

// Backlog 持久化的 report 产出积压。
type Backlog interface {
	// Append adds one entry. Entries are never mutated after being written.
	Append(ctx context.Context, entry Entry) error

	// List returns all entries in append order.
	List(ctx context.Context) ([]Entry, error)
}

// MemoryBacklog 内存实现，用于开发和测试。
type MemoryBacklog struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryBacklog creates an empty in-memory backlog.
func NewMemoryBacklog() *MemoryBacklog {
	return &MemoryBacklog{}
}

func (b *MemoryBacklog) Append(ctx context.Context, entry Entry) error {
	b.mu.Lock()
	b.entries = append(b.entries, entry)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBacklog) List(ctx context.Context) ([]Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out, nil
}

// FileBacklog 把积压保存为单个 JSON 文件。写入走临时文件加原子改名，
// 崩溃时要么保留旧内容要么保留新内容，不会出现半截文件。
type FileBacklog struct {
	path string
	mu   sync.Mutex
}

// NewFileBacklog creates a backlog persisted at path, creating parent
// directories as needed.
func NewFileBacklog(path string) (*FileBacklog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create backlog directory: %w", err)
	}
	return &FileBacklog{path: path}, nil
}

func (b *FileBacklog) Append(ctx context.Context, entry Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := b.read()
	if err != nil {
		return err
	}
	entries = append(entries, entry)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal backlog: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write backlog: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("replace backlog: %w", err)
	}
	return nil
}

func (b *FileBacklog) List(ctx context.Context) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read()
}

func (b *FileBacklog) read() ([]Entry, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backlog: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse backlog: %w", err)
	}
	return entries, nil
}
