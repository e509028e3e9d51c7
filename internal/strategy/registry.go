package strategy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"quantdesk/internal/logger"
)

// Snapshot 是某一时刻目录下全部可用策略的只读视图。
type Snapshot struct {
	Version    int64
	LoadedAt   time.Time
	Strategies map[string]*Strategy
}

// ChangeListener 在策略目录重载后触发。
type ChangeListener func(Snapshot)

// Registry 管理一个目录下的策略文档，文件变更时自动重载。
// 单个文件解析失败只记日志并跳过，不影响其余策略。
type Registry struct {
	dir     string
	watcher *fsnotify.Watcher

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener

	closeOnce sync.Once
	done      chan struct{}
}

// NewRegistry 扫描目录并开始监听变更。
func NewRegistry(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("策略目录不能为空")
	}
	r := &Registry{dir: dir, done: make(chan struct{})}
	if err := r.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建策略目录监听失败: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("监听策略目录失败 (%s): %w", dir, err)
	}
	r.watcher = watcher
	go r.watch()
	return r, nil
}

// Snapshot 返回当前策略集。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Get 按名字取一个策略。
func (r *Registry) Get(name string) (*Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.snapshot.Strategies[strings.TrimSpace(name)]
	return s, ok
}

// Names 返回全部策略名，按字典序。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.snapshot.Strategies))
	for name := range r.snapshot.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnChange 注册重载回调。
func (r *Registry) OnChange(fn ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Close 停止监听。
func (r *Registry) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		if r.watcher != nil {
			err = r.watcher.Close()
		}
	})
	return err
}

func (r *Registry) watch() {
	for {
		select {
		case <-r.done:
			return
		case evt, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !isStrategyFile(evt.Name) {
				continue
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				logger.Errorf("策略目录重载失败: %v", err)
				continue
			}
			r.notifyListeners()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("策略目录监听出错: %v", err)
		}
	}
}

func (r *Registry) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("读取策略目录失败 (%s): %w", r.dir, err)
	}
	strategies := make(map[string]*Strategy)
	for _, entry := range entries {
		if entry.IsDir() || !isStrategyFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		s, err := Load(path)
		if err != nil {
			logger.Errorf("加载策略文件失败 (%s): %v", path, err)
			continue
		}
		if _, dup := strategies[s.Name]; dup {
			logger.Warnf("策略名重复，后者覆盖前者: %s (%s)", s.Name, path)
		}
		strategies[s.Name] = s
	}

	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:    r.snapshot.Version + 1,
		LoadedAt:   time.Now(),
		Strategies: strategies,
	}
	r.mu.Unlock()
	logger.Infof("策略目录已加载: %d 个策略", len(strategies))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	listeners := make([]ChangeListener, len(r.listeners))
	copy(listeners, r.listeners)
	snapshot := r.snapshot
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
}

func isStrategyFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
