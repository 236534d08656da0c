package supervisor

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/loykin/devtasks/internal/task"
)

// DefaultThrottle coalesces a burst of file events into one restart.
const DefaultThrottle = 100 * time.Millisecond

// Watcher turns filesystem changes under a process's watch paths into
// debounced restart signals on C.
type Watcher struct {
	w        *fsnotify.Watcher
	roots    []string
	exts     map[string]bool
	ignore   []string
	throttle time.Duration
	log      *slog.Logger
	c        chan string
	done     chan struct{}
}

// Watch starts watching cfg.Paths (recursively) relative to cwd. It returns
// nil without paths.
func Watch(cfg task.Watch, cwd string, throttle time.Duration, log *slog.Logger) (*Watcher, error) {
	if len(cfg.Paths) == 0 {
		return nil, nil
	}
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	if log == nil {
		log = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		w:        fw,
		exts:     map[string]bool{},
		throttle: throttle,
		log:      log,
		c:        make(chan string, 1),
		done:     make(chan struct{}),
	}
	for _, e := range cfg.Extensions {
		w.exts[e] = true
	}
	for _, pat := range cfg.Ignore {
		if !strings.Contains(pat, "/") && !strings.HasPrefix(pat, "**") {
			pat = "**/" + pat
		}
		w.ignore = append(w.ignore, pat)
	}
	for _, p := range cfg.Paths {
		if !filepath.IsAbs(p) && cwd != "" {
			p = filepath.Join(cwd, p)
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		w.roots = append(w.roots, p)
		if err := w.addTree(p); err != nil {
			log.Warn("cannot watch path", slog.String("path", p), slog.Any("error", err))
		}
	}
	go w.loop()
	return w, nil
}

// C receives the path of the last change of each debounced burst.
func (w *Watcher) C() <-chan string {
	if w == nil {
		return nil
	}
	return w.c
}

func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	close(w.done)
	return w.w.Close()
}

func (w *Watcher) addTree(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.w.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && w.ignored(path) {
				return filepath.SkipDir
			}
			return w.w.Add(path)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var fire <-chan time.Time
	last := ""
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !w.ignored(ev.Name) {
					_ = w.addTree(ev.Name)
				}
			}
			if !w.relevant(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			last = ev.Name
			if timer == nil {
				timer = time.NewTimer(w.throttle)
				fire = timer.C
			}
		case <-fire:
			timer, fire = nil, nil
			select {
			case w.c <- last:
			default:
			}
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.log.Warn("file watcher error", slog.Any("error", err))
		}
	}
}

// relevant applies the extension filter and the ignore globs.
func (w *Watcher) relevant(path string) bool {
	if w.ignored(path) {
		return false
	}
	if len(w.exts) == 0 {
		return true
	}
	return w.exts[strings.TrimPrefix(filepath.Ext(path), ".")]
}

func (w *Watcher) ignored(path string) bool {
	if len(w.ignore) == 0 {
		return false
	}
	rel := path
	for _, r := range w.roots {
		if p, err := filepath.Rel(r, path); err == nil && !strings.HasPrefix(p, "..") {
			rel = p
			break
		}
	}
	rel = filepath.ToSlash(rel)
	for _, pat := range w.ignore {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
		// a pattern matching a directory ignores everything below it
		if ok, _ := doublestar.Match(pat+"/**", rel); ok {
			return true
		}
	}
	return false
}
