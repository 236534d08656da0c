package cache

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loykin/devtasks/internal/store"
)

// Tracker decides whether the watched inputs of a task changed since the
// last recorded run.
type Tracker struct {
	arena *store.Arena
	log   *slog.Logger
}

func NewTracker(arena *store.Arena, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{arena: arena, log: log}
}

// Modified checks every file against the states stored by the last
// successful Update:
//   - a readable file with no stored state is modified;
//   - a change of content hash or of file/directory type is modified;
//   - an mtime-only change refreshes the stored time and is not modified;
//   - a file that can no longer be read counts as unchanged.
//
// New content is never stored here, so an interrupted run leaves the inputs
// modified for the next one.
func (t *Tracker) Modified(ctx context.Context, task string, paths []string) (bool, error) {
	changed := false
	var updates []store.FileState
	for _, p := range paths {
		prev, err := t.arena.GetFileState(ctx, task, p)
		notFound := errors.Is(err, store.ErrNotFound)
		if err != nil && !notFound {
			return false, err
		}
		cur, ierr := Inspect(p)
		if ierr != nil {
			t.log.Debug("failed to check file, considering it unchanged", "task", task, "path", p, "error", ierr)
			continue
		}
		if notFound {
			t.log.Debug("file not in cache, considering it modified", "task", task, "path", p)
			changed = true
			continue
		}
		if cur.IsDir != prev.IsDir || cur.Hash != prev.Hash {
			t.log.Debug("file changed", "task", task, "path", p)
			changed = true
			continue
		}
		if cur.ModTime.After(prev.ModTime) {
			updates = append(updates, toState(task, cur))
		}
	}
	if len(updates) > 0 {
		if err := t.arena.PutFileStates(ctx, updates); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// Update stores the current state of every readable file and returns them.
func (t *Tracker) Update(ctx context.Context, task string, paths []string) ([]File, error) {
	files := make([]File, 0, len(paths))
	states := make([]store.FileState, 0, len(paths))
	for _, p := range paths {
		f, err := Inspect(p)
		if err != nil {
			continue
		}
		files = append(files, f)
		states = append(states, toState(task, f))
	}
	if len(states) == 0 {
		return files, nil
	}
	return files, t.arena.PutFileStates(ctx, states)
}

// Snapshot inspects paths without touching the store.
func Snapshot(paths []string) []File {
	files := make([]File, 0, len(paths))
	for _, p := range paths {
		if f, err := Inspect(p); err == nil {
			files = append(files, f)
		}
	}
	return files
}

func toState(task string, f File) store.FileState {
	return store.FileState{Task: task, Path: f.Path, ModTime: f.ModTime, Hash: f.Hash, IsDir: f.IsDir}
}
