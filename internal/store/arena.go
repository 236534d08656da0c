package store

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned for writes submitted after Close.
var ErrClosed = errors.New("store: arena closed")

type writeReq struct {
	ctx   context.Context
	fn    func(ctx context.Context, s Store) error
	reply chan error
}

// Arena wraps a Store so that every write is executed by a single writer
// goroutine, one at a time, in submission order. Reads go straight to the
// backend and may run concurrently with each other and with the writer.
type Arena struct {
	st     Store
	writes chan writeReq
	quit   chan struct{}
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewArena starts the writer goroutine for st.
func NewArena(st Store) *Arena {
	a := &Arena{st: st, writes: make(chan writeReq), quit: make(chan struct{})}
	a.wg.Add(1)
	go a.writer()
	return a
}

func (a *Arena) writer() {
	defer a.wg.Done()
	for {
		select {
		case req := <-a.writes:
			err := req.ctx.Err()
			if err == nil {
				err = req.fn(req.ctx, a.st)
			}
			req.reply <- err
		case <-a.quit:
			return
		}
	}
}

// Write runs fn on the writer goroutine and waits for its result.
func (a *Arena) Write(ctx context.Context, fn func(ctx context.Context, s Store) error) error {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return ErrClosed
	}
	req := writeReq{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case a.writes <- req:
	case <-ctx.Done():
		a.mu.RUnlock()
		return ctx.Err()
	}
	a.mu.RUnlock()
	return <-req.reply
}

// Reader exposes the backend for reads.
func (a *Arena) Reader() Store { return a.st }

func (a *Arena) PutTaskRun(ctx context.Context, run TaskRun) error {
	return a.Write(ctx, func(ctx context.Context, s Store) error { return s.PutTaskRun(ctx, run) })
}

func (a *Arena) PutFileStates(ctx context.Context, states []FileState) error {
	return a.Write(ctx, func(ctx context.Context, s Store) error {
		for _, fs := range states {
			if err := s.PutFileState(ctx, fs); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *Arena) PutExecution(ctx context.Context, rec ExecutionRecord) error {
	return a.Write(ctx, func(ctx context.Context, s Store) error { return s.PutExecution(ctx, rec) })
}

func (a *Arena) PutPort(ctx context.Context, pa PortAllocation) error {
	return a.Write(ctx, func(ctx context.Context, s Store) error { return s.PutPort(ctx, pa) })
}

func (a *Arena) GetTaskRun(ctx context.Context, task string) (TaskRun, error) {
	return a.st.GetTaskRun(ctx, task)
}

func (a *Arena) GetFileState(ctx context.Context, task, path string) (FileState, error) {
	return a.st.GetFileState(ctx, task, path)
}

func (a *Arena) ListFileStates(ctx context.Context, task string) ([]FileState, error) {
	return a.st.ListFileStates(ctx, task)
}

func (a *Arena) GetExecution(ctx context.Context, task string) (ExecutionRecord, error) {
	return a.st.GetExecution(ctx, task)
}

func (a *Arena) GetPort(ctx context.Context, process, port string) (PortAllocation, error) {
	return a.st.GetPort(ctx, process, port)
}

func (a *Arena) ListPorts(ctx context.Context) ([]PortAllocation, error) {
	return a.st.ListPorts(ctx)
}

// Close waits for the in-flight write, stops the writer and closes the backend.
func (a *Arena) Close() error {
	var err error
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.quit)
		a.wg.Wait()
		err = a.st.Close()
	})
	return err
}
