package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devtasks/internal/metrics"
	"github.com/loykin/devtasks/internal/scheduler"
	"github.com/loykin/devtasks/internal/store"
	"github.com/loykin/devtasks/internal/supervisor"
	"github.com/loykin/devtasks/internal/task"
)

// Tasks is the view of the current run.
type Tasks interface {
	Snapshot() []scheduler.NodeStatus
	Retrigger(name string) error
}

// Processes is the view of supervised processes.
type Processes interface {
	Status(name string) (supervisor.Status, error)
	List() []supervisor.Status
	Restart(name string) error
}

// Ports lists persisted port allocations.
type Ports interface {
	List(ctx context.Context) ([]store.PortAllocation, error)
}

// Resources reports the latest usage samples by process.
type Resources interface {
	Latest() map[string]metrics.Resources
}

// Router provides embeddable HTTP handlers for observing a run.
// Endpoints:
//
//	GET  {basePath}/api/tasks
//	GET  {basePath}/api/tasks/:name
//	POST {basePath}/api/tasks/:name/retrigger
//	GET  {basePath}/api/processes
//	POST {basePath}/api/processes/:name/restart
//	GET  {basePath}/api/ports
//	GET  {basePath}/api/resources
//	GET  {basePath}/metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	tasks     Tasks
	procs     Processes
	ports     Ports
	resources Resources
	basePath  string
}

type Option func(*Router)

func WithProcesses(p Processes) Option { return func(r *Router) { r.procs = p } }

func WithPorts(p Ports) Option { return func(r *Router) { r.ports = p } }

func WithResources(res Resources) Option { return func(r *Router) { r.resources = res } }

func NewRouter(tasks Tasks, basePath string, opts ...Option) *Router {
	r := &Router{tasks: tasks, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/api/tasks", r.handleTasks)
	group.GET("/api/tasks/:name", r.handleTask)
	group.POST("/api/tasks/:name/retrigger", r.handleRetrigger)
	group.GET("/api/processes", r.handleProcesses)
	group.POST("/api/processes/:name/restart", r.handleRestart)
	group.GET("/api/ports", r.handlePorts)
	group.GET("/api/resources", r.handleResources)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer binds addr and serves this router on it. Bind errors are
// returned; Addr holds the bound address.
func NewServer(addr string, r *Router) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("status API listen %s: %w", addr, err)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type taskResp struct {
	scheduler.NodeStatus
	Process *supervisor.Status `json:"process,omitempty"`
}

type portResp struct {
	Process   string    `json:"process"`
	Port      string    `json:"port"`
	Base      int       `json:"base"`
	Resolved  int       `json:"resolved"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Router) find(name string) (scheduler.NodeStatus, bool) {
	for _, st := range r.tasks.Snapshot() {
		if st.Name == name {
			return st, true
		}
	}
	return scheduler.NodeStatus{}, false
}

func (r *Router) handleTasks(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.tasks.Snapshot())
}

func (r *Router) handleTask(c *gin.Context) {
	name := c.Param("name")
	st, ok := r.find(name)
	if !ok {
		writeError(c, http.StatusNotFound, errors.New("unknown task "+name))
		return
	}
	resp := taskResp{NodeStatus: st}
	if r.procs != nil && st.Kind == task.Process.String() {
		if ps, err := r.procs.Status(name); err == nil {
			resp.Process = &ps
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleRetrigger(c *gin.Context) {
	name := c.Param("name")
	err := r.tasks.Retrigger(name)
	switch {
	case err == nil:
		writeJSON(c, http.StatusAccepted, okResp{OK: true})
	case errors.Is(err, task.ErrGraph):
		writeError(c, http.StatusNotFound, err)
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		writeError(c, http.StatusConflict, err)
	default:
		writeError(c, http.StatusBadRequest, err)
	}
}

func (r *Router) handleProcesses(c *gin.Context) {
	if r.procs == nil {
		writeJSON(c, http.StatusOK, []supervisor.Status{})
		return
	}
	writeJSON(c, http.StatusOK, r.procs.List())
}

func (r *Router) handleRestart(c *gin.Context) {
	name := c.Param("name")
	if r.procs == nil {
		writeError(c, http.StatusNotFound, errors.New("no process supervisor"))
		return
	}
	if err := r.procs.Restart(name); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, supervisor.ErrUnknownProcess) {
			code = http.StatusNotFound
		}
		writeError(c, code, err)
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handlePorts(c *gin.Context) {
	out := []portResp{}
	if r.ports == nil {
		writeJSON(c, http.StatusOK, out)
		return
	}
	allocs, err := r.ports.List(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	for _, a := range allocs {
		out = append(out, portResp{Process: a.Process, Port: a.Port, Base: a.Base, Resolved: a.Resolved, UpdatedAt: a.UpdatedAt})
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleResources(c *gin.Context) {
	if r.resources == nil {
		writeJSON(c, http.StatusOK, map[string]metrics.Resources{})
		return
	}
	writeJSON(c, http.StatusOK, r.resources.Latest())
}
