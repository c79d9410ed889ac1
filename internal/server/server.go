// Package server exposes the task engine over HTTP: plans, tasks,
// context assembly, evaluation, links, jobs, and the operational
// surface. Every response uses the {success, data|error} envelope.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loom/internal/assembler"
	"loom/internal/async"
	"loom/internal/cache"
	"loom/internal/evaluation"
	"loom/internal/jobs"
	"loom/internal/knowledge"
	"loom/internal/logging"
	"loom/internal/observability"
	"loom/internal/planner"
	"loom/internal/scheduler"
	"loom/internal/store"
)

// Config configures the HTTP listener.
type Config struct {
	Host            string
	Port            int
	CORSOrigins     []string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	Debug           bool
	Version         string
}

// Deps are the engine components the routes expose. Knowledge,
// EmbCache, Async, and Tracer may be nil; their routes degrade or
// answer with a configuration error.
type Deps struct {
	Store     *store.Store
	Planner   *planner.Planner
	Scheduler *scheduler.Scheduler
	Assembler *assembler.Assembler
	Loop      *evaluation.Loop
	Jobs      *jobs.Registry
	Index     *store.IndexFile
	Knowledge *knowledge.Store
	EmbCache  *cache.EmbeddingCache
	Async     *async.Manager
	Tracer    *observability.TracerProvider
	Logger    logging.Logger
}

// Server wraps the gin engine and its http.Server.
type Server struct {
	cfg     Config
	logger  logging.Logger
	engine  *gin.Engine
	httpSrv *http.Server
}

// New builds the routed server. It does not listen yet.
func New(cfg Config, deps Deps) *Server {
	logger := logging.OrNop(deps.Logger)
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestID())
	engine.Use(requestLogger(logger))
	engine.Use(requestTracing(deps.Tracer))

	corsCfg := cors.DefaultConfig()
	if len(cfg.CORSOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.CORSOrigins
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	engine.Use(cors.New(corsCfg))

	s := &Server{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		httpSrv: &http.Server{
			Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:     engine,
			ReadTimeout: cfg.ReadTimeout,
		},
	}
	s.routes(deps)
	return s
}

// Handler returns the routed engine for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	return s.httpSrv.Shutdown(sctx)
}

func (s *Server) routes(deps Deps) {
	ph := &planHandler{
		planner: deps.Planner,
		sched:   deps.Scheduler,
		store:   deps.Store,
		jobs:    deps.Jobs,
		logger:  s.logger,
	}
	th := &taskHandler{store: deps.Store, sched: deps.Scheduler, asm: deps.Assembler}
	eh := &evalHandler{store: deps.Store, loop: deps.Loop}
	lh := &linkHandler{store: deps.Store}
	jh := &jobHandler{registry: deps.Jobs, logger: s.logger}
	sh := &systemHandler{
		store:     deps.Store,
		index:     deps.Index,
		knowledge: deps.Knowledge,
		embCache:  deps.EmbCache,
		async:     deps.Async,
		jobs:      deps.Jobs,
		version:   s.cfg.Version,
		started:   time.Now(),
	}

	r := s.engine
	r.GET("/health", sh.health)
	r.GET("/stats", sh.stats)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	plans := r.Group("/plans")
	{
		plans.POST("/propose", ph.propose)
		plans.POST("/approve", ph.approve)
		plans.GET("/:title/tasks", ph.tasks)
		plans.GET("/:title/assembled", ph.assembled)
	}
	r.POST("/run", ph.run)

	tasks := r.Group("/tasks")
	{
		tasks.GET("/:id", th.get)
		tasks.PUT("/:id", th.update)
		tasks.DELETE("/:id", th.remove)
		tasks.POST("/:id/context/preview", th.contextPreview)
		tasks.GET("/:id/context/snapshots", th.listSnapshots)
		tasks.GET("/:id/context/snapshots/:label", th.getSnapshot)
		tasks.DELETE("/:id/context/snapshots/:label", th.deleteSnapshot)
		tasks.POST("/:id/rerun", th.rerun)
		tasks.POST("/:id/rerun-subtree", th.rerunSubtree)
		tasks.POST("/:id/execute/with-evaluation", th.executeWithEvaluation)

		tasks.GET("/:id/evaluation/history", eh.history)
		tasks.GET("/:id/evaluation/latest", eh.latest)
		tasks.POST("/:id/evaluation/override", eh.override)
		tasks.DELETE("/:id/evaluation/override", eh.clearOverride)
		tasks.GET("/:id/evaluation/config", eh.config)
	}

	links := r.Group("/context/links")
	{
		links.POST("", lh.create)
		links.DELETE("", lh.remove)
		links.GET("/:task_id", lh.list)
	}

	r.GET("/index", sh.indexGet)
	r.PUT("/index", sh.indexPut)

	jg := r.Group("/jobs")
	{
		jg.GET("", jh.list)
		jg.GET("/:id", jh.get)
		jg.GET("/:id/stream", jh.stream)
		jg.POST("/:id/cancel", jh.cancel)
	}

	eval := r.Group("/evaluation")
	{
		eval.POST("/batch", eh.batch)
		eval.GET("/supervision", eh.supervision)
	}

	know := r.Group("/knowledge")
	{
		know.POST("/notes", sh.addNote)
		know.GET("/search", sh.searchNotes)
	}

	wf := r.Group("/workflows")
	{
		wf.GET("", sh.listWorkflows)
		wf.GET("/:id/tasks", sh.workflowTasks)
	}
}
