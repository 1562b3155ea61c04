package ingest

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/api"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/config"
)

// Outcome is what a stage returns: either the context snapshot for the
// next stage or a terminal response. Exactly one side is set.
type Outcome struct {
	next *Context
	halt *api.Response
}

// Next continues the chain with the given snapshot.
func Next(rc *Context) Outcome { return Outcome{next: rc} }

// Halt terminates the chain with a response.
func Halt(resp *api.Response) Outcome { return Outcome{halt: resp} }

// Stage is one step of the pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context, rc *Context) Outcome
}

// Metrics is the instrument surface the chain reports into.
// observability.Provider satisfies it; a nil Metrics disables reporting.
type Metrics interface {
	Request(ctx context.Context, status int)
	Duration(ctx context.Context, elapsed time.Duration, status int)
	AcceptedEvents(ctx context.Context, n int)
	Rejection(ctx context.Context, reason string)
	Anomaly(ctx context.Context, heuristic string)
}

// Chain runs stages in order; the first halt wins. A chain that runs
// off the end without a terminal response is a bug and answers 500.
type Chain struct {
	cfg     *config.Config
	stages  []Stage
	logger  *slog.Logger
	metrics Metrics
}

func NewChain(cfg *config.Config, logger *slog.Logger, metrics Metrics, stages ...Stage) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{cfg: cfg, stages: stages, logger: logger, metrics: metrics}
}

// Handler adapts the chain to net/http. The request context record is
// built here; every response echoes X-Request-Id and, for cross-origin
// callers, the CORS response headers.
func (c *Chain) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rc := NewContext(r, c.cfg)

		resp := c.run(r.Context(), rc)

		if rc.OriginHeaderPresent {
			w.Header().Set("Access-Control-Allow-Origin", rc.Origin)
			w.Header().Set("Vary", "Origin")
		}
		resp.Write(w, rc.RequestID)

		if c.metrics != nil {
			c.metrics.Request(r.Context(), resp.Status)
			c.metrics.Duration(r.Context(), time.Since(start), resp.Status)
		}
	})
}

func (c *Chain) run(ctx context.Context, rc *Context) *api.Response {
	for _, stage := range c.stages {
		out := stage.Run(ctx, rc)
		if out.halt != nil {
			return out.halt
		}
		if out.next == nil {
			c.logger.Error("stage returned neither continue nor halt",
				"stage", stage.Name(), "request_id", rc.RequestID)
			return api.Internal()
		}
		rc = out.next
	}
	c.logger.Error("pipeline ran off the end without a terminal response",
		"request_id", rc.RequestID)
	return api.Internal()
}
