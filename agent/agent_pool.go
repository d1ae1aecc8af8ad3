package agent

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AgentPool runs multiple parallel AgentWorkers in one process.
type AgentPool struct {
	workers []*AgentWorker
	log     *zap.Logger
}

func NewAgentPool(workers []*AgentWorker, log *zap.Logger) *AgentPool {
	return &AgentPool{workers: workers, log: log.Named("pool")}
}

// Start runs all workers and blocks until they have stopped.
func (p *AgentPool) Start(ctx context.Context) error {
	p.log.Info("starting agents", zap.Int("count", len(p.workers)))
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error { return w.Start(ctx) })
	}
	return g.Wait()
}

// Stop ends all workers. graceful lets in-flight jobs finish; a second,
// forced stop abandons them for peers to reclaim.
func (p *AgentPool) Stop(graceful bool) {
	for _, w := range p.workers {
		w.Stop(graceful)
	}
}
