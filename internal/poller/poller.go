package poller

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Loader registers whatever the definitions file declares that is not
// registered yet.
type Loader interface {
	Run() error
}

// DefinitionPoller re-runs a Loader whenever the definitions file changes.
type DefinitionPoller struct {
	loader   Loader
	path     string
	logger   *logrus.Logger
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	lastModified time.Time
}

func NewDefinitionPoller(loader Loader, path string, logger *logrus.Logger, interval time.Duration) *DefinitionPoller {
	return &DefinitionPoller{
		loader:   loader,
		path:     path,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start blocks until ctx is done or Stop is called. The file's current
// modification time is taken as already loaded. A non-positive interval
// disables polling and Start returns at once.
func (p *DefinitionPoller) Start(ctx context.Context) {
	if p.interval <= 0 {
		p.logger.Info("Job definitions polling disabled")
		return
	}

	p.wg.Add(1)
	defer p.wg.Done()

	if info, err := os.Stat(p.path); err == nil {
		p.lastModified = info.ModTime()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.update()
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		}
	}
}

func (p *DefinitionPoller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
}

func (p *DefinitionPoller) update() {
	info, err := os.Stat(p.path)
	if err != nil {
		p.logger.Errorf("Failed to stat job definitions %s: %v", p.path, err)
		return
	}
	if !info.ModTime().After(p.lastModified) {
		p.logger.Debug("Job definitions unchanged")
		return
	}
	p.lastModified = info.ModTime()

	p.logger.Infof("Job definitions changed, reloading %s", p.path)
	if err := p.loader.Run(); err != nil {
		p.logger.WithField("error", err.Error()).Warn("Some job definitions were rejected")
	}
}
