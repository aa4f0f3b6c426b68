package launch

import (
	"context"

	"github.com/cortexnode/worker/internal/domain"
	"github.com/cortexnode/worker/internal/logging"
)

// CancelLaunch marks an in-progress launch's Guard entry as cancelled,
// interrupts its downloader/venv install if currently active, and
// force-removes every sub-pool created so far (spec §4.E-Cancel). The
// launch's own goroutine observes the flag at its next checkpoint and
// performs the rest of the unwind.
func (c *Controller) CancelLaunch(ctx context.Context, uid string) error {
	c.mu.Lock()
	g, ok := c.guard[uid]
	if !ok {
		c.mu.Unlock()
		return domain.NotLaunching("no launch in progress for " + uid)
	}
	g.cancelled = true
	dl := g.downloader
	venv := g.venv
	subPools := append([]subPoolHandle(nil), g.subPools...)
	c.mu.Unlock()

	if dl != nil {
		dl.Cancel()
	}
	if venv != nil {
		venv.Cancel()
	}

	for _, h := range subPools {
		if err := c.broker.RemoveSubPool(ctx, h.key); err != nil && domain.KindOf(err) != domain.KindNotFound {
			logging.Op().Warn("remove sub-pool during cancel", "uid", uid, "pool", h.key, "error", err)
		}
	}

	c.sup.SetStatus(ctx, uid, "ERROR", nil)
	return nil
}
