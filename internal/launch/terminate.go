package launch

import (
	"context"
	"time"

	"github.com/cortexnode/worker/internal/domain"
	"github.com/cortexnode/worker/internal/logging"
	"github.com/cortexnode/worker/internal/metrics"
)

const destroyWaitTimeout = 5 * time.Second

// Terminate tears down a committed model (spec §4.E-Terminate). It is
// idempotent: calling it on a UID with no committed model still drives
// Status Guard through TERMINATING/terminal and never raises NotFound —
// only a UID that is mid-launch is rejected, with Busy. isModelDie reports
// whether the caller observed the model actor die on its own (crash), as
// opposed to a deliberate stop request; the terminal status written
// differs accordingly.
func (c *Controller) Terminate(ctx context.Context, uid string, isModelDie bool) error {
	c.mu.Lock()
	if _, launching := c.guard[uid]; launching {
		c.mu.Unlock()
		return domain.Busy("model_uid " + uid + " is currently launching")
	}
	entry, ok := c.table[uid]
	c.mu.Unlock()

	origin := domain.OriginUID(uid)
	c.sup.ReportEvent(ctx, "info", origin, "Terminate model")
	c.sup.SetStatus(ctx, uid, "TERMINATING", nil)

	if ok {
		destroyErr := c.actor.Destroy(ctx, uid, destroyWaitTimeout)
		if destroyErr != nil {
			logging.Op().Warn("model actor destroy failed", "uid", uid, "error", destroyErr)
		}

		if err := c.broker.RemoveSubPool(ctx, uid); err != nil && domain.KindOf(err) != domain.KindNotFound {
			logging.Op().Warn("remove sub-pool during terminate", "uid", uid, "pool", uid, "error", err)
		}
		for _, extra := range entry.ExtraPools {
			if err := c.broker.RemoveSubPool(ctx, extra.Key); err != nil && domain.KindOf(err) != domain.KindNotFound {
				logging.Op().Warn("remove sub-pool during terminate", "uid", uid, "pool", extra.Key, "error", err)
			}
		}

		c.mu.Lock()
		delete(c.table, uid)
		c.mu.Unlock()

		c.devices.Release(uid)

		metrics.Global().RecordTermination()
		metrics.SetActiveModels(c.Count())
	}

	if isModelDie {
		c.sup.SetStatus(ctx, uid, "ERROR", nil)
	} else {
		c.sup.ClearStatus(ctx, uid)
	}

	return nil
}
