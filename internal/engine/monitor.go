package engine

import (
	"context"

	"consultline.local/projects/engine/internal/directory"
)

// monitorTick advances the abandonment counter. Any live connection resets
// it; consecutive empty ticks at the threshold end the session. Runs on
// the actor.
func (c *Controller) monitorTick(rt *runtime) {
	if rt.ended {
		return
	}

	if c.presence.EffectiveCount(rt.sessionID) > 0 {
		rt.ghostTicks = 0
		return
	}

	rt.ghostTicks++
	if rt.ghostTicks < c.settings.GhostTickThreshold {
		return
	}

	c.logger.Printf("session abandoned session_id=%s empty_ticks=%d", rt.sessionID, rt.ghostTicks)
	c.terminate(context.Background(), rt, directory.EndReasonAbandoned)
}
