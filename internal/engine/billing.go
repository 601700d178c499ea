package engine

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"consultline.local/projects/engine/internal/channel"
	"consultline.local/projects/engine/internal/directory"
	"consultline.local/projects/engine/internal/events"
	"consultline.local/projects/engine/internal/ledger"
)

// billingTick charges one unit for an elapsed interval of a pay-as-you-go
// call. A tick with either side missing charges nothing; the interval is
// simply not billed. Runs on the actor.
func (c *Controller) billingTick(rt *runtime) {
	if rt.ended {
		return
	}
	ctx := context.Background()

	rec, err := c.directory.Get(ctx, rt.sessionID)
	if err != nil {
		c.logger.Printf("billing tick load session_id=%s err=%v", rt.sessionID, err)
		return
	}
	if rec.Status != directory.StatusActive {
		rt.ended = true
		rt.stopTickers()
		return
	}
	rt.rec = rec
	rt.unitPrice = c.resolveUnitPrice(rec)

	if c.presence.EffectiveCount(rt.sessionID) < 2 {
		return
	}

	res, err := c.ledger.ChargeSplit(ctx, rt.sessionID, rec.CustomerID, rec.ProviderID, rt.unitPrice)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			c.logger.Printf("billing stopped: insufficient funds session_id=%s price=%s", rt.sessionID, rt.unitPrice.StringFixed(2))
		} else {
			c.logger.Printf("billing stopped: charge failed session_id=%s err=%v", rt.sessionID, err)
		}
		c.terminate(ctx, rt, directory.EndReasonInsufficientCredits)
		return
	}

	c.afterCharge(ctx, rt, res)
}

// resolveUnitPrice picks the session's effective price: the provider's
// override when present and sane, otherwise the platform default for the
// mode. Chat prices are clamped to the allowed band.
func (c *Controller) resolveUnitPrice(rec directory.Record) decimal.Decimal {
	fallback := c.settings.DefaultCallPrice
	if rec.Mode == directory.ModeChat {
		fallback = c.settings.DefaultChatPrice
	}

	price := fallback
	if rec.UnitPrice != nil {
		price = *rec.UnitPrice
	}
	if !price.IsPositive() {
		c.logger.Printf("invalid unit price session_id=%s price=%s fallback=%s", rec.SessionID, price, fallback.StringFixed(2))
		price = fallback
	}

	if rec.Mode == directory.ModeChat {
		if price.LessThan(c.settings.ChatPriceMin) {
			price = c.settings.ChatPriceMin
		}
		if price.GreaterThan(c.settings.ChatPriceMax) {
			price = c.settings.ChatPriceMax
		}
	}
	return price
}

// afterCharge pushes fresh balances to both sides and emits a one-shot low
// balance event when the customer crosses the threshold.
func (c *Controller) afterCharge(ctx context.Context, rt *runtime, res ledger.ChargeResult) {
	c.broadcaster.Broadcast(rt.sessionID, channel.Balances(res.CustomerBalance, res.ProviderBalance))

	if rt.lowBalanceNotified || res.CustomerBalance.GreaterThanOrEqual(c.settings.LowBalanceThreshold) {
		return
	}
	rt.lowBalanceNotified = true
	c.dispatcher.Dispatch(ctx, events.New(events.TypeSessionLowBalance, rt.sessionID, map[string]any{
		"customer_id": rt.rec.CustomerID,
		"balance":     res.CustomerBalance.StringFixed(2),
	}))
}

// balanceTick is the periodic balance push between charges, so clients see
// a settled figure even when no unit has elapsed.
func (c *Controller) balanceTick(rt *runtime) {
	if rt.ended {
		return
	}
	ctx := context.Background()

	customer, err := c.ledger.GetAccount(ctx, rt.rec.CustomerID)
	if err != nil {
		c.logger.Printf("balance tick session_id=%s account_id=%s err=%v", rt.sessionID, rt.rec.CustomerID, err)
		return
	}
	provider, err := c.ledger.GetAccount(ctx, rt.rec.ProviderID)
	if err != nil {
		c.logger.Printf("balance tick session_id=%s account_id=%s err=%v", rt.sessionID, rt.rec.ProviderID, err)
		return
	}
	c.broadcaster.Broadcast(rt.sessionID, channel.Balances(customer.Balance, provider.Balance))
}
