package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"consultline.local/projects/engine/internal/channel"
	"consultline.local/projects/engine/internal/directory"
	"consultline.local/projects/engine/internal/ledger"
)

// handleMessage bills and delivers one chat message. Customer messages are
// charged before delivery; a rejected charge drops the message but keeps
// the session alive unless the balance is fully drained. Provider messages
// are never charged. Runs on the actor.
func (c *Controller) handleMessage(ctx context.Context, rt *runtime, from, body string) error {
	if rt.ended {
		return ErrSessionEnded
	}
	if rt.rec.Mode != directory.ModeChat {
		return ErrNotChatSession
	}
	if !isParticipant(rt.rec, from) {
		return ErrNotParticipant
	}
	if strings.TrimSpace(body) == "" {
		return nil
	}

	if rt.rec.Status != directory.StatusActive {
		if err := c.activate(ctx, rt); err != nil {
			return err
		}
	}

	if from == rt.rec.ProviderID || rt.rec.Prepaid {
		c.broadcaster.Broadcast(rt.sessionID, channel.ChatMessage(from, body))
		return nil
	}

	price := c.resolveUnitPrice(rt.rec)
	res, err := c.ledger.ChargeSplit(ctx, rt.sessionID, rt.rec.CustomerID, rt.rec.ProviderID, price)
	if err != nil {
		c.broadcaster.SendTo(rt.sessionID, rt.rec.CustomerID, channel.ChargeRejected("insufficient_credits"))
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			// A short balance only rejects the message. The session ends
			// when there is nothing left at all.
			account, aerr := c.ledger.GetAccount(ctx, rt.rec.CustomerID)
			if aerr == nil && account.Balance.LessThanOrEqual(decimal.Zero) {
				c.terminate(ctx, rt, directory.EndReasonInsufficientCredits)
			}
		} else {
			c.logger.Printf("message charge failed session_id=%s err=%v", rt.sessionID, err)
		}
		return ErrChargeRejected
	}

	c.broadcaster.Broadcast(rt.sessionID, channel.ChatMessage(from, body))
	c.afterCharge(ctx, rt, res)
	return nil
}
