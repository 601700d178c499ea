// Package engine drives the lifecycle of metered sessions. Each session
// gets a single actor goroutine that serializes every mutation, billing
// tick and monitor tick for that session, so lifecycle transitions never
// race each other.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"consultline.local/projects/engine/internal/channel"
	"consultline.local/projects/engine/internal/directory"
	"consultline.local/projects/engine/internal/dispatch"
	"consultline.local/projects/engine/internal/events"
	"consultline.local/projects/engine/internal/ledger"
	"consultline.local/projects/engine/internal/presence"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionEnded   = errors.New("session already ended")
	ErrNotParticipant = errors.New("not a session participant")
	ErrNotChatSession = errors.New("session does not accept messages")
	ErrChargeRejected = errors.New("charge rejected")
)

// Broadcaster delivers realtime messages to a session's connected
// participants. The websocket hub implements it; tests substitute a fake.
type Broadcaster interface {
	Broadcast(sessionID string, msg channel.Outbound)
	SendTo(sessionID, participantID string, msg channel.Outbound)
}

// Settings are the engine's timing and pricing knobs. Zero values fall
// back to production defaults; tests shrink the intervals.
type Settings struct {
	BillingInterval          time.Duration
	MonitorInterval          time.Duration
	BalanceBroadcastInterval time.Duration
	GhostTickThreshold       int
	DefaultCallPrice         decimal.Decimal
	DefaultChatPrice         decimal.Decimal
	ChatPriceMin             decimal.Decimal
	ChatPriceMax             decimal.Decimal
	LowBalanceThreshold      decimal.Decimal
	RejoinBuffer             time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.BillingInterval <= 0 {
		s.BillingInterval = 60 * time.Second
	}
	if s.MonitorInterval <= 0 {
		s.MonitorInterval = 60 * time.Second
	}
	if s.BalanceBroadcastInterval <= 0 {
		s.BalanceBroadcastInterval = 10 * time.Second
	}
	if s.GhostTickThreshold <= 0 {
		s.GhostTickThreshold = 2
	}
	if !s.DefaultCallPrice.IsPositive() {
		s.DefaultCallPrice = decimal.RequireFromString("1.00")
	}
	if !s.DefaultChatPrice.IsPositive() {
		s.DefaultChatPrice = decimal.RequireFromString("0.10")
	}
	if !s.ChatPriceMin.IsPositive() {
		s.ChatPriceMin = decimal.RequireFromString("0.01")
	}
	if !s.ChatPriceMax.IsPositive() {
		s.ChatPriceMax = decimal.RequireFromString("5.00")
	}
	if !s.LowBalanceThreshold.IsPositive() {
		s.LowBalanceThreshold = decimal.RequireFromString("5.00")
	}
	if s.RejoinBuffer <= 0 {
		s.RejoinBuffer = 5 * time.Minute
	}
	return s
}

// Handoff is the acceptance payload from the routing layer: a provider has
// accepted a customer's request and the engine takes over.
type Handoff struct {
	SessionID  string
	CustomerID string
	ProviderID string
	Mode       directory.Mode

	// UnitPrice overrides the platform default for this session; nil keeps
	// the default. Re-read on every charge so mid-session price edits take
	// effect on the next tick.
	UnitPrice *decimal.Decimal

	// Prepaid marks a calendar booking: the gross is held at acceptance and
	// settled once at session start.
	Prepaid       bool
	BookedMinutes int
}

type Controller struct {
	logger      *log.Logger
	settings    Settings
	ledger      ledger.Store
	directory   directory.Store
	presence    *presence.Tracker
	dispatcher  *dispatch.Dispatcher
	broadcaster Broadcaster
	registry    *registry
}

func NewController(logger *log.Logger, settings Settings, ledgerStore ledger.Store, directoryStore directory.Store, tracker *presence.Tracker, dispatcher *dispatch.Dispatcher, broadcaster Broadcaster) *Controller {
	return &Controller{
		logger:      logger,
		settings:    settings.withDefaults(),
		ledger:      ledgerStore,
		directory:   directoryStore,
		presence:    tracker,
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		registry:    newRegistry(),
	}
}

// Accept records the handoff and spawns the session's actor. For prepaid
// bookings the full gross is held from the customer before the session
// record exists, so an accepted booking is always funded.
func (c *Controller) Accept(ctx context.Context, h Handoff) (directory.Record, error) {
	rec := directory.Record{
		SessionID:     h.SessionID,
		CustomerID:    h.CustomerID,
		ProviderID:    h.ProviderID,
		Mode:          h.Mode,
		UnitPrice:     h.UnitPrice,
		Prepaid:       h.Prepaid,
		BookedMinutes: h.BookedMinutes,
	}

	var gross decimal.Decimal
	if h.Prepaid {
		gross = c.resolveUnitPrice(rec).Mul(decimal.NewFromInt(int64(h.BookedMinutes)))
		if err := c.ledger.HoldForBooking(ctx, h.SessionID, h.CustomerID, gross); err != nil {
			return directory.Record{}, fmt.Errorf("hold booking funds: %w", err)
		}
	}

	created, err := c.directory.Create(ctx, rec)
	if err != nil {
		if h.Prepaid {
			if _, rerr := c.ledger.Deposit(ctx, h.CustomerID, gross, ledger.KindRefund); rerr != nil {
				c.logger.Printf("refund after failed accept session_id=%s err=%v", h.SessionID, rerr)
			}
		}
		return directory.Record{}, fmt.Errorf("create session: %w", err)
	}

	c.ensureRuntime(created)
	c.logger.Printf("session accepted session_id=%s mode=%s prepaid=%t", created.SessionID, created.Mode, created.Prepaid)
	return created, nil
}

// Join attaches a connection to the session. When both participants are
// present and the customer can cover one unit, the session activates on
// its own. A join on an ended calendar booking inside the re-entry window
// reopens it.
func (c *Controller) Join(ctx context.Context, sessionID, participantID, connID string) error {
	if _, ok := c.registry.get(sessionID); !ok {
		if err := c.reviveSession(ctx, sessionID); err != nil {
			return err
		}
	}

	return c.do(sessionID, func(rt *runtime) error {
		if rt.ended {
			return ErrSessionEnded
		}
		if err := c.presence.Join(sessionID, participantID, connID); err != nil {
			if errors.Is(err, presence.ErrUnknownParticipant) {
				return ErrNotParticipant
			}
			return err
		}
		count := c.presence.EffectiveCount(sessionID)
		c.broadcaster.Broadcast(sessionID, channel.Presence(count))
		rt.ghostTicks = 0

		if count == 2 {
			switch rt.rec.Status {
			case directory.StatusAccepted:
				c.tryAutoActivate(ctx, rt)
			case directory.StatusActive:
				// A session revived from the directory (restart, reopen) is
				// active on record but its clocks live only in the runtime.
				c.armTickers(rt)
			}
		}
		return nil
	})
}

// reviveSession builds a runtime for a session the registry has never seen
// or has already torn down: an accepted session after a restart, an active
// session being resumed, or an ended calendar booking inside its re-entry
// window.
func (c *Controller) reviveSession(ctx context.Context, sessionID string) error {
	rec, err := c.directory.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return ErrUnknownSession
		}
		return fmt.Errorf("load session: %w", err)
	}

	if rec.Status == directory.StatusEnded {
		if !c.rejoinWindowOpen(rec, time.Now().UTC()) {
			return ErrSessionEnded
		}
		reopened, rerr := c.directory.Reopen(ctx, sessionID)
		switch {
		case rerr == nil:
			c.logger.Printf("session reopened session_id=%s", sessionID)
			rec = reopened
		case errors.Is(rerr, directory.ErrNotEnded):
			// A concurrent join won the reopen; use the fresh record.
			refreshed, gerr := c.directory.Get(ctx, sessionID)
			if gerr != nil {
				return fmt.Errorf("load reopened session: %w", gerr)
			}
			rec = refreshed
		default:
			return fmt.Errorf("reopen session: %w", rerr)
		}
	}

	c.ensureRuntime(rec)
	return nil
}

// rejoinWindowOpen reports whether an ended calendar booking may still be
// re-entered: the booked duration plus a buffer, counted from the original
// start. Pay-as-you-go sessions never reopen.
func (c *Controller) rejoinWindowOpen(rec directory.Record, now time.Time) bool {
	if !rec.Prepaid || rec.StartedAt == nil {
		return false
	}
	deadline := rec.StartedAt.Add(time.Duration(rec.BookedMinutes)*time.Minute + c.settings.RejoinBuffer)
	return now.Before(deadline)
}

// Leave detaches one connection. The session keeps running; only the
// abandonment monitor ends a session nobody returns to.
func (c *Controller) Leave(connID string) {
	sessionID, ok := c.presence.Leave(connID)
	if !ok {
		return
	}
	rt, exists := c.registry.get(sessionID)
	if !exists {
		return
	}
	rt.post(func() {
		if rt.ended {
			return
		}
		c.broadcaster.Broadcast(sessionID, channel.Presence(c.presence.EffectiveCount(sessionID)))
	})
}

// StartBilling activates the session on a participant's explicit request,
// without waiting for both sides to connect.
func (c *Controller) StartBilling(ctx context.Context, sessionID, participantID string) error {
	return c.do(sessionID, func(rt *runtime) error {
		if rt.ended {
			return ErrSessionEnded
		}
		if !isParticipant(rt.rec, participantID) {
			return ErrNotParticipant
		}
		if rt.rec.Status == directory.StatusActive {
			// Already active on record, but a revived runtime may still be
			// missing its clocks.
			c.armTickers(rt)
			return nil
		}
		return c.activate(ctx, rt)
	})
}

// SendMessage routes a chat message through the session actor. Customer
// messages are charged before delivery; provider messages are free.
func (c *Controller) SendMessage(ctx context.Context, sessionID, participantID, body string) error {
	return c.do(sessionID, func(rt *runtime) error {
		return c.handleMessage(ctx, rt, participantID, body)
	})
}

// End terminates the session on behalf of a participant. Ending an
// already-ended session is a no-op. A durable record without a runtime
// (a restart gap) is revived so the explicit end still lands.
func (c *Controller) End(ctx context.Context, sessionID, participantID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		err := c.do(sessionID, func(rt *runtime) error {
			if rt.ended {
				return nil
			}
			if !isParticipant(rt.rec, participantID) {
				return ErrNotParticipant
			}
			c.terminate(ctx, rt, directory.EndReasonExplicit)
			return nil
		})
		switch {
		case errors.Is(err, ErrSessionEnded):
			return nil
		case errors.Is(err, ErrUnknownSession):
			rec, derr := c.directory.Get(ctx, sessionID)
			if derr != nil {
				if errors.Is(derr, directory.ErrNotFound) {
					return ErrUnknownSession
				}
				return fmt.Errorf("load session: %w", derr)
			}
			if rec.Status == directory.StatusEnded {
				return nil
			}
			if !isParticipant(rec, participantID) {
				return ErrNotParticipant
			}
			c.ensureRuntime(rec)
		default:
			return err
		}
	}
	// Runtimes kept vanishing between revive and command, which only
	// happens when the session is being torn down concurrently.
	return nil
}

// Resume spawns runtimes for every session still open in the directory
// when the process stopped, accepted and active alike, re-arming only the
// abandonment monitor. Billing does not restart on its own; a resumed
// session only bills again after participants reconnect, so a crash can
// never charge for dead air.
func (c *Controller) Resume(ctx context.Context) error {
	recs, err := c.directory.OpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("load open sessions: %w", err)
	}
	for _, rec := range recs {
		c.ensureRuntime(rec)
		c.logger.Printf("session resumed session_id=%s mode=%s status=%s", rec.SessionID, rec.Mode, rec.Status)
	}
	return nil
}

// Session returns the directory record.
func (c *Controller) Session(ctx context.Context, sessionID string) (directory.Record, error) {
	rec, err := c.directory.Get(ctx, sessionID)
	if errors.Is(err, directory.ErrNotFound) {
		return directory.Record{}, ErrUnknownSession
	}
	return rec, err
}

// ensureRuntime registers presence identities and spawns the actor if one
// is not already running. The abandonment monitor is armed from the first
// moment, so an accepted handoff nobody ever joins is reaped too; the
// balance ticker only matters once the session is active.
func (c *Controller) ensureRuntime(rec directory.Record) *runtime {
	c.presence.Register(rec.SessionID, rec.CustomerID, rec.ProviderID)
	init := func(rt *runtime) {
		rt.monitorTicker = time.NewTicker(c.settings.MonitorInterval)
		if rt.rec.Status == directory.StatusActive {
			rt.unitPrice = c.resolveUnitPrice(rt.rec)
			rt.balanceTicker = time.NewTicker(c.settings.BalanceBroadcastInterval)
		}
	}
	return c.registry.start(rec, init, c.runSession)
}

// runSession is the actor loop. Every command and tick runs here, one at a
// time; after each one the loop checks for termination and tears the
// runtime down exactly once.
func (c *Controller) runSession(rt *runtime) {
	for {
		select {
		case cmd := <-rt.cmds:
			cmd()
		case <-tickerC(rt.billTicker):
			c.billingTick(rt)
		case <-tickerC(rt.monitorTicker):
			c.monitorTick(rt)
		case <-tickerC(rt.balanceTicker):
			c.balanceTick(rt)
		}
		if rt.ended {
			close(rt.stopped)
			c.registry.remove(rt.sessionID)
			return
		}
	}
}

// do runs fn on the session's actor goroutine and waits for its result.
// Once the actor has stopped, queued commands never run, so waiting
// callers are released with ErrSessionEnded.
func (c *Controller) do(sessionID string, fn func(*runtime) error) error {
	rt, ok := c.registry.get(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	errc := make(chan error, 1)
	select {
	case rt.cmds <- func() { errc <- fn(rt) }:
	case <-rt.stopped:
		return ErrSessionEnded
	}

	select {
	case err := <-errc:
		return err
	case <-rt.stopped:
		// The command may have been the one that stopped the session; its
		// result, if any, is already buffered.
		select {
		case err := <-errc:
			return err
		default:
			return ErrSessionEnded
		}
	}
}

// tryAutoActivate starts the session when both sides are present, but for
// pay-as-you-go calls only if the customer can cover the first unit.
// Activating a customer who cannot pay one tick would end the session
// immediately with a charge attempt on record.
func (c *Controller) tryAutoActivate(ctx context.Context, rt *runtime) {
	if rt.rec.Mode.IsCall() && !rt.rec.Prepaid {
		price := c.resolveUnitPrice(rt.rec)
		account, err := c.ledger.GetAccount(ctx, rt.rec.CustomerID)
		if err != nil {
			c.logger.Printf("auto-activate balance check session_id=%s err=%v", rt.sessionID, err)
			return
		}
		if account.Balance.LessThan(price) {
			c.broadcaster.SendTo(rt.sessionID, rt.rec.CustomerID, channel.ChargeRejected("insufficient_credits"))
			return
		}
	}
	if err := c.activate(ctx, rt); err != nil {
		c.logger.Printf("auto-activate session_id=%s err=%v", rt.sessionID, err)
	}
}

// activate moves the session to active, settles a prepaid hold, flags the
// provider busy and arms the session's tickers. Runs on the actor.
func (c *Controller) activate(ctx context.Context, rt *runtime) error {
	rec, err := c.directory.MarkStarted(ctx, rt.sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	rt.rec = rec
	rt.unitPrice = c.resolveUnitPrice(rec)

	if rec.Prepaid {
		res, serr := c.ledger.SettleBookingHold(ctx, rt.sessionID, rec.CustomerID, rec.ProviderID)
		switch {
		case serr == nil:
			c.broadcaster.Broadcast(rt.sessionID, channel.Balances(res.CustomerBalance, res.ProviderBalance))
		case errors.Is(serr, ledger.ErrHoldNotFound):
			// Already settled on a previous activation of this booking.
		default:
			c.logger.Printf("settle booking hold session_id=%s err=%v", rt.sessionID, serr)
		}
	}

	if err := c.directory.SetProviderBusy(ctx, rec.ProviderID, true); err != nil {
		c.logger.Printf("set provider busy session_id=%s provider_id=%s err=%v", rt.sessionID, rec.ProviderID, err)
	}

	c.armTickers(rt)

	c.logger.Printf("session started session_id=%s mode=%s unit_price=%s", rt.sessionID, rec.Mode, rt.unitPrice.StringFixed(2))
	c.dispatcher.Dispatch(ctx, events.New(events.TypeSessionStarted, rt.sessionID, map[string]any{
		"mode":        string(rec.Mode),
		"customer_id": rec.CustomerID,
		"provider_id": rec.ProviderID,
	}))
	return nil
}

// armTickers starts whichever of the session's clocks are not running yet.
// Idempotent; runs on the actor. Prepaid calls were paid up front and chat
// bills per message, so only pay-as-you-go calls get the metering clock.
func (c *Controller) armTickers(rt *runtime) {
	if rt.rec.Mode.IsCall() && !rt.rec.Prepaid && rt.billTicker == nil {
		rt.billTicker = time.NewTicker(c.settings.BillingInterval)
	}
	if rt.monitorTicker == nil {
		rt.monitorTicker = time.NewTicker(c.settings.MonitorInterval)
	}
	if rt.balanceTicker == nil {
		rt.balanceTicker = time.NewTicker(c.settings.BalanceBroadcastInterval)
	}
	if rt.unitPrice.IsZero() {
		rt.unitPrice = c.resolveUnitPrice(rt.rec)
	}
}

// terminate is the single exit path for a session. First caller wins; the
// end transition, the final broadcast and the ended event each happen once
// no matter how many triggers fire.
func (c *Controller) terminate(ctx context.Context, rt *runtime, reason directory.EndReason) {
	if rt.ended {
		return
	}
	rt.ended = true
	rt.stopTickers()

	if _, err := c.directory.MarkEnded(ctx, rt.sessionID, reason, time.Now().UTC()); err != nil && !errors.Is(err, directory.ErrSessionEnded) {
		c.logger.Printf("mark ended session_id=%s err=%v", rt.sessionID, err)
	}

	rec := rt.rec
	stillBusy, err := c.directory.ProviderHasActiveSession(ctx, rec.ProviderID, rt.sessionID)
	if err != nil {
		c.logger.Printf("provider busy check session_id=%s err=%v", rt.sessionID, err)
	} else if !stillBusy {
		if err := c.directory.SetProviderBusy(ctx, rec.ProviderID, false); err != nil {
			c.logger.Printf("clear provider busy provider_id=%s err=%v", rec.ProviderID, err)
		}
	}

	c.broadcaster.Broadcast(rt.sessionID, channel.SessionEnded(string(reason)))
	c.dispatcher.Dispatch(ctx, events.New(events.TypeSessionEnded, rt.sessionID, map[string]any{
		"reason":      string(reason),
		"customer_id": rec.CustomerID,
		"provider_id": rec.ProviderID,
	}))
	c.presence.Drop(rt.sessionID)
	c.logger.Printf("session ended session_id=%s reason=%s", rt.sessionID, reason)
}

func isParticipant(rec directory.Record, participantID string) bool {
	return participantID == rec.CustomerID || participantID == rec.ProviderID
}
