// Package channel carries the realtime wire protocol: the messages
// exchanged over a session's websocket and the hub that fans them out.
package channel

import "github.com/shopspring/decimal"

const (
	TypePresence       = "presence"
	TypeBalances       = "balances"
	TypeMessage        = "message"
	TypeChargeRejected = "chargeRejected"
	TypeSessionEnded   = "sessionEnded"
	TypeError          = "error"
)

const (
	ActionJoinSession  = "joinSession"
	ActionStartBilling = "startBilling"
	ActionSendMessage  = "sendMessage"
	ActionEndSession   = "endSession"
)

type Outbound struct {
	Type            string `json:"type"`
	Count           int    `json:"count,omitempty"`
	CustomerBalance string `json:"customer_balance,omitempty"`
	ProviderBalance string `json:"provider_balance,omitempty"`
	From            string `json:"from,omitempty"`
	Body            string `json:"body,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Message         string `json:"message,omitempty"`
}

type Inbound struct {
	Action string `json:"action"`
	Body   string `json:"body,omitempty"`
}

func Presence(count int) Outbound {
	return Outbound{Type: TypePresence, Count: count}
}

func Balances(customer, provider decimal.Decimal) Outbound {
	return Outbound{
		Type:            TypeBalances,
		CustomerBalance: customer.StringFixed(2),
		ProviderBalance: provider.StringFixed(2),
	}
}

func ChatMessage(from, body string) Outbound {
	return Outbound{Type: TypeMessage, From: from, Body: body}
}

func ChargeRejected(reason string) Outbound {
	return Outbound{Type: TypeChargeRejected, Reason: reason}
}

func SessionEnded(reason string) Outbound {
	return Outbound{Type: TypeSessionEnded, Reason: reason}
}

func Error(message string) Outbound {
	return Outbound{Type: TypeError, Message: message}
}
