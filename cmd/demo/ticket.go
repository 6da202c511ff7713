package main

import (
	"github.com/tenantry/eventbus/internal/event"
)

const TicketGrantedName = "ticket.granted"

// TicketGranted is recorded when tickets are added to an account's balance.
type TicketGranted struct {
	event.Base
	Amount int `json:"amount"`
}

func (TicketGranted) EventName() string {
	return TicketGrantedName
}

// TicketAccount is a minimal demo aggregate: its only business method mutates
// state and records the matching event in the same step.
type TicketAccount struct {
	event.AggregateRoot `json:"-"`

	ID      string `json:"id"`
	Balance int    `json:"balance"`
}

func (a *TicketAccount) AggregateID() string {
	return a.ID
}

func (a *TicketAccount) AggregateKind() string {
	return "ticket_account"
}

// Grant adds tickets to the balance and records a TicketGranted event.
func (a *TicketAccount) Grant(amount int) {
	a.Balance += amount
	a.Record(TicketGranted{
		Base:   event.NewBase(a.ID),
		Amount: amount,
	})
}
