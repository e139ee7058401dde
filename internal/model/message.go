package model

import (
	"strings"
	"time"
)

// Message is a record in a conversation's messages sub-collection.
// Text, From and TS are immutable after creation; Seen only moves false -> true.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	From           string    `json:"from"`
	TS             time.Time `json:"ts"`
	Seen           bool      `json:"seen"`
}

// Cursor positions a page boundary in newest-first order.
type Cursor struct {
	TS time.Time `json:"ts"`
	ID string    `json:"id"`
}

// Cursor returns the pagination cursor for m.
func (m Message) Cursor() Cursor {
	return Cursor{TS: m.TS, ID: m.ID}
}

// UnseenFrom reports whether m was authored by from and is still unseen.
func (m Message) UnseenFrom(from string) bool {
	return m.From == from && !m.Seen
}

// Receipt is the delivery indicator shown on a message.
type Receipt string

const (
	ReceiptNone Receipt = ""
	ReceiptSent Receipt = "sent"
	ReceiptSeen Receipt = "seen"
)

// Receipt returns the indicator for m as rendered to self. Only outgoing
// messages carry one.
func (m Message) Receipt(self string) Receipt {
	if m.From != self {
		return ReceiptNone
	}
	if m.Seen {
		return ReceiptSeen
	}
	return ReceiptSent
}

// CompareNewestFirst orders by TS descending, then ID descending.
func CompareNewestFirst(a, b Message) int {
	if c := b.TS.Compare(a.TS); c != 0 {
		return c
	}
	return strings.Compare(b.ID, a.ID)
}

// OlderThan reports whether m sorts strictly after c in newest-first order.
func (m Message) OlderThan(c Cursor) bool {
	if !m.TS.Equal(c.TS) {
		return m.TS.Before(c.TS)
	}
	return m.ID < c.ID
}

// CountUnseenFrom counts messages authored by from that are not yet seen.
func CountUnseenFrom(msgs []Message, from string) int {
	n := 0
	for _, m := range msgs {
		if m.UnseenFrom(from) {
			n++
		}
	}
	return n
}
