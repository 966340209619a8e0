// Package notify keeps the signed-in user's notification feed current.
package notify

import (
	"strconv"
	"time"

	"github.com/matheus3301/campus/internal/gateway"
)

// Notification kinds with a dedicated destination.
const (
	KindCarpoolRequest = "carpool_request"
	KindErrandRequest  = "errand_request"
	KindHelpTicket     = "help_ticket"
)

type Notification struct {
	ID              string
	RecipientID     string
	Kind            string
	Title           string
	Message         string
	CreatedAt       time.Time
	Read            bool
	RelatedPostID   *string
	RelatedTicketID *string
}

// Destination is the front-end route opened when the notification is
// selected.
func (n Notification) Destination() string {
	switch n.Kind {
	case KindCarpoolRequest:
		return "/carpooling?tab=trips"
	case KindErrandRequest:
		return "/errands?tab=my-requests"
	case KindHelpTicket:
		return "/help?tab=active"
	}
	return "/home"
}

// BadgeText renders an unread count for a badge: empty for zero, "9+"
// above nine.
func BadgeText(n int) string {
	switch {
	case n <= 0:
		return ""
	case n > 9:
		return "9+"
	}
	return strconv.Itoa(n)
}

func fromRow(row gateway.Row) Notification {
	var n Notification
	n.ID, _ = row.String("id")
	n.RecipientID, _ = row.String("user_id")
	n.Kind, _ = row.String("type")
	n.Title, _ = row.String("title")
	n.Message, _ = row.String("message")
	n.CreatedAt, _ = row.Time("created_at")
	n.Read, _ = row.Bool("is_read")
	n.RelatedPostID = row.OptString("related_post_id")
	n.RelatedTicketID = row.OptString("related_ticket_id")
	return n
}

// unread counts notifications with Read false.
func unread(items []Notification) int {
	n := 0
	for _, it := range items {
		if !it.Read {
			n++
		}
	}
	return n
}
