package notify

import (
	"context"

	"goa.design/clue/log"
)

// LogChannel is a Channel that records deliveries in the application log
// instead of pushing to devices. It is the default channel until a push
// provider is configured.
type LogChannel struct{}

// Deliver logs each message and reports it as delivered.
func (LogChannel) Deliver(ctx context.Context, msgs []Message) ([]DeliveryResult, error) {
	out := make([]DeliveryResult, len(msgs))
	for i, m := range msgs {
		log.Printf(ctx, "push delivery",
			log.KV{K: "token", V: m.Token},
			log.KV{K: "type", V: m.Data["type"]},
			log.KV{K: "event_id", V: m.Data["eventId"]})
		out[i] = DeliveryResult{Token: m.Token}
	}
	return out, nil
}
