package app

import (
	"context"
	"log"
	"strings"

	"github.com/federation/bank-service/pkg/rabbitmq"
	"github.com/google/uuid"
)

// newID returns "<prefix>-<12 hex chars>".
func newID(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// publish emits an event after the state change it describes has committed. Broker
// failures are logged and never undo the committed change.
func publish(ctx context.Context, producer rabbitmq.Publisher, exchange, routingKey string, body interface{}) {
	if producer == nil || exchange == "" {
		return
	}
	if err := producer.Publish(ctx, exchange, routingKey, body); err != nil {
		log.Printf("level=warn component=events msg=\"publish failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
	}
}
