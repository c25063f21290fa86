package rabbitmq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

type ackRecorder struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.acked = true
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple bool, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func TestDispatch(t *testing.T) {
	handlers := map[string]Handler{
		"ok":   func([]byte) bool { return true },
		"fail": func([]byte) bool { return false },
	}

	cases := []struct {
		name        string
		routingKey  string
		redelivered bool
		wantAck     bool
		wantRequeue bool
	}{
		{name: "handled", routingKey: "ok", wantAck: true},
		{name: "unknown routing key", routingKey: "other", wantAck: true},
		{name: "first failure requeues", routingKey: "fail", wantRequeue: true},
		{name: "failure on redelivery drops", routingKey: "fail", redelivered: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &ackRecorder{}
			dispatch(handlers, amqp.Delivery{Acknowledger: rec, RoutingKey: tc.routingKey, Redelivered: tc.redelivered})
			if rec.acked != tc.wantAck {
				t.Fatalf("expected acked=%t, got %t", tc.wantAck, rec.acked)
			}
			if !tc.wantAck && (!rec.nacked || rec.requeue != tc.wantRequeue) {
				t.Fatalf("expected nack with requeue=%t, got nacked=%t requeue=%t", tc.wantRequeue, rec.nacked, rec.requeue)
			}
		})
	}
}
