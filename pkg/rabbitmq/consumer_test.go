package rabbitmq

import (
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/transfa/crowdfund-service/internal/domain"
)

type ackRecorder struct {
	acked    int
	requeued int
	rejected int
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.acked++
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple bool, requeue bool) error {
	if requeue {
		a.requeued++
	} else {
		a.rejected++
	}
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	if requeue {
		a.requeued++
	} else {
		a.rejected++
	}
	return nil
}

func newTestConsumer() *Consumer {
	logger, _ := test.NewNullLogger()
	return &Consumer{logger: logger}
}

func contributionBody(t *testing.T, event domain.ContributedEvent) []byte {
	t.Helper()
	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func TestConsumerSettle(t *testing.T) {
	valid := domain.ContributedEvent{EventID: "evt-1", CampaignID: 3, Contributor: "backer", Amount: 25}

	tests := []struct {
		name        string
		routingKey  string
		body        []byte
		redelivered bool
		verdict     Verdict
		wantVerdict Verdict
		wantCalled  bool
		want        ackRecorder
	}{
		{name: "applied", routingKey: domain.EventCampaignContributed, body: contributionBody(t, valid), verdict: Ack, wantVerdict: Ack, wantCalled: true, want: ackRecorder{acked: 1}},
		{name: "retry first delivery", routingKey: domain.EventCampaignContributed, body: contributionBody(t, valid), verdict: Retry, wantVerdict: Retry, wantCalled: true, want: ackRecorder{requeued: 1}},
		{name: "retry after redelivery", routingKey: domain.EventCampaignContributed, body: contributionBody(t, valid), redelivered: true, verdict: Retry, wantVerdict: Discard, wantCalled: true, want: ackRecorder{rejected: 1}},
		{name: "malformed json", routingKey: domain.EventCampaignContributed, body: []byte("{nope"), wantVerdict: Discard, want: ackRecorder{rejected: 1}},
		{name: "missing amount", routingKey: domain.EventCampaignContributed, body: contributionBody(t, domain.ContributedEvent{EventID: "evt-2", Contributor: "x"}), wantVerdict: Discard, want: ackRecorder{rejected: 1}},
		{name: "foreign routing key", routingKey: domain.EventCampaignRefunded, body: contributionBody(t, valid), wantVerdict: Discard, want: ackRecorder{rejected: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acks := &ackRecorder{}
			called := false
			var got domain.ContributedEvent
			handle := func(event domain.ContributedEvent) Verdict {
				called = true
				got = event
				return tt.verdict
			}

			verdict := newTestConsumer().settle(amqp.Delivery{
				Acknowledger: acks,
				DeliveryTag:  7,
				RoutingKey:   tt.routingKey,
				Body:         tt.body,
				Redelivered:  tt.redelivered,
			}, handle)

			if verdict != tt.wantVerdict {
				t.Fatalf("expected verdict %s, got %s", tt.wantVerdict, verdict)
			}
			if called != tt.wantCalled {
				t.Fatalf("expected handler called=%t, got %t", tt.wantCalled, called)
			}
			if called && (got.EventID != valid.EventID || got.CampaignID != valid.CampaignID || got.Contributor != valid.Contributor || got.Amount != valid.Amount) {
				t.Fatalf("expected decoded event %+v, got %+v", valid, got)
			}
			if *acks != tt.want {
				t.Fatalf("expected settlement %+v, got %+v", tt.want, *acks)
			}
		})
	}
}
