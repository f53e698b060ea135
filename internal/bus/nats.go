package bus

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
)

const (
	SubjectAlertCreated      = "alert.created"
	SubjectAlertEscalated    = "alert.escalated"
	SubjectAlertAcknowledged = "alert.acknowledged"
	SubjectAlertResolved     = "alert.resolved"
	SubjectAlertClosed       = "alert.closed"
	SubjectAlertExhausted    = "alert.exhausted"
	SubjectDeliveryFailed    = "alert.delivery_failed"
	SubjectRuleCreated       = "rule.created"
	SubjectRuleUpdated       = "rule.updated"
	SubjectRuleDeleted       = "rule.deleted"
)

func InAppSubject(contactID string) string {
	return "notify.inapp." + contactID
}

type Publisher struct {
	Conn *nats.Conn
}

func NewPublisher(url string) (*Publisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Publisher{Conn: conn}, nil
}

func (p *Publisher) Close() {
	if p == nil || p.Conn == nil {
		return
	}
	p.Conn.Drain()
	p.Conn.Close()
}

// Publish is best-effort and nil-safe: without a connection it is a no-op,
// so lifecycle progress never gates on the bus.
func (p *Publisher) Publish(subject string, payload any) error {
	if p == nil || p.Conn == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.Conn.Publish(subject, data)
}
