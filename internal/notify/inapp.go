package notify

import (
	"context"
	"errors"

	"pulsewatch-backend/internal/bus"
)

// InAppNotifier delivers by publishing on the contact's in-app subject.
type InAppNotifier struct {
	Bus *bus.Publisher
}

func NewInAppNotifier(b *bus.Publisher) *InAppNotifier {
	return &InAppNotifier{Bus: b}
}

func (n *InAppNotifier) Send(ctx context.Context, target Target, msg Message) error {
	if n.Bus == nil || n.Bus.Conn == nil {
		return errors.New("inapp: bus not connected")
	}
	return n.Bus.Publish(bus.InAppSubject(target.Contact.ID), msg)
}
