package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/soullab/kernel-gateway/core/infra/bus"
	"github.com/soullab/kernel-gateway/core/infra/logging"
	"github.com/soullab/kernel-gateway/core/memory"
)

// eventBus is the slice of bus.NatsBus the gateway uses.
type eventBus interface {
	PublishJSON(subject string, v any) error
	Subscribe(subject string, handler func(subject string, data []byte) error) error
}

// busNotifier publishes memory events instead of delivering them locally.
type busNotifier struct {
	bus eventBus
}

func newBusNotifier(b eventBus) *busNotifier {
	return &busNotifier{bus: b}
}

func (n *busNotifier) Notify(evt memory.Event) {
	subject := subjectForEvent(evt)
	if err := n.bus.PublishJSON(subject, evt); err != nil {
		logging.Warn("gateway", "memory event publish failed", "subject", subject, "error", err)
	}
}

func subjectForEvent(evt memory.Event) string {
	if evt.Type == memory.EventDeleted {
		return bus.SubjectMemoryDeleted
	}
	return bus.SubjectMemorySaved
}

// subscribeMemoryEvents feeds every memory event on the bus to n.
func subscribeMemoryEvents(b eventBus, n memory.Notifier) error {
	return b.Subscribe(bus.SubjectMemoryAll, func(subject string, data []byte) error {
		var evt memory.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return fmt.Errorf("decode memory event on %s: %w", subject, err)
		}
		n.Notify(evt)
		return nil
	})
}
