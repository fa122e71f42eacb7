package journal

import (
	"errors"
	"testing"
)

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.Subscribe("*", "*", func(e Event) error {
		order = append(order, "first")
		return nil
	})
	bus.Subscribe("*", "*", func(e Event) error {
		order = append(order, "second")
		return nil
	})

	bus.Publish("dep-1", EventTypePhaseChanged, nil)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("unexpected delivery order: %v", order)
	}
}

func TestSubscribePatternFiltering(t *testing.T) {
	bus := NewBus(nil)

	var got []string
	bus.Subscribe("dep-1", EventTypePhaseChanged, func(e Event) error {
		got = append(got, e.DeploymentID+"/"+e.Type)
		return nil
	})

	bus.Publish("dep-1", EventTypePhaseChanged, nil)
	bus.Publish("dep-2", EventTypePhaseChanged, nil)
	bus.Publish("dep-1", EventTypeAlertFired, nil)

	if len(got) != 1 || got[0] != "dep-1/phase_changed" {
		t.Errorf("expected only the matching event, got %v", got)
	}
}

func TestSubscribeWildcardPatterns(t *testing.T) {
	bus := NewBus(nil)

	var count int
	bus.Subscribe("dep-*", "phase_*", func(e Event) error {
		count++
		return nil
	})

	bus.Publish("dep-1", EventTypePhaseChanged, nil)
	bus.Publish("dep-2", EventTypePhaseChanged, nil)
	bus.Publish("other", EventTypePhaseChanged, nil)
	bus.Publish("dep-1", EventTypeAlertFired, nil)

	if count != 2 {
		t.Errorf("expected 2 wildcard matches, got %d", count)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(nil)

	var count int
	id := bus.Subscribe("*", "*", func(e Event) error {
		count++
		return nil
	})

	bus.Publish("dep-1", EventTypePhaseChanged, nil)
	bus.Unsubscribe(id)
	bus.Publish("dep-1", EventTypePhaseChanged, nil)

	if count != 1 {
		t.Errorf("expected 1 delivery after unsubscribe, got %d", count)
	}
}

func TestFailingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(nil)

	var delivered bool
	bus.Subscribe("*", "*", func(e Event) error {
		return errors.New("handler exploded")
	})
	bus.Subscribe("*", "*", func(e Event) error {
		delivered = true
		return nil
	})

	bus.Publish("dep-1", EventTypePhaseChanged, nil)

	if !delivered {
		t.Error("expected delivery to continue past a failing handler")
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	bus := NewBus(nil)

	var delivered bool
	bus.Subscribe("*", "*", func(e Event) error {
		panic("handler panic")
	})
	bus.Subscribe("*", "*", func(e Event) error {
		delivered = true
		return nil
	})

	bus.Publish("dep-1", EventTypePhaseChanged, nil)

	if !delivered {
		t.Error("expected delivery to continue past a panicking handler")
	}
}

func TestEventCarriesPayload(t *testing.T) {
	bus := NewBus(nil)

	var got Event
	bus.Subscribe("*", "*", func(e Event) error {
		got = e
		return nil
	})

	bus.Publish("dep-1", EventTypePhaseChanged, map[string]interface{}{
		"from": "validating",
		"to":   "preparing",
	})

	if got.ID == "" {
		t.Error("expected event id to be assigned")
	}
	if got.Timestamp.IsZero() {
		t.Error("expected event timestamp to be set")
	}
	if got.Payload["from"] != "validating" || got.Payload["to"] != "preparing" {
		t.Errorf("unexpected payload: %v", got.Payload)
	}
}
