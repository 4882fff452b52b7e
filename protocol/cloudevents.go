package protocol

import (
	"time"

	"github.com/google/uuid"
)

// CloudEvent is the optional metadata envelope a telemetry sender may attach
// to an outgoing message (spec.md §6). Only fields the caller sets are
// stamped; ID and Time are defaulted if left empty.
type CloudEvent struct {
	ID              string
	Source          string
	Type            string
	Subject         string
	Time            time.Time
	DataContentType string
	DataSchema      string
}

// applyDefaults fills ID and Time with a fresh UUID and the current wall
// time when the caller left them empty, per spec.md §6.
func (ce CloudEvent) applyDefaults(now func() time.Time) CloudEvent {
	if ce.ID == "" {
		ce.ID = uuid.New().String()
	}
	if ce.Time.IsZero() {
		ce.Time = now()
	}
	return ce
}

// stampUserProperties writes the CloudEvents fields into props as MQTT5 user
// properties, per spec.md §6's mapping table.
func (ce CloudEvent) stampUserProperties(props map[string]string) {
	props[CEHeaderSpecVersion] = CloudEventsSpecVersion
	props[CEHeaderID] = ce.ID
	if ce.Source != "" {
		props[CEHeaderSource] = ce.Source
	}
	if ce.Type != "" {
		props[CEHeaderType] = ce.Type
	}
	if ce.Subject != "" {
		props[CEHeaderSubject] = ce.Subject
	}
	props[CEHeaderTime] = ce.Time.UTC().Format(time.RFC3339Nano)
	if ce.DataContentType != "" {
		props[CEHeaderDataContentType] = ce.DataContentType
	}
	if ce.DataSchema != "" {
		props[CEHeaderDataSchema] = ce.DataSchema
	}
}

// parseCloudEvent reconstructs a CloudEvent from inbound user properties. ok
// is false if neither the id nor the specversion field is present (a sender
// that attaches an envelope always stamps both).
func parseCloudEvent(props map[string]string) (CloudEvent, bool) {
	if props == nil {
		return CloudEvent{}, false
	}
	id, hasID := props[CEHeaderID]
	specVersion, hasSpec := props[CEHeaderSpecVersion]
	if !hasID && !hasSpec {
		return CloudEvent{}, false
	}
	ce := CloudEvent{
		ID:              id,
		Source:          props[CEHeaderSource],
		Type:            props[CEHeaderType],
		Subject:         props[CEHeaderSubject],
		DataContentType: props[CEHeaderDataContentType],
		DataSchema:      props[CEHeaderDataSchema],
	}
	if ts, ok := props[CEHeaderTime]; ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ce.Time = t
		}
	}
	_ = specVersion
	return ce, true
}
