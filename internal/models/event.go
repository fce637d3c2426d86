package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventSource identifies the cloud service family that emitted an event.
type EventSource string

const (
	SourceEC2    EventSource = "ec2"
	SourceRDS    EventSource = "rds"
	SourceLambda EventSource = "lambda"
	SourceConfig EventSource = "config"
	SourceOther  EventSource = "other"
)

// Valid reports whether the source is one the engine can classify.
func (s EventSource) Valid() bool {
	switch s {
	case SourceEC2, SourceRDS, SourceLambda, SourceConfig, SourceOther:
		return true
	}
	return false
}

// ParseEventSource normalises a raw source string such as "aws.ec2" or "EC2".
func ParseEventSource(raw string) (EventSource, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.TrimPrefix(value, "aws.")
	src := EventSource(value)
	if !src.Valid() {
		return "", fmt.Errorf("unsupported event source %q", raw)
	}
	return src, nil
}

// RegionalContext is attached by a regional forwarder when the event did not
// originate in the primary region. It is metadata only.
type RegionalContext struct {
	OriginRegion string    `json:"originRegion"`
	ForwardedAt  time.Time `json:"forwardedAt"`
}

// Event is a normalised cloud change or failure notification.
type Event struct {
	Source          EventSource      `json:"source"`
	EventName       string           `json:"eventName"`
	Timestamp       time.Time        `json:"timestamp"`
	ResourceType    string           `json:"resourceType"`
	ResourceID      string           `json:"resourceId"`
	ActorIdentity   string           `json:"actorIdentity"`
	Payload         map[string]any   `json:"payload,omitempty"`
	RegionalContext *RegionalContext `json:"regionalContext,omitempty"`
}

// ResourceKey returns the cooldown and history key for the event's resource.
func (e Event) ResourceKey() string {
	return ResourceKey(e.ResourceType, e.ResourceID)
}

// ResourceKey joins a resource type and identifier as resourceType#resourceId.
func ResourceKey(resourceType, resourceID string) string {
	return resourceType + "#" + resourceID
}

// Clone returns a copy whose payload map is not shared with the receiver.
func (e Event) Clone() Event {
	out := e
	if e.Payload != nil {
		out.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			out.Payload[k] = v
		}
	}
	if e.RegionalContext != nil {
		rc := *e.RegionalContext
		out.RegionalContext = &rc
	}
	return out
}

// DecodeEvent parses a JSON event and normalises its source. An unrecognised
// source is kept verbatim so triage rejects it on the record.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if src, err := ParseEventSource(string(ev.Source)); err == nil {
		ev.Source = src
	}
	return ev, nil
}
