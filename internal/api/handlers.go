package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-responder/internal/models"
)

// DefaultListWindow is the lookback used when a list request omits "from".
const DefaultListWindow = 24 * time.Hour

// ListRequest selects stored incidents of one resource.
type ListRequest struct {
	ResourceKey string
	From        time.Time
	To          time.Time
}

// FromProtoEvent maps a SubmitEvent request document onto a domain Event.
func FromProtoEvent(req *structpb.Struct) (models.Event, error) {
	if req == nil {
		return models.Event{}, fmt.Errorf("request is nil")
	}
	data, err := protojson.Marshal(req)
	if err != nil {
		return models.Event{}, fmt.Errorf("encode request: %w", err)
	}
	ev, err := models.DecodeEvent(data)
	if err != nil {
		return models.Event{}, err
	}

	var missing []string
	if ev.Source == "" {
		missing = append(missing, "source")
	}
	if strings.TrimSpace(ev.EventName) == "" {
		missing = append(missing, "eventName")
	}
	if strings.TrimSpace(ev.ResourceType) == "" {
		missing = append(missing, "resourceType")
	}
	if strings.TrimSpace(ev.ResourceID) == "" {
		missing = append(missing, "resourceId")
	}
	if ev.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return models.Event{}, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return ev, nil
}

// CorrelationIDFromProto extracts the correlationId of a GetIncident request.
func CorrelationIDFromProto(req *structpb.Struct) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is nil")
	}
	id := strings.TrimSpace(req.GetFields()["correlationId"].GetStringValue())
	if id == "" {
		return "", fmt.Errorf("correlationId is required")
	}
	return id, nil
}

// FromProtoListRequest maps a ListResourceIncidents request. The resource is
// given either as resourceKey or as resourceType plus resourceId; the window
// defaults to the DefaultListWindow ending at now.
func FromProtoListRequest(req *structpb.Struct, now time.Time) (ListRequest, error) {
	if req == nil {
		return ListRequest{}, fmt.Errorf("request is nil")
	}
	fields := req.GetFields()
	str := func(name string) string {
		return strings.TrimSpace(fields[name].GetStringValue())
	}

	key := str("resourceKey")
	if key == "" {
		resourceType, resourceID := str("resourceType"), str("resourceId")
		if resourceType == "" || resourceID == "" {
			return ListRequest{}, fmt.Errorf("resourceKey or resourceType and resourceId are required")
		}
		key = models.ResourceKey(resourceType, resourceID)
	}

	out := ListRequest{ResourceKey: key, To: now.UTC()}
	if raw := str("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return ListRequest{}, fmt.Errorf("to: %w", err)
		}
		out.To = to.UTC()
	}
	out.From = out.To.Add(-DefaultListWindow)
	if raw := str("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return ListRequest{}, fmt.Errorf("from: %w", err)
		}
		out.From = from.UTC()
	}
	if out.From.After(out.To) {
		return ListRequest{}, fmt.Errorf("from must not be after to")
	}
	return out, nil
}

// SubmitResponse wraps the incident produced for a submitted event.
func SubmitResponse(inc *models.Incident, duplicate bool) (*structpb.Struct, error) {
	return toStruct(struct {
		Incident  *models.Incident `json:"incident"`
		Duplicate bool             `json:"duplicate"`
	}{Incident: inc, Duplicate: duplicate})
}

// IncidentResponse wraps a single incident.
func IncidentResponse(inc *models.Incident) (*structpb.Struct, error) {
	return toStruct(struct {
		Incident *models.Incident `json:"incident"`
	}{Incident: inc})
}

// ListResponse wraps the incidents of one resource.
func ListResponse(req ListRequest, incidents []models.Incident) (*structpb.Struct, error) {
	if incidents == nil {
		incidents = []models.Incident{}
	}
	return toStruct(struct {
		ResourceKey string            `json:"resourceKey"`
		From        time.Time         `json:"from"`
		To          time.Time         `json:"to"`
		Incidents   []models.Incident `json:"incidents"`
	}{ResourceKey: req.ResourceKey, From: req.From, To: req.To, Incidents: incidents})
}

// HealthResponse reports the serving status.
func HealthResponse(status string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"status": structpb.NewStringValue(status),
	}}
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}
