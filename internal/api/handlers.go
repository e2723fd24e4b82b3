package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/devhops/devhops-engine/internal/models"
)

// FromProtoID extracts a required identifier from the request.
func FromProtoID(req *wrapperspb.StringValue, field string) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is nil")
	}
	id := strings.TrimSpace(req.GetValue())
	if id == "" {
		return "", fmt.Errorf("%s is required", field)
	}
	return id, nil
}

// ToStruct converts any JSON-serialisable value into a protobuf Struct using its JSON field names.
func ToStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	return structpb.NewStruct(fields)
}

// ToProtoSnapshot converts a published snapshot.
func ToProtoSnapshot(snap *models.ServiceSnapshot) (*structpb.Struct, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot is nil")
	}
	return ToStruct(snap)
}

// SnapshotList is the ListSnapshots payload.
type SnapshotList struct {
	Snapshots []*models.ServiceSnapshot `json:"snapshots"`
	// OverallHealth is the mean health score of evaluated services; nil when none has been evaluated.
	OverallHealth *float64 `json:"overallHealth"`
}

// ToProtoSnapshotList converts the registry contents.
func ToProtoSnapshotList(snaps []*models.ServiceSnapshot, overall float64, hasOverall bool) (*structpb.Struct, error) {
	list := SnapshotList{Snapshots: snaps}
	if list.Snapshots == nil {
		list.Snapshots = []*models.ServiceSnapshot{}
	}
	if hasOverall {
		list.OverallHealth = &overall
	}
	return ToStruct(list)
}

// ToProtoAnomaly converts an acknowledged anomaly.
func ToProtoAnomaly(a models.Anomaly) (*structpb.Struct, error) {
	return ToStruct(a)
}
