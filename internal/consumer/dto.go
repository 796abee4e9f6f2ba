// Package consumer reads command messages from the broker, validates
// them and hands them to the ingest use case.
package consumer

import (
	"bytes"
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/lidarscope/control-plane/internal/ingest"
	"github.com/lidarscope/control-plane/internal/pkg/apperrors"
)

type versionDTO struct {
	MessageVersion  string `json:"message_version" validate:"required,min=1"`
	PipelineVersion string `json:"pipeline_version" validate:"required,min=1"`
}

type objectRefDTO struct {
	S3Key string `json:"s3_key" validate:"required,min=1"`
	ETag  string `json:"etag" validate:"required,min=1"`
}

type scanPayloadDTO struct {
	PointCloud   map[string]objectRefDTO `json:"point_cloud" validate:"required,min=1,dive"`
	Trajectory   map[string]objectRefDTO `json:"trajectory" validate:"omitempty,dive"`
	ControlPoint map[string]objectRefDTO `json:"control_point" validate:"omitempty,dive"`
}

type startMessageDTO struct {
	WorkflowID string                    `json:"workflow_id" validate:"required,min=1"`
	Scenario   string                    `json:"scenario" validate:"required,min=1"`
	Version    versionDTO                `json:"version" validate:"required"`
	Dataset    map[string]scanPayloadDTO `json:"dataset" validate:"required,min=1,dive"`
}

var validate = validator.New()

// ParseStartMessage decodes and validates an ingest.start message.
// Unknown top-level keys are rejected.
func ParseStartMessage(body []byte) (*ingest.Command, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()

	var dto startMessageDTO
	if err := decoder.Decode(&dto); err != nil {
		return nil, apperrors.Validation("malformed start message: %v", err)
	}
	if err := validate.Struct(dto); err != nil {
		return nil, apperrors.Validation("invalid start message: %v", err)
	}

	dataset := make(map[string]ingest.ScanPayload, len(dto.Dataset))
	for scanID, scan := range dto.Dataset {
		dataset[scanID] = ingest.ScanPayload{
			PointCloud:   toObjectRefs(scan.PointCloud),
			Trajectory:   toObjectRefs(scan.Trajectory),
			ControlPoint: toObjectRefs(scan.ControlPoint),
		}
	}

	return &ingest.Command{
		WorkflowID:      dto.WorkflowID,
		Scenario:        dto.Scenario,
		MessageVersion:  dto.Version.MessageVersion,
		PipelineVersion: dto.Version.PipelineVersion,
		Dataset:         dataset,
	}, nil
}

func toObjectRefs(refs map[string]objectRefDTO) map[string]ingest.ObjectRef {
	out := make(map[string]ingest.ObjectRef, len(refs))
	for k, v := range refs {
		out[k] = ingest.ObjectRef{S3Key: v.S3Key, ETag: v.ETag}
	}
	return out
}

// peekWorkflowID extracts the workflow id from a raw message so a
// validation failure can still be correlated.
func peekWorkflowID(body []byte) string {
	var probe struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.WorkflowID
}

// peekScenario extracts the scenario from a raw message.
func peekScenario(body []byte) string {
	var probe struct {
		Scenario string `json:"scenario"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Scenario
}
