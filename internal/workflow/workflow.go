// Package workflow parses and validates the update descriptor the
// service hands the agent in an upd_req response payload into the
// in-memory WorkflowHandle the update worker drives (spec section 3,
// "WorkflowHandle"; spec section 4.6, step 1: "workflow_init, with
// structural validation").
package workflow

import (
	"encoding/json"
	"fmt"
)

// MinManifestVersion is the lowest update-manifest version the worker
// will process (spec section 4.6, step 4).
const MinManifestVersion = 5

// Step is one child step of a workflow's payload manifest.
type Step struct {
	ID     string          `json:"id"`
	Handler string         `json:"handler"`
	Files  []FileReference `json:"files"`
}

// FileReference is one entry of a step's payload file manifest.
type FileReference struct {
	FileName string `json:"fileName"`
	SizeInBytes int64 `json:"sizeInBytes"`
	Hashes      map[string]string `json:"hashes"`
}

// Handle is the opaque parsed update descriptor (spec section 3,
// "WorkflowHandle"): id, version, payload file manifest, child steps.
// Created by the update worker (internal/worker) for one work-queue item
// and held only for the duration of that item's processing.
type Handle struct {
	ID              string
	ManifestVersion int
	UpdateID        string
	Steps           []Step
	raw             json.RawMessage
}

// rawManifest mirrors the on-wire shape of an upd_req response payload
// closely enough to validate it; field names follow the manifest the
// service publishes (update id + workflow id + a manifest version and
// steps list).
type rawManifest struct {
	WorkflowID      string `json:"workflowId"`
	ManifestVersion int    `json:"updateManifestVersion"`
	UpdateID        string `json:"updateId"`
	Steps           []Step `json:"steps"`
}

// Init parses payload into a Handle, performing the structural
// validation spec section 4.6 step 1 requires: valid JSON and a
// non-empty workflow id. The manifest version is not checked here; a
// missing one parses as 0. Manifest-version gating (≥5) is a separate
// check (see RequireMinVersion) so the caller can distinguish
// "unparseable" from "unsupported version".
func Init(payload []byte) (*Handle, error) {
	var raw rawManifest
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("workflow: invalid payload: %w", err)
	}
	if raw.WorkflowID == "" {
		return nil, fmt.Errorf("workflow: missing workflowId")
	}

	return &Handle{
		ID:              raw.WorkflowID,
		ManifestVersion: raw.ManifestVersion,
		UpdateID:        raw.UpdateID,
		Steps:           raw.Steps,
		raw:             payload,
	}, nil
}

// RequireMinVersion reports whether h's manifest version satisfies the
// worker's minimum (spec 4.6 step 4: "Require manifest version ≥ 5").
func (h *Handle) RequireMinVersion() error {
	if h.ManifestVersion < MinManifestVersion {
		return fmt.Errorf("workflow: manifest version %d below minimum %d", h.ManifestVersion, MinManifestVersion)
	}
	return nil
}

// IsEmpty reports whether payload represents "no applicable update"
// (spec section 4.5.3: "Empty payload {} means no applicable update").
func IsEmpty(payload []byte) bool {
	trimmed := make([]byte, 0, len(payload))
	for _, b := range payload {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		trimmed = append(trimmed, b)
	}
	return len(trimmed) == 0 || string(trimmed) == "{}"
}

// Raw returns the original payload bytes, for handlers that need to
// re-parse handler-specific fields the Handle does not model.
func (h *Handle) Raw() json.RawMessage { return h.raw }
