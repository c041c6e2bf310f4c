package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRevisionEncodesAsString(testContext *testing.T) {
	item := SynchronizerItem{Cursor: Revision(42), Data: json.RawMessage(`{}`)}
	encoded, err := json.Marshal(item)
	if err != nil {
		testContext.Fatalf("marshal failed: %v", err)
	}
	expected := `{"cursor":"42","data":{}}`
	if string(encoded) != expected {
		testContext.Fatalf("unexpected encoding: %s", encoded)
	}

	var decoded SynchronizerItem
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		testContext.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Cursor != 42 {
		testContext.Fatalf("expected cursor 42, got %s", decoded.Cursor)
	}
}

func TestNewRevisionRejectsGarbage(testContext *testing.T) {
	for _, raw := range []string{"abc", "-1", "1.5"} {
		if _, err := NewRevision(raw); !errors.Is(err, ErrInvalidRevision) {
			testContext.Fatalf("expected ErrInvalidRevision for %q, got %v", raw, err)
		}
	}
	revision, err := NewRevision("")
	if err != nil || revision != ZeroRevision {
		testContext.Fatalf("expected empty input to parse as zero, got %v %v", revision, err)
	}
}

func TestSynchronizerInputValidate(testContext *testing.T) {
	if err := (SynchronizerInput{Type: SynchronizerUsers}).Validate(); err != nil {
		testContext.Fatalf("users input should not need a root: %v", err)
	}
	err := (SynchronizerInput{Type: SynchronizerNodeUpdates}).Validate()
	if !errors.Is(err, ErrInvalidSynchronizerInput) {
		testContext.Fatalf("expected root-scoped input without root to fail, got %v", err)
	}
	if err := (SynchronizerInput{Type: "bogus"}).Validate(); !errors.Is(err, ErrInvalidSynchronizerInput) {
		testContext.Fatalf("expected unknown type to fail, got %v", err)
	}
	input := SynchronizerInput{Type: SynchronizerNodeReactions, RootID: "root-1"}
	if input.Key() != "node_reactions:root-1" {
		testContext.Fatalf("unexpected key %s", input.Key())
	}
}

func TestMutationStatusClassification(testContext *testing.T) {
	if !MutationStatusForbidden.Terminal() || !MutationStatusNotFound.Terminal() {
		testContext.Fatalf("expected 4xx statuses to be terminal")
	}
	if MutationStatusInternalError.Terminal() || MutationStatusSkipped.Terminal() {
		testContext.Fatalf("expected 5xx and skipped statuses to be retryable")
	}
}
