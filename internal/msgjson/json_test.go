package msgjson

import "testing"

func TestScanRejectsInvalidDocuments(t *testing.T) {
	var j JSON
	if err := j.Scan([]byte(`{"ok":true}`)); err != nil {
		t.Fatalf("scan valid: %v", err)
	}
	if err := j.Scan("{broken"); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
	if err := j.Scan(42); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
	if err := j.Scan(nil); err != nil || j != nil {
		t.Fatalf("nil scan should reset value, got %q err=%v", j, err)
	}
}

func TestFromAndDecode(t *testing.T) {
	type payload struct {
		DeviceID string `json:"deviceId"`
	}
	j, err := From(payload{DeviceID: "d-1"})
	if err != nil {
		t.Fatalf("from: %v", err)
	}
	var out payload
	if err := j.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.DeviceID != "d-1" {
		t.Fatalf("unexpected payload: %+v", out)
	}
	if err := JSON(nil).Decode(&out); err == nil {
		t.Fatalf("expected error decoding empty document")
	}
}
