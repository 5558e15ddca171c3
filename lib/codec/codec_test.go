// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type sample struct {
	Operation string         `cbor:"operation"`
	Outcome   string         `cbor:"outcome"`
	Checks    map[string]bool `cbor:"checks"`
}

func TestMarshalDeterministic(t *testing.T) {
	value := sample{
		Operation: "git.push",
		Outcome:   "denied",
		Checks:    map[string]bool{"force": false, "protected_branch": true, "authorized": true},
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 16; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("same value produced different encodings")
		}
	}
}

func TestRoundTrip(t *testing.T) {
	in := sample{Operation: "message.ack", Outcome: "allowed"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Operation != in.Operation || out.Outcome != in.Outcome {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestAnyDecodesToStringKeyedMap(t *testing.T) {
	data, err := Marshal(map[string]any{"task_id": "T1"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("decoded type %T, want map[string]any", out)
	}
	if m["task_id"] != "T1" {
		t.Fatalf("task_id = %v, want T1", m["task_id"])
	}
}
