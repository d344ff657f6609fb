// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"math"
	"strings"
	"testing"
)

// sampleEntry mirrors the shape of an archived attribute: a path and a
// tagged value.
type sampleEntry struct {
	Path   []string `cbor:"1,keyasint"`
	Kind   uint8    `cbor:"2,keyasint"`
	Long   int64    `cbor:"3,keyasint,omitempty"`
	Double float64  `cbor:"4,keyasint,omitempty"`
	Text   string   `cbor:"5,keyasint,omitempty"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := []sampleEntry{
		{Path: []string{"threads", "42", "exec_name"}, Kind: 4, Text: "bash"},
		{Path: []string{"cpus", "0", "current_thread"}, Kind: 2, Long: 42},
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("Marshal produced empty output")
	}

	var decoded []sampleEntry
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(decoded) != len(original) {
		t.Fatalf("decoded %d entries, want %d", len(decoded), len(original))
	}
	for index := range original {
		if strings.Join(decoded[index].Path, "/") != strings.Join(original[index].Path, "/") ||
			decoded[index].Kind != original[index].Kind ||
			decoded[index].Long != original[index].Long ||
			decoded[index].Text != original[index].Text {
			t.Errorf("entry %d: got %+v, want %+v", index, decoded[index], original[index])
		}
	}
}

func TestMarshalDeterministic(t *testing.T) {
	payload := map[string]int64{"zeta": 1, "alpha": 2, "mid": 3}

	first, err := Marshal(payload)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	for attempt := 0; attempt < 20; attempt++ {
		again, err := Marshal(payload)
		if err != nil {
			t.Fatalf("Marshal attempt %d: %v", attempt, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("attempt %d produced different bytes:\n%x\n%x", attempt, first, again)
		}
	}
}

func TestSpecialDoublesSurvive(t *testing.T) {
	values := []float64{math.NaN(), math.Inf(1), math.Inf(-1), math.Copysign(0, -1), 1.5}
	data, err := Marshal(values)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded []float64
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for index, want := range values {
		if math.Float64bits(decoded[index]) != math.Float64bits(want) {
			t.Errorf("value %d: bits %x, want %x", index, math.Float64bits(decoded[index]), math.Float64bits(want))
		}
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var decoded []sampleEntry
	if err := Unmarshal([]byte{0xFF, 0xFE}, &decoded); err == nil {
		t.Error("Unmarshal of garbage should fail")
	}
}

func TestLargeArray(t *testing.T) {
	// Above the library's default array limit of 131072.
	values := make([]uint8, 200000)
	data, err := Marshal(values)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded []uint8
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal of %d elements: %v", len(values), err)
	}
	if len(decoded) != len(values) {
		t.Errorf("decoded %d elements, want %d", len(decoded), len(values))
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(map[string]any{"id": "kernel", "version": 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diagnostic, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(diagnostic, `"id": "kernel"`) {
		t.Errorf("diagnostic %q does not show the id field", diagnostic)
	}
}

func BenchmarkMarshal(b *testing.B) {
	entries := make([]sampleEntry, 1000)
	for index := range entries {
		entries[index] = sampleEntry{Path: []string{"threads", "42", "status"}, Kind: 2, Long: int64(index)}
	}
	b.ResetTimer()
	for b.Loop() {
		if _, err := Marshal(entries); err != nil {
			b.Fatal(err)
		}
	}
}
