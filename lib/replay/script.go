// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/tracestate/lib/attribute"
	"github.com/bureau-foundation/tracestate/lib/binhash"
	"github.com/bureau-foundation/tracestate/lib/statevalue"
)

// Change operations.
const (
	OpModify    = "modify"
	OpPush      = "push"
	OpPop       = "pop"
	OpIncrement = "increment"
	OpRemove    = "remove"
)

// Script is a parsed change script.
type Script struct {
	// ID names the state system the changes belong to.
	ID string `json:"id"`

	// Start is the first timestamp of the history.
	Start int64 `json:"start"`

	// End, when set, closes the history after the last change.
	End *int64 `json:"end,omitempty"`

	Changes []Change `json:"changes"`
}

// Change is one recorded state change.
type Change struct {
	Time int64    `json:"time"`
	Path []string `json:"path"`

	// Op is one of the Op constants. Empty means OpModify.
	Op string `json:"op,omitempty"`

	// Type and Value describe the new value for modify and push. For
	// increment, Value is the integer delta and Type is ignored.
	Type  string          `json:"type,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Operation returns the change's op with the default applied.
func (c Change) Operation() string {
	if c.Op == "" {
		return OpModify
	}
	return c.Op
}

// StateValue decodes Type and Value.
func (c Change) StateValue() (statevalue.Value, error) {
	switch c.Type {
	case "null":
		return statevalue.Null(), nil
	case "int":
		integer, err := c.integer(32)
		if err != nil {
			return statevalue.Value{}, err
		}
		return statevalue.NewInt(int32(integer)), nil
	case "long":
		integer, err := c.integer(64)
		if err != nil {
			return statevalue.Value{}, err
		}
		return statevalue.NewLong(integer), nil
	case "double":
		double, err := c.double()
		if err != nil {
			return statevalue.Value{}, err
		}
		return statevalue.NewDouble(double), nil
	case "string":
		var text string
		if err := json.Unmarshal(c.Value, &text); err != nil {
			return statevalue.Value{}, fmt.Errorf("string value: %w", err)
		}
		return statevalue.NewString(text), nil
	case "":
		return statevalue.Value{}, errors.New("missing type")
	default:
		return statevalue.Value{}, fmt.Errorf("unknown type %q", c.Type)
	}
}

// Delta decodes Value as the integer delta of an increment.
func (c Change) Delta() (int64, error) {
	return c.integer(64)
}

func (c Change) integer(bits int) (int64, error) {
	if len(c.Value) == 0 {
		return 0, errors.New("missing value")
	}
	integer, err := strconv.ParseInt(string(c.Value), 10, bits)
	if err != nil {
		return 0, fmt.Errorf("expecting a %d-bit integer, got %s", bits, c.Value)
	}
	return integer, nil
}

func (c Change) double() (float64, error) {
	var marker string
	if json.Unmarshal(c.Value, &marker) == nil {
		switch marker {
		case "nan":
			return math.NaN(), nil
		case "+inf":
			return math.Inf(1), nil
		case "-inf":
			return math.Inf(-1), nil
		}
		return 0, fmt.Errorf("invalid double marker %q", marker)
	}
	var double float64
	if err := json.Unmarshal(c.Value, &double); err != nil {
		return 0, fmt.Errorf("double value: %w", err)
	}
	return double, nil
}

// Parse strips JSONC comments and trailing commas from data and
// decodes the script. It does not validate; see [Script.Validate].
func Parse(data []byte) (*Script, error) {
	var script Script
	if err := json.Unmarshal(jsonc.ToJSON(data), &script); err != nil {
		return nil, fmt.Errorf("parsing change script: %w", err)
	}
	return &script, nil
}

// ReadFile reads and parses a change script from disk.
func ReadFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	script, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return script, nil
}

// Digest identifies the script's content. Comments, trailing commas
// and formatting do not contribute, so two files that parse to the same
// script share a digest.
func (s *Script) Digest() (binhash.Digest, error) {
	canonical, err := json.Marshal(s)
	if err != nil {
		return binhash.Digest{}, fmt.Errorf("encoding change script: %w", err)
	}
	return binhash.Script(canonical), nil
}

// Validate checks the script for problems that would make Apply fail
// part-way through. All problems are reported together.
func (s *Script) Validate() error {
	var errs []error
	if s.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if s.End != nil && *s.End < s.Start {
		errs = append(errs, fmt.Errorf("end %d is before start %d", *s.End, s.Start))
	}

	lastTime := make(map[string]int64)
	for index, change := range s.Changes {
		prefix := fmt.Sprintf("changes[%d]", index)
		if len(change.Path) == 0 {
			errs = append(errs, fmt.Errorf("%s: path is required", prefix))
			continue
		}
		key := attribute.JoinPath(change.Path)

		if change.Time < s.Start {
			errs = append(errs, fmt.Errorf("%s %s: time %d is before start %d", prefix, key, change.Time, s.Start))
		}
		if s.End != nil && change.Time > *s.End {
			errs = append(errs, fmt.Errorf("%s %s: time %d is after end %d", prefix, key, change.Time, *s.End))
		}
		if previous, seen := lastTime[key]; seen && change.Time < previous {
			errs = append(errs, fmt.Errorf("%s %s: time %d goes back from %d", prefix, key, change.Time, previous))
		}
		lastTime[key] = change.Time

		switch change.Operation() {
		case OpModify, OpPush:
			if _, err := change.StateValue(); err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", prefix, key, err))
			}
		case OpIncrement:
			if _, err := change.Delta(); err != nil {
				errs = append(errs, fmt.Errorf("%s %s: delta: %w", prefix, key, err))
			}
		case OpPop, OpRemove:
			if len(change.Value) != 0 {
				errs = append(errs, fmt.Errorf("%s %s: %s takes no value", prefix, key, change.Op))
			}
		default:
			errs = append(errs, fmt.Errorf("%s %s: unknown op %q", prefix, key, change.Op))
		}
	}
	return errors.Join(errs...)
}
