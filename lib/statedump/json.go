// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statedump

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"

	"github.com/bureau-foundation/tracestate/lib/attribute"
	"github.com/bureau-foundation/tracestate/lib/statevalue"
)

// FormatVersion is the document format written by this package. Loads
// of any other version fail.
const FormatVersion = 1

const (
	keyFormatVersion    = "format-version"
	keyID               = "id"
	keyStatedumpVersion = "statedump-version"
	keyState            = "state"
	keyType             = "type"
	keyValue            = "value"
	keyChildren         = "children"

	typeNull    = "null"
	typeInt     = "int"
	typeLong    = "long"
	typeDouble  = "double"
	typeString  = "string"
	typeCustom  = "custom"
	typeUnknown = "unknown"

	doubleNaN         = "nan"
	doublePosInfinity = "+inf"
	doubleNegInfinity = "-inf"
)

var (
	// ErrFormatVersion is returned when a document's format version is
	// not FormatVersion.
	ErrFormatVersion = errors.New("unsupported statedump format version")

	// ErrIdentity is returned when a document belongs to another state
	// system.
	ErrIdentity = errors.New("statedump belongs to another state system")

	// ErrMalformed is returned for documents that are not valid JSON or
	// do not have the expected shape.
	ErrMalformed = errors.New("malformed statedump")
)

var prettyOptions = &pretty.Options{Width: 80, Prefix: "", Indent: "  ", SortKeys: false}

// treeNode is one attribute while building a document. Children keep
// insertion order.
type treeNode struct {
	value    statevalue.Value
	hasValue bool
	keys     []string
	children map[string]*treeNode
}

func (n *treeNode) child(segment string) *treeNode {
	if n.children == nil {
		n.children = make(map[string]*treeNode)
	}
	child, exists := n.children[segment]
	if !exists {
		child = &treeNode{}
		n.children[segment] = child
		n.keys = append(n.keys, segment)
	}
	return child
}

// Marshal renders dump as a pretty-printed document for state system
// id.
func Marshal(dump *Statedump, id string) []byte {
	root := &treeNode{}
	for index, path := range dump.attributes {
		node := root
		for _, segment := range path {
			node = node.child(segment)
		}
		node.value = dump.values[index]
		node.hasValue = true
	}

	buffer := make([]byte, 0, 64*len(dump.attributes)+128)
	buffer = append(buffer, '{')
	buffer = appendKey(buffer, keyFormatVersion)
	buffer = strconv.AppendInt(buffer, FormatVersion, 10)
	buffer = append(buffer, ',')
	buffer = appendKey(buffer, keyID)
	buffer = gjson.AppendJSONString(buffer, id)
	buffer = append(buffer, ',')
	buffer = appendKey(buffer, keyStatedumpVersion)
	buffer = strconv.AppendInt(buffer, int64(dump.version), 10)
	buffer = append(buffer, ',')
	buffer = appendKey(buffer, keyState)
	buffer = appendNode(buffer, root)
	buffer = append(buffer, '}')

	return pretty.PrettyOptions(buffer, prettyOptions)
}

func appendKey(buffer []byte, key string) []byte {
	buffer = gjson.AppendJSONString(buffer, key)
	return append(buffer, ':')
}

func appendNode(buffer []byte, node *treeNode) []byte {
	buffer = append(buffer, '{')
	if node.hasValue {
		buffer = appendValue(buffer, node.value)
		buffer = append(buffer, ',')
	}
	buffer = appendKey(buffer, keyChildren)
	buffer = append(buffer, '{')
	for index, key := range node.keys {
		if index > 0 {
			buffer = append(buffer, ',')
		}
		buffer = appendKey(buffer, key)
		buffer = appendNode(buffer, node.children[key])
	}
	return append(buffer, '}', '}')
}

// appendValue writes the "type" member and, except for null, the
// "value" member.
func appendValue(buffer []byte, value statevalue.Value) []byte {
	writeType := func(name string) {
		buffer = appendKey(buffer, keyType)
		buffer = gjson.AppendJSONString(buffer, name)
	}

	switch value.Kind() {
	case statevalue.KindNull:
		writeType(typeNull)
		return buffer
	case statevalue.KindInt:
		writeType(typeInt)
		buffer = append(buffer, ',')
		buffer = appendKey(buffer, keyValue)
		return strconv.AppendInt(buffer, int64(value.Int()), 10)
	case statevalue.KindLong:
		writeType(typeLong)
		buffer = append(buffer, ',')
		buffer = appendKey(buffer, keyValue)
		return strconv.AppendInt(buffer, value.Long(), 10)
	case statevalue.KindDouble:
		writeType(typeDouble)
		buffer = append(buffer, ',')
		buffer = appendKey(buffer, keyValue)
		return appendDouble(buffer, value.Double())
	case statevalue.KindString:
		writeType(typeString)
		buffer = append(buffer, ',')
		buffer = appendKey(buffer, keyValue)
		return gjson.AppendJSONString(buffer, value.Str())
	case statevalue.KindCustom:
		writeType(typeCustom)
		buffer = append(buffer, ',')
		buffer = appendKey(buffer, keyValue)
		encoded := base64.StdEncoding.EncodeToString(statevalue.EncodeCustom(value.Custom()))
		return gjson.AppendJSONString(buffer, encoded)
	default:
		writeType(typeUnknown)
		buffer = append(buffer, ',')
		buffer = appendKey(buffer, keyValue)
		return gjson.AppendJSONString(buffer, value.String())
	}
}

// appendDouble writes non-finite values as their string markers, which
// JSON numbers cannot represent.
func appendDouble(buffer []byte, double float64) []byte {
	switch {
	case math.IsNaN(double):
		return gjson.AppendJSONString(buffer, doubleNaN)
	case math.IsInf(double, 1):
		return gjson.AppendJSONString(buffer, doublePosInfinity)
	case math.IsInf(double, -1):
		return gjson.AppendJSONString(buffer, doubleNegInfinity)
	}
	return strconv.AppendFloat(buffer, double, 'g', -1, 64)
}

// Unmarshal parses a document and checks that it was written for
// state system id. Custom values are decoded with registry; a failure
// there wraps [statevalue.ErrCustomCodec].
func Unmarshal(data []byte, id string, registry *statevalue.Registry) (*Statedump, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: top level is not an object", ErrMalformed)
	}

	formatVersion, err := integerMember(root, keyFormatVersion)
	if err != nil {
		return nil, err
	}
	if formatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: %d (supported: %d)", ErrFormatVersion, formatVersion, FormatVersion)
	}

	storedID := root.Get(keyID)
	if storedID.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing or non-string %q", ErrMalformed, keyID)
	}
	if storedID.String() != id {
		return nil, fmt.Errorf("%w: document is for %q, requested %q", ErrIdentity, storedID.String(), id)
	}

	version, err := integerMember(root, keyStatedumpVersion)
	if err != nil {
		return nil, err
	}
	if version < math.MinInt32 || version > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %q out of range: %d", ErrMalformed, keyStatedumpVersion, version)
	}

	state := root.Get(keyState)
	if !state.IsObject() {
		return nil, fmt.Errorf("%w: missing or non-object %q", ErrMalformed, keyState)
	}

	visitor := &visitor{registry: registry, seen: make(pathSet)}
	if err := visitor.visit(state, nil); err != nil {
		return nil, err
	}
	return &Statedump{
		attributes: visitor.attributes,
		values:     visitor.values,
		version:    int(version),
	}, nil
}

// integerMember reads a required integer member of object.
func integerMember(object gjson.Result, key string) (int64, error) {
	member := object.Get(key)
	if !member.Exists() {
		return 0, fmt.Errorf("%w: missing %q", ErrMalformed, key)
	}
	value, err := parseInteger(member)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrMalformed, key, err)
	}
	return value, nil
}

// parseInteger accepts only JSON numbers written as plain integers.
// Fractions, exponents and values beyond 64 bits are rejected rather
// than rounded.
func parseInteger(result gjson.Result) (int64, error) {
	if result.Type != gjson.Number {
		return 0, fmt.Errorf("expecting an integer, got %s", result.Type)
	}
	value, err := strconv.ParseInt(result.Raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("expecting a 64-bit integer, got %s", result.Raw)
	}
	return value, nil
}

// visitor walks a document depth-first, collecting one entry per typed
// node in document order.
type visitor struct {
	registry   *statevalue.Registry
	seen       pathSet
	attributes [][]string
	values     []statevalue.Value
}

func (v *visitor) visit(node gjson.Result, path []string) error {
	if !node.IsObject() {
		return fmt.Errorf("%w: at %s: expecting an object", ErrMalformed, attribute.JoinPath(path))
	}

	if len(path) > 0 {
		if nodeType := node.Get(keyType); nodeType.Exists() {
			value, err := v.value(nodeType, node.Get(keyValue))
			if err != nil {
				return fmt.Errorf("at %s: %w", attribute.JoinPath(path), err)
			}
			if err := v.seen.add(path); err != nil {
				return fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			v.attributes = append(v.attributes, append([]string(nil), path...))
			v.values = append(v.values, value)
		}
	}

	children := node.Get(keyChildren)
	if !children.Exists() {
		return nil
	}
	if !children.IsObject() {
		return fmt.Errorf("%w: at %s: %q is not an object", ErrMalformed, attribute.JoinPath(path), keyChildren)
	}
	var err error
	children.ForEach(func(key, child gjson.Result) bool {
		err = v.visit(child, append(path, key.String()))
		return err == nil
	})
	return err
}

func (v *visitor) value(nodeType, raw gjson.Result) (statevalue.Value, error) {
	if nodeType.Type != gjson.String {
		return statevalue.Value{}, fmt.Errorf("%w: %q is not a string", ErrMalformed, keyType)
	}
	name := nodeType.String()
	if name == typeNull {
		return statevalue.Null(), nil
	}
	if !raw.Exists() {
		return statevalue.Value{}, fmt.Errorf("%w: %s node without %q", ErrMalformed, name, keyValue)
	}

	switch name {
	case typeInt, typeLong:
		integer, err := parseInteger(raw)
		if err != nil {
			return statevalue.Value{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if name == typeInt && integer >= math.MinInt32 && integer <= math.MaxInt32 {
			return statevalue.NewInt(int32(integer)), nil
		}
		return statevalue.NewLong(integer), nil

	case typeDouble:
		double, err := parseDouble(raw)
		if err != nil {
			return statevalue.Value{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return statevalue.NewDouble(double), nil

	case typeString, typeUnknown:
		if raw.Type != gjson.String {
			return statevalue.Value{}, fmt.Errorf("%w: %s value is not a string", ErrMalformed, name)
		}
		return statevalue.NewString(raw.String()), nil

	case typeCustom:
		if raw.Type != gjson.String {
			return statevalue.Value{}, fmt.Errorf("%w: custom value is not a string", ErrMalformed)
		}
		encoded, err := base64.StdEncoding.DecodeString(raw.String())
		if err != nil {
			return statevalue.Value{}, fmt.Errorf("%w: custom value: %v", ErrMalformed, err)
		}
		return v.registry.DecodeValue(encoded)

	default:
		return statevalue.Value{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, name)
	}
}

// parseDouble accepts a JSON number or one of the non-finite markers.
func parseDouble(raw gjson.Result) (float64, error) {
	switch raw.Type {
	case gjson.Number:
		double, err := strconv.ParseFloat(raw.Raw, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid double %s", raw.Raw)
		}
		return double, nil
	case gjson.String:
		switch raw.String() {
		case doubleNaN:
			return math.NaN(), nil
		case doublePosInfinity:
			return math.Inf(1), nil
		case doubleNegInfinity:
			return math.Inf(-1), nil
		}
		return 0, fmt.Errorf("invalid double marker %q", raw.String())
	default:
		return 0, fmt.Errorf("expecting a number, got %s", raw.Type)
	}
}
