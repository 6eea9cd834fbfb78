// Package serde defines the payload serializers an instance binds to a
// function's input and output. The invoker checks handler signatures against
// the serde types at construction time, so a broken pairing never reaches
// message handling.
package serde

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Serde converts between wire payloads and the in-memory type handlers see.
type Serde interface {
	// Type is the Go type this serde produces and accepts.
	Type() reflect.Type
	Serialize(v interface{}) ([]byte, error)
	Deserialize(raw []byte) (interface{}, error)
}

// registered serde names, referenced from function details
const (
	UTF8  = "utf8"
	JSON  = "json"
	Bytes = "bytes"
)

// ByName resolves a serde name from function details. The empty name means
// the platform default, JSON.
func ByName(name string) (Serde, error) {
	switch name {
	case "", JSON:
		return &JSONSerde{}, nil
	case UTF8:
		return &UTF8Serde{}, nil
	case Bytes:
		return &BytesSerde{}, nil
	default:
		return nil, fmt.Errorf("unknown serde %q", name)
	}
}

// JSONSerde maps payloads to map[string]interface{} via encoding/json.
type JSONSerde struct{}

func (s *JSONSerde) Type() reflect.Type {
	return reflect.TypeOf(map[string]interface{}{})
}

func (s *JSONSerde) Serialize(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (s *JSONSerde) Deserialize(raw []byte) (interface{}, error) {
	parameters := make(map[string]interface{})
	if err := json.Unmarshal(raw, &parameters); err != nil {
		return nil, err
	}
	return parameters, nil
}

// UTF8Serde passes payloads through as strings.
type UTF8Serde struct{}

func (s *UTF8Serde) Type() reflect.Type {
	return reflect.TypeOf("")
}

func (s *UTF8Serde) Serialize(v interface{}) ([]byte, error) {
	str, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("utf8 serde cannot serialize %T", v)
	}
	return []byte(str), nil
}

func (s *UTF8Serde) Deserialize(raw []byte) (interface{}, error) {
	return string(raw), nil
}

// BytesSerde is the identity serde.
type BytesSerde struct{}

func (s *BytesSerde) Type() reflect.Type {
	return reflect.TypeOf([]byte{})
}

func (s *BytesSerde) Serialize(v interface{}) ([]byte, error) {
	raw, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("bytes serde cannot serialize %T", v)
	}
	return raw, nil
}

func (s *BytesSerde) Deserialize(raw []byte) (interface{}, error) {
	return raw, nil
}
