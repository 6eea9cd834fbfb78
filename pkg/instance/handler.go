package instance

import (
	"fmt"
	"reflect"

	"github.com/streamfn/orchestrator/pkg/serde"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// handlerShape is the validated reflection view of a user handler.
// outType is nil for func(T) error handlers.
type handlerShape struct {
	fn      reflect.Value
	inType  reflect.Type
	outType reflect.Type
}

// validateHandler checks a handler signature against the bound serdes.
// Accepted shapes are func(T) (O, error) and func(T) error, where T matches
// the input serde type and O the output serde type. All violations surface
// here, before the instance ever sees a message.
func validateHandler(handler interface{}, in serde.Serde, out serde.Serde) (*handlerShape, error) {
	if handler == nil {
		return nil, fmt.Errorf("function handler is nil")
	}
	t := reflect.TypeOf(handler)
	// plugin symbols for exported vars arrive as pointers to the func
	if t.Kind() == reflect.Ptr && t.Elem().Kind() == reflect.Func {
		handler = reflect.ValueOf(handler).Elem().Interface()
		t = reflect.TypeOf(handler)
	}
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("function handler must be a func, got %s", t.Kind())
	}
	if t.NumIn() != 1 {
		return nil, fmt.Errorf("function handler must take exactly one input argument, got %d", t.NumIn())
	}
	inType := t.In(0)
	if inType == reflect.TypeOf(struct{}{}) {
		return nil, fmt.Errorf("void function input type is not allowed")
	}
	if inType != in.Type() {
		return nil, fmt.Errorf("Inconsistent types found between function input type and input serde type: %s vs %s", inType, in.Type())
	}

	switch t.NumOut() {
	case 1:
		if t.Out(0) != errorType {
			return nil, fmt.Errorf("function handler with a single return value must return error, got %s", t.Out(0))
		}
		return &handlerShape{fn: reflect.ValueOf(handler), inType: inType}, nil
	case 2:
		if t.Out(1) != errorType {
			return nil, fmt.Errorf("function handler second return value must be error, got %s", t.Out(1))
		}
		outType := t.Out(0)
		if outType != out.Type() {
			return nil, fmt.Errorf("Inconsistent types found between function output type and output serde type: %s vs %s", outType, out.Type())
		}
		return &handlerShape{fn: reflect.ValueOf(handler), inType: inType, outType: outType}, nil
	default:
		return nil, fmt.Errorf("function handler must return (output, error) or error")
	}
}
