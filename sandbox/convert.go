package sandbox

import (
	"fmt"
	"math"
	"strconv"
	"unicode/utf16"

	"github.com/dop251/goja"

	"github.com/liamcoop/policyhub/value"
)

// maxCollectionSize bounds the number of entries read from a single script
// array or object.
const maxCollectionSize = 1 << 16

// toJS materializes v as fresh script values owned by rt.
func toJS(rt *goja.Runtime, v value.Value) (goja.Value, error) {
	switch v.Kind() {
	case value.KindNull:
		return goja.Null(), nil
	case value.KindBool:
		b, _ := v.AsBool()
		return rt.ToValue(b), nil
	case value.KindNumber:
		n, _ := v.AsNumber()
		return rt.ToValue(n), nil
	case value.KindString:
		s, _ := v.AsString()
		return rt.ToValue(s), nil
	case value.KindList:
		list, _ := v.AsList()
		items := make([]any, len(list))
		for i, item := range list {
			converted, err := toJS(rt, item)
			if err != nil {
				return nil, err
			}
			items[i] = converted
		}
		return rt.NewArray(items...), nil
	case value.KindMap:
		m, _ := v.AsMap()
		obj := rt.NewObject()
		var err error
		m.Range(func(k string, item value.Value) bool {
			var converted goja.Value
			if converted, err = toJS(rt, item); err != nil {
				return false
			}
			// Own data properties, so keys such as __proto__ never touch the prototype.
			err = obj.DefineDataProperty(k, converted, goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_TRUE)
			return err == nil
		})
		if err != nil {
			return nil, fmt.Errorf("key conversion failed: %w", err)
		}
		return obj, nil
	}
	return nil, fmt.Errorf("unsupported value kind %s", v.Kind())
}

// normalizeOutput turns whatever a consequence returned into an object, with
// the same results as Object.assign({}, v).
func normalizeOutput(v goja.Value) (value.Value, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return value.EmptyObject(), nil
	}

	if obj, ok := v.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(obj); isFn {
			return value.EmptyObject(), nil
		}
		converted, _, err := fromJS(obj, 0)
		if err != nil {
			return value.Null(), err
		}
		if items, isList := converted.AsList(); isList {
			m := value.NewMap()
			for i, item := range items {
				m.Set(strconv.Itoa(i), item)
			}
			return value.Object(m), nil
		}
		if !converted.IsMap() {
			return value.EmptyObject(), nil
		}
		return converted, nil
	}

	if s, ok := v.Export().(string); ok {
		m := value.NewMap()
		for i, unit := range utf16.Encode([]rune(s)) {
			m.Set(strconv.Itoa(i), value.String(string(utf16.Decode([]uint16{unit}))))
		}
		return value.Object(m), nil
	}

	return value.EmptyObject(), nil
}

// fromJS converts a script value with JSON semantics: functions, symbols and
// undefined are dropped from objects and become null inside arrays, and
// non-finite numbers become null. keep is false when the value should be
// omitted from an enclosing object.
func fromJS(v goja.Value, depth int) (out value.Value, keep bool, err error) {
	if depth > value.MaxDepth {
		return value.Null(), false, fmt.Errorf("output nested deeper than %d levels", value.MaxDepth)
	}
	if v == nil || goja.IsUndefined(v) {
		return value.Null(), false, nil
	}
	if goja.IsNull(v) {
		return value.Null(), true, nil
	}
	if _, ok := v.(*goja.Symbol); ok {
		return value.Null(), false, nil
	}
	if goja.IsBigInt(v) {
		return value.Null(), false, fmt.Errorf("BigInt values cannot be returned")
	}

	if obj, ok := v.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(obj); isFn {
			return value.Null(), false, nil
		}
		if obj.ClassName() == "Array" {
			return arrayFromJS(obj, depth)
		}
		return objectFromJS(obj, depth)
	}

	switch x := v.Export().(type) {
	case bool:
		return value.Bool(x), true, nil
	case string:
		return value.String(x), true, nil
	case int64:
		return value.Number(value.NormalizeNumber(float64(x))), true, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return value.Null(), true, nil
		}
		return value.Number(value.NormalizeNumber(x)), true, nil
	default:
		return value.Null(), false, fmt.Errorf("unsupported output value of type %T", x)
	}
}

func arrayFromJS(obj *goja.Object, depth int) (value.Value, bool, error) {
	length := obj.Get("length").ToInteger()
	if length > maxCollectionSize {
		return value.Null(), false, fmt.Errorf("output array has %d elements, limit is %d", length, maxCollectionSize)
	}
	items := make([]value.Value, 0, length)
	for i := int64(0); i < length; i++ {
		item, keep, err := fromJS(obj.Get(strconv.FormatInt(i, 10)), depth+1)
		if err != nil {
			return value.Null(), false, err
		}
		if !keep {
			item = value.Null()
		}
		items = append(items, item)
	}
	return value.List(items...), true, nil
}

func objectFromJS(obj *goja.Object, depth int) (value.Value, bool, error) {
	keys := obj.Keys()
	if len(keys) > maxCollectionSize {
		return value.Null(), false, fmt.Errorf("output object has %d keys, limit is %d", len(keys), maxCollectionSize)
	}
	m := value.NewMap()
	for _, k := range keys {
		item, keep, err := fromJS(obj.Get(k), depth+1)
		if err != nil {
			return value.Null(), false, fmt.Errorf("%s: %w", k, err)
		}
		if keep {
			m.Set(k, item)
		}
	}
	return value.Object(m), true, nil
}
