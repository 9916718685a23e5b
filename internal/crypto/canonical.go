package crypto

import (
	"bytes"
	"encoding/json"
	"math/big"
	"reflect"
	"regexp"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize encodes v as canonical JSON: strings and object keys in NFC,
// keys sorted bytewise, null object members dropped, and integers only.
// Integers may be arbitrarily large (*big.Int or an integral json.Number),
// since token amounts are uint256.
func Canonicalize(v any) ([]byte, error) {
	n, err := reduce(v)
	if err != nil {
		return nil, err
	}
	return n.append(nil), nil
}

// CanonicalizeJSON canonicalizes any JSON-marshalable value, structs included,
// by first reducing it to its generic JSON form.
func CanonicalizeJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return Canonicalize(generic)
}

var integerLiteral = regexp.MustCompile(`^-?(0|[1-9][0-9]*)$`)

var bigIntType = reflect.TypeOf((*big.Int)(nil))

// cnode is a value already checked for canonical form. Scalars hold their
// encoded JSON token; containers hold their children in output order.
type cnode struct {
	token  []byte
	items  []cnode
	fields []cfield
	array  bool
	object bool
}

type cfield struct {
	key   string
	token []byte
	value cnode
}

var nullNode = cnode{token: []byte("null")}

func (n cnode) isNull() bool {
	return !n.array && !n.object && string(n.token) == "null"
}

func (n cnode) append(dst []byte) []byte {
	switch {
	case n.object:
		dst = append(dst, '{')
		for i, f := range n.fields {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = append(dst, f.token...)
			dst = append(dst, ':')
			dst = f.value.append(dst)
		}
		return append(dst, '}')
	case n.array:
		dst = append(dst, '[')
		for i, item := range n.items {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = item.append(dst)
		}
		return append(dst, ']')
	default:
		return append(dst, n.token...)
	}
}

func reduce(v any) (cnode, error) {
	switch x := v.(type) {
	case nil:
		return nullNode, nil
	case json.Number:
		if !integerLiteral.MatchString(x.String()) {
			return cnode{}, ErrFloatNotAllowed
		}
		return cnode{token: []byte(x.String())}, nil
	case *big.Int:
		if x == nil {
			return nullNode, nil
		}
		return cnode{token: []byte(x.String())}, nil
	}
	return reduceValue(reflect.ValueOf(v))
}

func reduceValue(rv reflect.Value) (cnode, error) {
	for rv.Kind() == reflect.Interface || (rv.Kind() == reflect.Pointer && rv.Type() != bigIntType) {
		if rv.IsNil() {
			return nullNode, nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Invalid:
		return nullNode, nil
	case reflect.Bool:
		return cnode{token: strconv.AppendBool(nil, rv.Bool())}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return cnode{token: strconv.AppendInt(nil, rv.Int(), 10)}, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return cnode{token: strconv.AppendUint(nil, rv.Uint(), 10)}, nil
	case reflect.Float32, reflect.Float64:
		return cnode{}, ErrFloatNotAllowed
	case reflect.String:
		if rv.Type() == reflect.TypeOf(json.Number("")) {
			return reduce(json.Number(rv.String()))
		}
		return cnode{token: quoteNFC(rv.String())}, nil
	case reflect.Pointer:
		return reduce(rv.Interface())
	case reflect.Map:
		return reduceMap(rv)
	case reflect.Slice:
		if rv.IsNil() {
			return nullNode, nil
		}
		return reduceList(rv)
	case reflect.Array:
		return reduceList(rv)
	default:
		return cnode{}, ErrUnsupportedType
	}
}

func reduceMap(rv reflect.Value) (cnode, error) {
	if rv.Type().Key().Kind() != reflect.String {
		return cnode{}, ErrNonStringMapKey
	}
	if rv.IsNil() {
		return nullNode, nil
	}

	fields := make([]cfield, 0, rv.Len())
	seen := make(map[string]bool, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key := norm.NFC.String(iter.Key().String())
		if seen[key] {
			return cnode{}, ErrKeyCollision
		}
		seen[key] = true

		value, err := reduceValue(iter.Value())
		if err != nil {
			return cnode{}, err
		}
		if value.isNull() {
			continue
		}
		fields = append(fields, cfield{key: key, token: quote(key), value: value})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].key < fields[j].key })
	return cnode{object: true, fields: fields}, nil
}

func reduceList(rv reflect.Value) (cnode, error) {
	items := make([]cnode, rv.Len())
	for i := range items {
		item, err := reduceValue(rv.Index(i))
		if err != nil {
			return cnode{}, err
		}
		items[i] = item
	}
	return cnode{array: true, items: items}, nil
}

func quoteNFC(s string) []byte {
	return quote(norm.NFC.String(s))
}

// quote uses encoding/json's string escaping; marshaling a string cannot fail.
func quote(s string) []byte {
	out, _ := json.Marshal(s)
	return out
}
