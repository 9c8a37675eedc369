package domain

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"time"
)

// Key represents a type-safe generic key for accessing values in Metadata.
// The type parameter T ensures compile-time type safety when getting and
// setting values, eliminating the need for runtime type assertions.
type Key[T any] struct{ name string }

// NewKey creates a new Key with the specified name and type.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the key's string name, which is also the parameter name a
// rewritten function pattern binds the value under.
func (k Key[T]) Name() string { return k.name }

// GridDimensions is the site layout of one well, discovered by inspecting
// the dataset.
type GridDimensions struct {
	Rows    int `yaml:"rows"`
	Columns int `yaml:"columns"`
}

// Predefined metadata keys.
var (
	// KeyGridDimensions stores the site grid layout of a well.
	KeyGridDimensions = Key[GridDimensions]{"grid_dimensions"}

	// KeySiteCount stores the number of imaged sites per well.
	KeySiteCount = Key[int]{"site_count"}

	// KeyChannels stores the sorted channel identifiers present in the input.
	KeyChannels = Key[[]string]{"channels"}

	// KeyPixelSize stores the physical pixel size in micrometers.
	KeyPixelSize = Key[float64]{"pixel_size"}
)

// deepCopyValue creates a deep copy of a value to ensure true immutability.
// It handles slices, maps, and other reference types that would otherwise
// allow external modification of Metadata contents.
func deepCopyValue(value any) any {
	if value == nil {
		return nil
	}

	// time.Time is immutable and can be returned directly.
	if val, ok := value.(time.Time); ok {
		return val
	}

	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Slice:
		if v.IsNil() {
			return value
		}
		newSlice := reflect.MakeSlice(v.Type(), v.Len(), v.Cap())
		for i := 0; i < v.Len(); i++ {
			elem := deepCopyValue(v.Index(i).Interface())
			if elem == nil {
				continue
			}
			newSlice.Index(i).Set(reflect.ValueOf(elem))
		}
		return newSlice.Interface()

	case reflect.Map:
		if v.IsNil() {
			return value
		}
		newMap := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			copied := deepCopyValue(iter.Value().Interface())
			if copied == nil {
				newMap.SetMapIndex(iter.Key(), reflect.Zero(v.Type().Elem()))
				continue
			}
			newMap.SetMapIndex(iter.Key(), reflect.ValueOf(copied))
		}
		return newMap.Interface()

	case reflect.Ptr:
		if v.IsNil() {
			return v.Interface()
		}
		newPtr := reflect.New(v.Elem().Type())
		newPtr.Elem().Set(reflect.ValueOf(deepCopyValue(v.Elem().Interface())))
		return newPtr.Interface()

	case reflect.Struct:
		// Unexported fields cannot be set through reflection, so the struct
		// is first copied by value and exported fields are then deep copied.
		newStruct := reflect.New(v.Type()).Elem()
		newStruct.Set(v)
		for i := 0; i < v.NumField(); i++ {
			if !newStruct.Field(i).CanSet() {
				continue
			}
			copied := deepCopyValue(v.Field(i).Interface())
			if copied == nil {
				continue
			}
			newStruct.Field(i).Set(reflect.ValueOf(copied))
		}
		return newStruct.Interface()

	default:
		// Primitive types are returned as-is since they are copied by value.
		return value
	}
}

// Metadata is an immutable collection of plan-time facts about a well
// (grid layout, channels, pixel size). It uses copy-on-write semantics so a
// single value can be shared by every step plan of a context.
type Metadata struct {
	data map[string]any
}

// NewMetadata creates a new empty Metadata.
func NewMetadata() Metadata {
	return Metadata{data: make(map[string]any)}
}

// Get retrieves a value with compile-time type safety. The returned value
// is a deep copy.
//
// Example:
//
//	dims, ok := Get(md, KeyGridDimensions)
func Get[T any](m Metadata, key Key[T]) (T, bool) {
	var zero T
	value, exists := m.data[key.name]
	if !exists {
		return zero, false
	}

	val, ok := deepCopyValue(value).(T)
	return val, ok
}

// MustGet retrieves a value or returns a MetadataError describing why it
// could not.
func MustGet[T any](m Metadata, key Key[T]) (T, error) {
	var zero T
	value, exists := m.data[key.name]
	if !exists {
		return zero, NewMetadataError(key.name, "Get", ErrKeyNotFound)
	}
	val, ok := deepCopyValue(value).(T)
	if !ok {
		return zero, NewMetadataError(key.name, "Get", fmt.Errorf("%w: have %T", ErrTypeMismatch, value))
	}
	return val, nil
}

// GetRaw looks a value up by name. Planners use it to resolve the
// metadata names listed in a function contract.
func (m Metadata) GetRaw(name string) (any, bool) {
	value, exists := m.data[name]
	if !exists {
		return nil, false
	}
	return deepCopyValue(value), true
}

// With returns a new Metadata with the key set, leaving m unchanged.
func With[T any](m Metadata, key Key[T], value T) Metadata {
	newData := maps.Clone(m.data)
	if newData == nil {
		newData = make(map[string]any)
	}
	newData[key.name] = deepCopyValue(value)
	return Metadata{data: newData}
}

// WithRaw is the string-keyed form of With.
func (m Metadata) WithRaw(name string, value any) Metadata {
	newData := maps.Clone(m.data)
	if newData == nil {
		newData = make(map[string]any)
	}
	newData[name] = deepCopyValue(value)
	return Metadata{data: newData}
}

// Merge returns a new Metadata holding the union of m and other. Values in
// other win.
func (m Metadata) Merge(other Metadata) Metadata {
	newData := maps.Clone(m.data)
	if newData == nil {
		newData = make(map[string]any, len(other.data))
	}
	for k, v := range other.data {
		newData[k] = deepCopyValue(v)
	}
	return Metadata{data: newData}
}

// Keys returns all keys present, sorted.
func (m Metadata) Keys() []string {
	return slices.Sorted(maps.Keys(m.data))
}

// Len returns the number of entries.
func (m Metadata) Len() int { return len(m.data) }

// String returns a string representation for debugging purposes.
func (m Metadata) String() string {
	return fmt.Sprintf("Metadata%v", m.data)
}
