package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// ErrNotObject is returned by ParseDocument when the payload is valid JSON
// but not an object.
var ErrNotObject = errors.New("payload is not a JSON object")

// Document is a free-form string-keyed mapping. It carries broker payloads
// and the measurement data of a reading; values are whatever JSON decoding
// produced.
type Document map[string]any

// ParseDocument decodes a JSON object.
func ParseDocument(raw []byte) (Document, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}

	return Document(obj), nil
}

// String returns the value at key when it is a string.
func (d Document) String(key string) (string, bool) {
	s, ok := d[key].(string)
	return s, ok
}

// Identifier returns the value at key as a non-blank identifier. Strings
// are returned as sent, so " D1" and "D1" are distinct. Numeric identifiers
// are formatted without a trailing fraction.
func (d Document) Identifier(key string) (string, bool) {
	var id string
	switch v := d[key].(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", false
		}
		id = v
	case float64:
		id = strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		id = v.String()
	default:
		return "", false
	}
	return id, id != ""
}

// Number returns the value at key when it is numeric. Values read back from
// the database arrive as json.Number.
func (d Document) Number(key string) (float64, bool) {
	switch v := d[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Without returns a shallow copy of d lacking the given keys.
func (d Document) Without(keys ...string) Document {
	out := d.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Clone returns a shallow copy of d. Cloning nil yields an empty document.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	maps.Copy(out, d)
	return out
}

// Scan implements sql.Scanner.
func (d *Document) Scan(value any) error {
	var m datatypes.JSONMap
	if err := m.Scan(value); err != nil {
		return err
	}
	*d = Document(m)
	return nil
}

// Value implements driver.Valuer.
func (d Document) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return datatypes.JSONMap(d).Value()
}

// GormDataType implements schema.GormDataTypeInterface.
func (Document) GormDataType() string {
	return datatypes.JSONMap{}.GormDataType()
}

// GormDBDataType picks the dialect's JSON column type (jsonb on postgres).
func (Document) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return datatypes.JSONMap{}.GormDBDataType(db, field)
}
