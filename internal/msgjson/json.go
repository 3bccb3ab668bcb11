package msgjson

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

var errInvalid = errors.New("msgjson: invalid JSON payload")

// JSON is a raw JSON document stored in a jsonb column on postgres and a text
// column elsewhere.
type JSON []byte

// From marshals v into a JSON value.
func From(v any) (JSON, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgjson: marshal: %w", err)
	}
	return JSON(data), nil
}

// Decode unmarshals the stored document into v.
func (j JSON) Decode(v any) error {
	if len(j) == 0 {
		return errInvalid
	}
	return json.Unmarshal(j, v)
}

func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	if !json.Valid(j) {
		return nil, errInvalid
	}
	return append([]byte(nil), j...), nil
}

func (j *JSON) UnmarshalJSON(data []byte) error {
	if !json.Valid(data) {
		return errInvalid
	}
	*j = append((*j)[:0], data...)
	return nil
}

// Value implements driver.Valuer.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "null", nil
	}
	if !json.Valid(j) {
		return nil, errInvalid
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSON) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("msgjson: unsupported scan type %T", value)
	}
	if !json.Valid(raw) {
		return errInvalid
	}
	*j = append((*j)[:0], raw...)
	return nil
}

// GormDBDataType picks the column type per dialect.
func (JSON) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "jsonb"
	}
	return "text"
}
