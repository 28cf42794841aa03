package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrInvalidJSON is returned for a non-empty body that is not a JSON object.
var ErrInvalidJSON = errors.New("invalid JSON body")

// FieldTypeError reports a body field holding the wrong JSON type.
type FieldTypeError struct {
	Field    string
	Expected string
}

func (e *FieldTypeError) Error() string {
	return fmt.Sprintf("%s must be %s", e.Field, e.Expected)
}

// RefreshPhotosOptions are the job parameters the proxy understands. Other
// keys in the body are forwarded untouched.
type RefreshPhotosOptions struct {
	SkipS3       *bool `json:"skip_s3"`
	SeasonNumber *int  `json:"season_number" validate:"omitempty,min=0"`
}

// DecodeBody parses a request body as a JSON object. An empty body is an
// empty object. Numbers are kept as json.Number so they are forwarded as sent.
func DecodeBody(raw []byte) (map[string]interface{}, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]interface{}{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var body map[string]interface{}
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after object", ErrInvalidJSON)
	}
	if body == nil {
		body = map[string]interface{}{}
	}
	return body, nil
}

// NormalizeRefreshPhotosBody returns a copy of body with the legacy
// skip_mirror flag folded into skip_s3 and a numeric season_number string
// converted to an integer. Normalizing twice yields the same body.
func NormalizeRefreshPhotosBody(body map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(body))
	for k, v := range body {
		out[k] = v
	}

	if mirror, ok := out["skip_mirror"]; ok {
		if _, has := out["skip_s3"]; !has {
			out["skip_s3"] = mirror
		}
		delete(out, "skip_mirror")
	}

	if s, ok := out["season_number"].(string); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			out["season_number"] = n
		}
	}

	return out
}

// ParseRefreshPhotosOptions reads the typed options out of a normalized body.
func ParseRefreshPhotosOptions(body map[string]interface{}) (*RefreshPhotosOptions, error) {
	opts := &RefreshPhotosOptions{}

	if v, ok := body["skip_s3"]; ok && v != nil {
		b, isBool := v.(bool)
		if !isBool {
			return nil, &FieldTypeError{Field: "skip_s3", Expected: "a boolean"}
		}
		opts.SkipS3 = &b
	}

	if v, ok := body["season_number"]; ok && v != nil {
		n, err := toInt(v)
		if err != nil {
			return nil, &FieldTypeError{Field: "season_number", Expected: "an integer"}
		}
		opts.SeasonNumber = &n
	}

	return opts, nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case json.Number:
		i, err := strconv.Atoi(n.String())
		if err != nil {
			return 0, err
		}
		return i, nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
