package notification

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrMalformedPayload     = errors.New("malformed payload")
	ErrMissingRequiredField = errors.New("missing required field")
)

// reserved keys of an NGSI-LD entity that never carry a measurement.
var reserved = map[string]struct{}{
	"id":       {},
	"type":     {},
	"@context": {},
	"scope":    {},
	"location": {},
}

// Parse validates a raw notification body and returns its envelope.
//
// A body that is not a JSON object with a "data" list (or a bare list of
// entities) fails with ErrMalformedPayload and nothing is returned. Entities
// lacking id or type are reported individually, wrapped with
// ErrMissingRequiredField, and left out of Envelope.Updates. A multi-typed
// entity ("type": ["Kitchen", "Room"]) is stored under its first type.
func Parse(raw []byte, receivedAt time.Time) (*Envelope, []error, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var top interface{}
	if err := dec.Decode(&top); err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrMalformedPayload, err)
	}

	env := &Envelope{ReceivedAt: receivedAt}
	var items []interface{}
	switch v := top.(type) {
	case map[string]interface{}:
		data, ok := v["data"]
		if !ok {
			return nil, nil, fmt.Errorf("%w: data is required", ErrMalformedPayload)
		}
		items, ok = data.([]interface{})
		if !ok {
			return nil, nil, fmt.Errorf("%w: data must be a list", ErrMalformedPayload)
		}
		env.ID, _ = v["id"].(string)
		env.Type, _ = v["type"].(string)
		env.SubscriptionID, _ = v["subscriptionId"].(string)
		if s, ok := v["notifiedAt"].(string); ok {
			env.NotifiedAt, _ = parseTime(s)
		}
	case []interface{}:
		items = v
	default:
		return nil, nil, fmt.Errorf("%w: expected an object with a data list", ErrMalformedPayload)
	}

	var skipped []error
	env.Updates = make([]Update, 0, len(items))
	for i, item := range items {
		u, err := parseUpdate(item, receivedAt)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("data[%d]: %w", i, err))
			continue
		}
		env.Updates = append(env.Updates, u)
	}
	return env, skipped, nil
}

func parseUpdate(item interface{}, receivedAt time.Time) (Update, error) {
	obj, ok := item.(map[string]interface{})
	if !ok {
		return Update{}, fmt.Errorf("%w: entity must be an object", ErrMissingRequiredField)
	}
	id, _ := obj["id"].(string)
	if id == "" {
		return Update{}, fmt.Errorf("%w: id", ErrMissingRequiredField)
	}
	typ := NormalizeType(entityType(obj["type"]))
	if typ == "" {
		return Update{}, fmt.Errorf("%w: type (entity %s)", ErrMissingRequiredField, id)
	}

	u := Update{
		ID:         id,
		Type:       typ,
		Attributes: make(map[string]*float64),
		ReceivedAt: receivedAt,
	}
	for key, val := range obj {
		if _, skip := reserved[key]; skip {
			continue
		}
		name := strings.ToLower(key)
		v, observed := attributeValue(val)
		u.Attributes[name] = v
		if v != nil && observed.After(u.ObservedAt) {
			u.ObservedAt = observed
		}
	}
	if u.ObservedAt.IsZero() {
		u.ObservedAt = receivedAt
	}
	return u, nil
}

// entityType returns the type name, or the first one of a type list.
func entityType(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// attributeValue extracts a finite number from a normalized property
// ({"value": n, "observedAt": ts}) or a keyValues scalar. Anything else is absent.
func attributeValue(val interface{}) (*float64, time.Time) {
	var observed time.Time
	switch v := val.(type) {
	case json.Number:
		return finite(v), observed
	case map[string]interface{}:
		if s, ok := v["observedAt"].(string); ok {
			observed, _ = parseTime(s)
		}
		n, ok := v["value"].(json.Number)
		if !ok {
			return nil, observed
		}
		return finite(n), observed
	default:
		return nil, observed
	}
}

func finite(n json.Number) *float64 {
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// NormalizeType maps an entity type to the lower-case token used in table
// names. Expanded type URIs keep their last segment; characters outside
// [a-z0-9_] become underscores.
func NormalizeType(t string) string {
	t = strings.TrimSpace(t)
	if i := strings.LastIndexAny(t, "/#:"); i >= 0 {
		t = t[i+1:]
	}
	t = strings.ToLower(t)
	var b strings.Builder
	b.Grow(len(t))
	for _, r := range t {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
