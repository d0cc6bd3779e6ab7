package notifications

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/anatoly-dev/lobby-sync/pkg/models"
	"github.com/go-playground/validator/v10"
)

// Canonical id precedence when upstream sends more than one candidate.
var idFields = []string{"id", "notificationId", "_id"}

var timestampFields = []string{"createdAt", "created_at", "timestamp"}

// Fields consumed by normalization; everything else is decoded into the typed payload.
var envelopeFields = map[string]struct{}{
	"id": {}, "notificationId": {}, "_id": {},
	"createdAt": {}, "created_at": {}, "timestamp": {},
	"read": {}, "type": {}, "metadata": {},
}

// unixMillisThreshold separates unix seconds from unix milliseconds.
const unixMillisThreshold = 1e12

var (
	errMissingID        = errors.New("no canonical id")
	errUnknownType      = errors.New("unknown notification type")
	errInvalidTimestamp = errors.New("invalid timestamp")
	errInvalidPayload   = errors.New("invalid payload")
)

var validate = validator.New()

// dropReason maps a normalization error to a low-cardinality metric label.
func dropReason(err error) string {
	switch {
	case errors.Is(err, errMissingID):
		return "missing_id"
	case errors.Is(err, errUnknownType):
		return "unknown_type"
	case errors.Is(err, errInvalidTimestamp):
		return "invalid_timestamp"
	case errors.Is(err, errInvalidPayload):
		return "invalid_payload"
	}
	return "malformed"
}

func decodeFields(data []byte) (map[string]interface{}, error) {
	var fields map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: empty body", errInvalidPayload)
	}
	return fields, nil
}

// normalize turns a loosely-typed upstream body into a canonical record.
func normalize(t models.NotificationType, fields map[string]interface{}, receivedAt time.Time) (models.Notification, error) {
	var n models.Notification

	if !t.Valid() {
		return n, fmt.Errorf("%w: %q", errUnknownType, t)
	}

	id, ok := canonicalID(fields)
	if !ok {
		return n, errMissingID
	}

	createdAt, err := canonicalTimestamp(fields, receivedAt)
	if err != nil {
		return n, err
	}

	payload, err := decodePayload(t, fields)
	if err != nil {
		return n, err
	}

	n = models.Notification{
		ID:        id,
		Type:      t,
		CreatedAt: createdAt,
		Read:      boolField(fields, "read"),
		Payload:   payload,
	}
	if md, ok := fields["metadata"].(map[string]interface{}); ok && len(md) > 0 {
		n.Metadata = md
	}
	return n, nil
}

func canonicalID(fields map[string]interface{}) (string, bool) {
	for _, key := range idFields {
		switch v := fields[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s, true
			}
		case json.Number:
			// Kept as sent: 64-bit ids do not survive a float64 round trip.
			if s := v.String(); s != "" {
				return s, true
			}
		case float64:
			if v == math.Trunc(v) {
				return strconv.FormatInt(int64(v), 10), true
			}
			return strconv.FormatFloat(v, 'f', -1, 64), true
		}
	}
	return "", false
}

func canonicalTimestamp(fields map[string]interface{}, receivedAt time.Time) (time.Time, error) {
	for _, key := range timestampFields {
		raw, ok := fields[key]
		if !ok || raw == nil {
			continue
		}
		switch v := raw.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				continue
			}
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return ts.UTC(), nil
			}
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				return fromUnix(n), nil
			}
			return time.Time{}, fmt.Errorf("%w: %s=%q", errInvalidTimestamp, key, v)
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return time.Time{}, fmt.Errorf("%w: %s=%s", errInvalidTimestamp, key, v)
			}
			return fromUnix(f), nil
		case float64:
			return fromUnix(v), nil
		default:
			return time.Time{}, fmt.Errorf("%w: %s has type %T", errInvalidTimestamp, key, raw)
		}
	}
	return receivedAt.UTC(), nil
}

func fromUnix(v float64) time.Time {
	if v >= unixMillisThreshold {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func decodePayload(t models.NotificationType, fields map[string]interface{}) (models.Payload, error) {
	body := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if _, skip := envelopeFields[k]; !skip {
			body[k] = v
		}
	}
	// Some producers nest the typed body under "data" or "payload".
	for _, nested := range []string{"data", "payload"} {
		if inner, ok := body[nested].(map[string]interface{}); ok {
			delete(body, nested)
			for k, v := range inner {
				if _, exists := body[k]; !exists {
					body[k] = v
				}
			}
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}

	target := models.NewPayload(t)
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if err := validate.Struct(target); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}

	// Store the value, not the pointer, so snapshots cannot be mutated through it.
	return reflect.ValueOf(target).Elem().Interface().(models.Payload), nil
}

func boolField(fields map[string]interface{}, key string) bool {
	switch v := fields[key].(type) {
	case bool:
		return v
	case json.Number:
		f, err := v.Float64()
		return err == nil && f != 0
	case float64:
		return v != 0
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func sameContent(a, b models.Notification) bool {
	return a.Type == b.Type &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		reflect.DeepEqual(a.Payload, b.Payload) &&
		reflect.DeepEqual(a.Metadata, b.Metadata)
}
