package registry

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"skillvault/internal/apperr"
)

// decodeEnvelope extracts the JSON payload of a registry reply:
// {"Messages":[{"Data":"<json>","Tags":[...]}],"Error":""}.
func decodeEnvelope(body []byte, endpoint string) (json.RawMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, apperr.Registry(apperr.CodeParseError, endpoint, "reply is not JSON")
	}
	root := gjson.ParseBytes(body)
	if msg := firstString(root, "Error", "error"); msg != "" {
		return nil, apperr.Registry(apperr.CodeRegistryError, endpoint, "%s", msg)
	}
	messages := firstResult(root, "Messages", "messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, apperr.Registry(apperr.CodeEmptyResponse, endpoint, "reply carries no messages")
	}

	var payload gjson.Result
	found := false
	for _, m := range messages.Array() {
		tags := firstResult(m, "Tags", "tags")
		if tagValue(tags, tagAction) == actionError {
			return nil, errorMessage(tags, firstString(m, "Data", "data"), endpoint)
		}
		if !found {
			payload = firstResult(m, "Data", "data")
			found = true
		}
	}

	data := strings.TrimSpace(payload.String())
	if payload.Type != gjson.String {
		// Some processes embed the payload as a JSON value instead of text.
		data = strings.TrimSpace(payload.Raw)
	}
	if data == "" {
		return nil, apperr.Registry(apperr.CodeEmptyResponse, endpoint, "reply message has no data")
	}
	if !gjson.Valid(data) {
		return nil, apperr.Registry(apperr.CodeParseError, endpoint, "reply data is not JSON")
	}
	return json.RawMessage(data), nil
}

func errorMessage(tags gjson.Result, data, endpoint string) error {
	msg := strings.TrimSpace(data)
	if gjson.Valid(msg) {
		if m := firstString(gjson.Parse(msg), "error", "message"); m != "" {
			msg = m
		}
	}
	if msg == "" {
		msg = "registry rejected the request"
	}
	switch strings.ToUpper(tagValue(tags, tagErrorCode)) {
	case errorCodeNotFound:
		return apperr.Registry(apperr.CodeNotFound, endpoint, "%s", msg)
	case errorCodeUnauth, errorCodeForbidden:
		return apperr.Authorization("AUTH_NOT_OWNER", "%s", msg)
	case errorCodeNoFunds:
		return apperr.Authorization("AUTH_INSUFFICIENT_FUNDS", "%s", msg)
	default:
		return apperr.Registry(apperr.CodeRegistryError, endpoint, "%s", msg)
	}
}

// embeddedError reports a fast-path body that is valid JSON but signals
// failure through a top-level "status":"error" or "error" field.
func embeddedError(body []byte) (string, bool) {
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return "", false
	}
	if strings.EqualFold(root.Get("status").String(), "error") {
		msg := root.Get("message").String()
		if msg == "" {
			msg = "status error"
		}
		return msg, true
	}
	if e := root.Get("error"); e.Exists() && e.Type != gjson.Null && e.String() != "" && e.Type != gjson.False {
		return e.String(), true
	}
	return "", false
}

func tagValue(tags gjson.Result, name string) string {
	for _, t := range tags.Array() {
		if firstString(t, "name", "Name") == name {
			return firstString(t, "value", "Value")
		}
	}
	return ""
}

func firstResult(r gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func firstString(r gjson.Result, keys ...string) string {
	return strings.TrimSpace(firstResult(r, keys...).String())
}

// shape is the JSON type an operation's payload must have.
type shape int

const (
	shapeObject shape = iota
	shapeArray
)

// decodePayload checks raw against want and unmarshals it into out.
func decodePayload(raw json.RawMessage, want shape, endpoint string, out any) error {
	r := gjson.ParseBytes(raw)
	switch {
	case want == shapeArray && !r.IsArray():
		return apperr.Registry(apperr.CodeInvalidStructure, endpoint, "expected an array, got %s", describe(r))
	case want == shapeObject && !r.IsObject():
		return apperr.Registry(apperr.CodeInvalidStructure, endpoint, "expected an object, got %s", describe(r))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Registry(apperr.CodeInvalidStructure, endpoint, "unexpected payload: %v", err)
	}
	return nil
}

func describe(r gjson.Result) string {
	if r.IsArray() {
		return "array"
	}
	return r.Type.String()
}
