package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// AllowList is a sender allowlist. Config files may mix strings and numbers
// (Telegram user ids are numeric, Slack ids are strings); entries normalize
// to their string form.
type AllowList []string

func (a *AllowList) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("allowFrom must be an array of strings or numbers: %w", err)
	}
	out := make(AllowList, 0, len(raw))
	for _, v := range raw {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case json.Number:
			out = append(out, t.String())
		default:
			return fmt.Errorf("allowFrom entry %v has unsupported type %T", v, v)
		}
	}
	*a = out
	return nil
}

// Contains reports whether sender passes the allowlist. Matching is
// case-insensitive on the normalized string form.
func (a AllowList) Contains(sender string) bool {
	for _, entry := range a {
		if strings.EqualFold(entry, sender) {
			return true
		}
	}
	return false
}

// With returns a copy of the list with sender appended, unless already present.
func (a AllowList) With(sender string) AllowList {
	if a.Contains(sender) {
		out := make(AllowList, len(a))
		copy(out, a)
		return out
	}
	out := make(AllowList, 0, len(a)+1)
	out = append(out, a...)
	return append(out, sender)
}

// Without returns a copy of the list with sender removed.
func (a AllowList) Without(sender string) AllowList {
	out := make(AllowList, 0, len(a))
	for _, entry := range a {
		if !strings.EqualFold(entry, sender) {
			out = append(out, entry)
		}
	}
	return out
}
