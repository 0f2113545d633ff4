package dicomweb

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// attribute is one element of a DICOM JSON dataset.
type attribute struct {
	VR    string            `json:"vr"`
	Value []json.RawMessage `json:"Value,omitempty"`
}

// text returns the first value as a string. IS and DS values may be encoded as numbers.
func (a attribute) text() string {
	if len(a.Value) == 0 {
		return ""
	}
	return rawString(a.Value[0])
}

func (a attribute) texts() []string {
	out := make([]string, 0, len(a.Value))
	for _, raw := range a.Value {
		out = append(out, rawString(raw))
	}
	return out
}

func (a attribute) number() int {
	n, err := strconv.Atoi(a.text())
	if err != nil {
		return 0
	}
	return n
}

func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
