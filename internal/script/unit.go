package script

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Kind uint8

const (
	KindText Kind = iota
	KindSilence
)

// Unit is one element of a narration script: either a piece of text to be
// spoken or a pause measured in seconds.
//
// On the wire a text unit is a bare JSON string and a silence unit is an
// object like {"silence": 0.5}, so a script is a heterogeneous JSON array.
type Unit struct {
	Kind    Kind
	Text    string
	Seconds float64
}

func Text(s string) Unit { return Unit{Kind: KindText, Text: s} }

func Silence(seconds float64) Unit { return Unit{Kind: KindSilence, Seconds: seconds} }

func (u Unit) IsText() bool    { return u.Kind == KindText }
func (u Unit) IsSilence() bool { return u.Kind == KindSilence }

type silenceJSON struct {
	Silence float64 `json:"silence"`
}

func (u Unit) MarshalJSON() ([]byte, error) {
	if u.IsSilence() {
		return json.Marshal(silenceJSON{Silence: u.Seconds})
	}
	return json.Marshal(u.Text)
}

func (u *Unit) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return fmt.Errorf("script: empty unit")
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = Text(s)
		return nil
	case '{':
		var s silenceJSON
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = Silence(s.Silence)
		return nil
	default:
		return fmt.Errorf("script: unit must be a string or a silence object, got %s", string(b))
	}
}

// TextUnits returns the text of every text unit, in script order.
func TextUnits(units []Unit) []string {
	out := make([]string, 0, len(units))
	for _, u := range units {
		if u.IsText() {
			out = append(out, u.Text)
		}
	}
	return out
}
