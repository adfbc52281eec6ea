package wire

import (
	"encoding/json"
	"fmt"
)

// PromptField decodes either a JSON string or a JSON array of strings into
// a uniform []string, matching the OpenAI API's `prompt`/`input` fields
// (spec.md §6: "prompt: string|array").
type PromptField []string

// UnmarshalJSON implements json.Unmarshaler.
func (p *PromptField) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*p = []string{single}
		return nil
	}

	var multi []string
	if err := json.Unmarshal(data, &multi); err == nil {
		*p = multi
		return nil
	}

	return fmt.Errorf("wire: prompt/input field must be a string or array of strings")
}

// MarshalJSON implements json.Marshaler, always encoding as an array for
// round-trip stability.
func (p PromptField) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string(p))
}
