package models

// InputState is the leader-arbitrated typing channel shared by every puzzle.
type InputState struct {
	Value string `json:"value"`

	// Fields holds named sub-inputs for multi-field forms such as the login screen.
	Fields      map[string]string `json:"fields,omitempty"`
	ActiveField string            `json:"activeField,omitempty"`

	OwnerName     string `json:"ownerName,omitempty"`
	IsInputActive bool   `json:"isInputActive"`
	Error         string `json:"error,omitempty"`
	Attempts      int    `json:"attempts"`
	Solved        bool   `json:"solved"`
	SolvedAt      int64  `json:"solvedAt,omitempty"`
}

// Field returns a named field value, falling back to Value when the channel has no fields.
func (s InputState) Field(name string) string {
	if name == "" {
		return s.Value
	}
	return s.Fields[name]
}
