package api

import "encoding/json"

// MarshalJSON encodes a Step through its StepDocument form.
func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Document())
}

// UnmarshalJSON decodes a Step from its StepDocument form and selects the
// config variant from the kind field.
func (s *Step) UnmarshalJSON(data []byte) error {
	var doc StepDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	step, err := doc.Step()
	if err != nil {
		return err
	}
	*s = step
	return nil
}
