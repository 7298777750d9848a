// Package validator checks policy configuration trees at design time. The
// walk accumulates every finding and never aborts: a report lists all errors
// of all blocks, modules and tools in one pass.
package validator

// BlockReport is the validation outcome of one block.
type BlockReport struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Errors  []string `json:"errors"`
	IsValid bool     `json:"isValid"`
}

// SerializedErrors is the complete validation report of one policy.
type SerializedErrors struct {
	IsValid bool          `json:"isValid"`
	Blocks  []BlockReport `json:"blocks"`
	Modules []BlockReport `json:"modules"`
	Tools   []BlockReport `json:"tools"`
	Errors  []string      `json:"errors"`
	// TagCount reports how many blocks carry each tag; consumers distinguish
	// a singular tag from one addressing a set of blocks.
	TagCount map[string]int `json:"tagCount"`
}

func (s *SerializedErrors) addCommon(message string) {
	s.Errors = append(s.Errors, message)
	s.IsValid = false
}
