package ids

import "github.com/google/uuid"

func New() string {
	return uuid.NewString()
}

// Valid reports whether id is a canonical uuid string as produced by New.
func Valid(id string) bool {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return parsed.String() == id
}
