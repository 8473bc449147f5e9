package decision

import "fmt"

func errEmpty(field string) error {
	return fmt.Errorf("%s: must not be empty", field)
}

func errInvalid(field, got string) error {
	return fmt.Errorf("%s: invalid value %q", field, got)
}

func errMustBePositive(field string) error {
	return fmt.Errorf("%s: must be > 0", field)
}

func errRange(field string, lo, hi int) error {
	return fmt.Errorf("%s: must be between %d and %d", field, lo, hi)
}
