package profile

// Field is a tri-state patch value: absent (Set false), cleared (Set true,
// Value nil) or set (Set true, Value non-nil).
type Field[T any] struct {
	Set   bool
	Value *T
}

// Keep leaves the stored value untouched.
func Keep[T any]() Field[T] { return Field[T]{} }

// Clear sets the stored value to null.
func Clear[T any]() Field[T] { return Field[T]{Set: true} }

// To sets the stored value to v.
func To[T any](v T) Field[T] { return Field[T]{Set: true, Value: &v} }

// Patch describes a partial profile update.
//
// Email and Password cannot be cleared; a cleared value is rejected with
// ErrBadRequest.
type Patch struct {
	Email       Field[string]
	Password    Field[string]
	DisplayName Field[string]
	AvatarHash  Field[string]
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return !p.Email.Set && !p.Password.Set && !p.DisplayName.Set && !p.AvatarHash.Set
}
