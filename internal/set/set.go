// Package set provides small helpers for string sets.
package set

// FromSlice converts a slice to a set.
func FromSlice(sl []string) map[string]struct{} {
	result := make(map[string]struct{}, len(sl))

	for _, elem := range sl {
		result[elem] = struct{}{}
	}

	return result
}

// ToSlice converts a set to a slice, order is undefined.
func ToSlice(m map[string]struct{}) []string {
	res := make([]string, 0, len(m))

	for k := range m {
		res = append(res, k)
	}

	return res
}

// Equal returns true if both sets contain the same elements.
func Equal(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}

	for k := range a {
		if _, exist := b[k]; !exist {
			return false
		}
	}

	return true
}
