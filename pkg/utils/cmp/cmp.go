package cmp

// SliceEq returns true when a and b have the same elements in the same order.
func SliceEq[T comparable](a, b []T) bool {
	return SliceEqWith(a, b, func(x, y T) bool { return x == y })
}

// SliceEqWith compares two slices elementwise with eq.
func SliceEqWith[T, U any](a []T, b []U, eq func(T, U) bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !eq(a[i], b[i]) {
			return false
		}
	}
	return true
}

// SliceContentEq returns true when a and b have the same elements,
// ignoring order and multiplicity of duplicates.
func SliceContentEq[T comparable](a, b []T) bool {
	inA := map[T]struct{}{}
	for _, x := range a {
		inA[x] = struct{}{}
	}
	inB := map[T]struct{}{}
	for _, y := range b {
		if _, ok := inA[y]; !ok {
			return false
		}
		inB[y] = struct{}{}
	}
	return len(inA) == len(inB)
}

// MapEq returns true when a and b have the same key-value pairs.
func MapEq[K, V comparable](a, b map[K]V) bool {
	return MapEqWith(a, b, func(x, y V) bool { return x == y })
}

// MapEqWith compares two maps with eq over values of shared keys.
func MapEqWith[K comparable, V, W any](a map[K]V, b map[K]W, eq func(V, W) bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || !eq(va, vb) {
			return false
		}
	}
	return true
}
