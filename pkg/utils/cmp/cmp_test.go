package cmp_test

import (
	"testing"

	"github.com/opst/kite/pkg/utils/cmp"
)

func TestSliceEq(t *testing.T) {
	t.Run("order matters", func(t *testing.T) {
		if !cmp.SliceEq([]string{"a", "b"}, []string{"a", "b"}) {
			t.Error("equal slices should compare equal")
		}
		if cmp.SliceEq([]string{"a", "b"}, []string{"b", "a"}) {
			t.Error("order should matter")
		}
		if cmp.SliceEq([]string{"a"}, []string{"a", "a"}) {
			t.Error("length should matter")
		}
	})
}

func TestSliceContentEq(t *testing.T) {
	t.Run("order and multiplicity do not matter", func(t *testing.T) {
		if !cmp.SliceContentEq([]int{1, 2, 2, 3}, []int{3, 2, 1}) {
			t.Error("same content should compare equal")
		}
		if cmp.SliceContentEq([]int{1, 2}, []int{1, 2, 3}) {
			t.Error("extra elements should be detected")
		}
	})
}

func TestMapEq(t *testing.T) {
	t.Run("key-value pairs compare", func(t *testing.T) {
		a := map[string]int{"x": 1, "y": 2}
		if !cmp.MapEq(a, map[string]int{"y": 2, "x": 1}) {
			t.Error("equal maps should compare equal")
		}
		if cmp.MapEq(a, map[string]int{"x": 1, "y": 3}) {
			t.Error("differing values should be detected")
		}
		if cmp.MapEq(a, map[string]int{"x": 1}) {
			t.Error("missing keys should be detected")
		}
	})
}
