package typeregistry

import (
	"fmt"
	"strings"
)

// Unknown is the size of an axis that is only known once a value is bound
const Unknown = -1

// Shape is an ordered list of axis sizes
type Shape []int

// UnknownShape returns a shape of the given rank with every axis Unknown
func UnknownShape(rank int) Shape {
	s := make(Shape, rank)
	for i := range s {
		s[i] = Unknown
	}
	return s
}

func (s Shape) Rank() int { return len(s) }

// Concrete reports whether every axis size is known
func (s Shape) Concrete() bool {
	for _, v := range s {
		if v < 0 {
			return false
		}
	}
	return true
}

// Elements returns the number of elements a concrete shape holds
func (s Shape) Elements() int {
	n := 1
	for _, v := range s {
		n *= v
	}
	return n
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	return append(Shape{}, s...)
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, v := range s {
		if v == Unknown {
			parts[i] = "?"
		} else {
			parts[i] = fmt.Sprint(v)
		}
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
