package builder

import "fmt"

// AccessType is the permission a generated kernel has on one storage channel
type AccessType int

const (
	AccessNone AccessType = iota
	AccessRead
	AccessReadWrite
)

func (a AccessType) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessReadWrite:
		return "readwrite"
	default:
		return "none"
	}
}

// MaxAccess returns the wider of two permissions
func MaxAccess(a, b AccessType) AccessType {
	if a > b {
		return a
	}
	return b
}

// AccessPair holds the primal and derivative permissions of a variable
type AccessPair [2]AccessType

func (p AccessPair) Primal() AccessType     { return p[0] }
func (p AccessPair) Derivative() AccessType { return p[1] }

// Active reports whether either channel is transferred
func (p AccessPair) Active() bool {
	return p[0] != AccessNone || p[1] != AccessNone
}

// Max merges two pairs channel by channel
func (p AccessPair) Max(o AccessPair) AccessPair {
	return AccessPair{MaxAccess(p[0], o[0]), MaxAccess(p[1], o[1])}
}

func (p AccessPair) String() string {
	return fmt.Sprintf("(%s, %s)", p[0], p[1])
}

// Decorate returns the parameter decoration for a direction, followed by
// no_diff when the value takes no part in differentiation.
func Decorate(io string, noDiff bool) string {
	if noDiff {
		return io + " no_diff"
	}
	return io
}
