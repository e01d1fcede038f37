package vm

import (
	"errors"
	"fmt"
)

// ErrDependencyClash reports two dependency tables that disagree at the same
// position.
var ErrDependencyClash = errors.New("dependency name clash")

// MergeDependency reconciles the dependency name incoming with the entry cur
// occupying the same table position. The base names must match. The
// incoming name replaces cur when its version is newer and no longer, since
// a newer version of a function set or metaclass is backward compatible.
func MergeDependency(cur, incoming string) (string, error) {
	curBase, curVsn := SplitVersion(cur)
	inBase, inVsn := SplitVersion(incoming)
	if curBase != inBase {
		return cur, fmt.Errorf("%w: %q vs %q", ErrDependencyClash, cur, incoming)
	}
	if inVsn > curVsn && len(inVsn) <= len(curVsn) {
		return incoming, nil
	}
	return cur, nil
}
