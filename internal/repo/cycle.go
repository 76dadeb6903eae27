package repo

import "github.com/roach88/avm/internal/avm"

// DefaultMaxHops bounds the number of indirections one resolution may follow.
const DefaultMaxHops = 64

// resolution tracks the layered locations a single lookup is currently
// descending through.
//
// A cycle occurs when resolving a name below a layered directory requires
// resolving the same name below that same directory again, e.g.
//
//	A:/d -> B:/d -> A:/d
//
// Before a layered directory's underlying directory is consulted its real
// location is entered; it is left again once the name has been resolved
// there. Entering a location that is already entered is a cycle. Chains that
// never repeat a location but keep growing are cut off by the hop limit.
type resolution struct {
	active  map[string]bool
	maxHops int
}

func newResolution(maxHops int) *resolution {
	return &resolution{active: make(map[string]bool), maxHops: maxHops}
}

// enter marks location as being resolved. It fails with a CycleError when
// location is already active or hops exceeds the limit.
func (r *resolution) enter(location avm.VersionPath, hops int) error {
	key := location.String()
	if r.active[key] || hops > r.maxHops {
		return avm.NewCycleError(key, hops)
	}
	r.active[key] = true
	return nil
}

func (r *resolution) leave(location avm.VersionPath) {
	delete(r.active, location.String())
}
