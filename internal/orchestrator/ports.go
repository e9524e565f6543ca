package orchestrator

import (
	"fmt"
	"math/rand"
)

// Host port range handed out to challenge containers.
const (
	hostPortMin = 30000
	hostPortMax = 60000
)

// allocateHostPorts picks a distinct random host port for each required
// container port. Randomness spreads instances across the range; the backend
// surfaces a bind conflict as a create failure, which the caller reports as
// a BackendError rather than retrying inside a lock.
func allocateHostPorts(required []int) (map[int]int, error) {
	if len(required) > (hostPortMax-hostPortMin)/2 {
		return nil, fmt.Errorf("%w: too many required ports (%d)", ErrInvalidRequest, len(required))
	}

	assigned := make(map[int]int, len(required))
	used := make(map[int]struct{}, len(required))
	for _, containerPort := range required {
		for {
			candidate := hostPortMin + rand.Intn(hostPortMax-hostPortMin)
			if _, taken := used[candidate]; taken {
				continue
			}
			used[candidate] = struct{}{}
			assigned[containerPort] = candidate
			break
		}
	}
	return assigned, nil
}
