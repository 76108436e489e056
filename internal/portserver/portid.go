package portserver

import (
	"fmt"
	"strconv"
	"strings"
)

// VirtualPrefix marks port identifiers that denote a software-declared
// port rather than an enumerated hardware port.
const VirtualPrefix = "virtual:"

// MakePortID builds the stable identifier for a port a server enumerates
// only by array position.
func MakePortID(portType string, index int) string {
	return fmt.Sprintf("%s-%d", portType, index)
}

// IsVirtualPortID reports whether id denotes a virtual port.
func IsVirtualPortID(id string) bool {
	return strings.HasPrefix(id, VirtualPrefix)
}

// VirtualPortID builds the identifier for a declared virtual port.
func VirtualPortID(id string) string {
	return VirtualPrefix + id
}

// ParsePortID decomposes an identifier of the form "<direction>-<index>"
// into its direction and index. Virtual identifiers and identifiers that
// do not match the scheme return ok=false and are passed through
// unchanged by callers; this is deliberately permissive so
// already-resolved ids survive a round trip.
func ParsePortID(id string) (portType string, index int, ok bool) {
	if IsVirtualPortID(id) {
		return "", 0, false
	}

	i := strings.LastIndex(id, "-")
	if i <= 0 || i == len(id)-1 {
		return "", 0, false
	}

	portType = id[:i]
	if portType != PortTypeInput && portType != PortTypeOutput {
		return "", 0, false
	}

	index, err := strconv.Atoi(id[i+1:])
	if err != nil || index < 0 {
		return "", 0, false
	}

	return portType, index, true
}
