package rtcengine

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pion/ice/v4"
)

// BuildTCPPassiveCandidate constructs the single ICE-lite TCP passive
// candidate advertised in the SDP answer, at the resolved host:port given by
// addr. Component is always RTP (1); the candidate never negotiates
// connectivity checks itself, it only advertises one fixed address for the
// peer to dial.
func BuildTCPPassiveCandidate(addr *net.TCPAddr) (*ice.CandidateHost, string, error) {
	portStr := strconv.Itoa(addr.Port)
	cand, err := ice.NewCandidateHost(&ice.CandidateHostConfig{
		Network:   "tcp",
		Address:   addr.IP.String(),
		Port:      addr.Port,
		Component: ice.ComponentRTP,
		TCPType:   ice.TCPTypePassive,
	})
	if err != nil {
		return nil, "", NewIceError(fmt.Sprintf("failed to construct TCP passive candidate at %s:%s", addr.IP.String(), portStr), err)
	}
	return cand, cand.Marshal(), nil
}
