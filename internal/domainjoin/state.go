package domainjoin

import "strings"

// State is a step of the join or leave flow.
type State int

const (
	Idle State = iota
	ConfigureChecked
	Joining
	Joined
	JoinFailed
	Restarting
	LeaveRequested
	LeftDomain
	LeaveFailed
	ArtifactsCleaned
	Done
)

var stateNames = [...]string{
	Idle:             "idle",
	ConfigureChecked: "configure_checked",
	Joining:          "joining",
	Joined:           "joined",
	JoinFailed:       "join_failed",
	Restarting:       "restarting",
	LeaveRequested:   "leave_requested",
	LeftDomain:       "left_domain",
	LeaveFailed:      "leave_failed",
	ArtifactsCleaned: "artifacts_cleaned",
	Done:             "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Membership is the guest's relation to the target domain.
type Membership int

const (
	MembershipUnknown Membership = iota
	MembershipJoined
	MembershipNotJoined
)

func (m Membership) String() string {
	switch m {
	case MembershipJoined:
		return "joined"
	case MembershipNotJoined:
		return "not_joined"
	default:
		return "unknown"
	}
}

// MembershipInfo is what the guest reported about itself.
type MembershipInfo struct {
	State        Membership
	PartOfDomain bool
	Domain       string // domain or workgroup name
	ComputerName string
}

// parseMembership reads the three lines printed by script.MembershipQuery.
func parseMembership(lines []string, target string) MembershipInfo {
	var clean []string
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			clean = append(clean, l)
		}
	}
	if len(clean) < 2 {
		return MembershipInfo{State: MembershipUnknown}
	}

	info := MembershipInfo{
		PartOfDomain: strings.EqualFold(clean[0], "true"),
		Domain:       clean[1],
	}
	if len(clean) > 2 {
		info.ComputerName = clean[2]
	}
	if !strings.EqualFold(clean[0], "true") && !strings.EqualFold(clean[0], "false") {
		info.State = MembershipUnknown
		return info
	}

	if info.PartOfDomain && target != "" && strings.EqualFold(info.Domain, target) {
		info.State = MembershipJoined
	} else {
		info.State = MembershipNotJoined
	}
	return info
}
