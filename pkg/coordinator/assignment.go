package coordinator

import "fmt"

// GroupMembers is the primary and ordered backup addresses for one
// replica group.
type GroupMembers struct {
	Primary     string
	Secondaries []string
}

// Members returns every address in the group, primary first.
func (g GroupMembers) Members() []string {
	out := make([]string, 0, 1+len(g.Secondaries))
	out = append(out, g.Primary)
	out = append(out, g.Secondaries...)
	return out
}

// Assignment is the static mapping computed at startup: which replica
// group owns each letter of the alphabet, and who that group's members
// are.
type Assignment struct {
	LetterToGroup map[byte]int
	Groups        []GroupMembers
}

const alphabet = "abcdefghijklmnopqrstuvwxyz"

// addrFor builds a replica's address from the port-naming convention in
// original_source/coordinator/src/coordinator.cc: "ip:5<group><replica>0",
// where replica 0 is the group's primary and 1..B are its backups.
func addrFor(ipAddr string, group, replica int) string {
	return fmt.Sprintf("%s:5%d%d0", ipAddr, group, replica)
}

// ComputeAssignment partitions the 26-letter alphabet across numGroups
// replica groups of (1 primary + numBackups secondaries), following
// coordinator.cc's partitioning loop exactly: letter i is assigned to
// the current group while i < (26/numGroups)*(group+1), and the group
// counter advances otherwise. Both numGroups and numBackups must be >=
// 1; ipAddr is the fixed address every replica in the cluster binds to,
// distinguished only by port.
func ComputeAssignment(numGroups, numBackups int, ipAddr string) (Assignment, error) {
	if numGroups < 1 {
		return Assignment{}, fmt.Errorf("number of replica groups must be at least 1, got %d", numGroups)
	}
	if numBackups < 1 {
		return Assignment{}, fmt.Errorf("number of backups per group must be at least 1, got %d", numBackups)
	}

	letterToGroup := make(map[byte]int, len(alphabet))
	groups := make([]GroupMembers, numGroups)
	for g := range groups {
		groups[g] = GroupMembers{
			Primary:     addrFor(ipAddr, g, 0),
			Secondaries: secondaryAddrs(ipAddr, g, numBackups),
		}
	}

	group := 0
	for i := 0; i < len(alphabet); {
		if float64(i) < (float64(len(alphabet))/float64(numGroups))*float64(group+1) {
			letterToGroup[alphabet[i]] = group
			i++
			continue
		}
		group++
	}

	return Assignment{LetterToGroup: letterToGroup, Groups: groups}, nil
}

func secondaryAddrs(ipAddr string, group, numBackups int) []string {
	addrs := make([]string, numBackups)
	for r := 1; r <= numBackups; r++ {
		addrs[r-1] = addrFor(ipAddr, group, r)
	}
	return addrs
}
