package domain

import "strings"

// Rank0Suffix marks a replica UID as the special rank-0 coordinator replica
// of a multi-replica xavier launch (spec §3, Glossary).
const Rank0Suffix = "-rank0"

// ParseReplicaUID splits a replica UID into its logical origin UID and
// replica index. Replica UIDs follow the convention "<origin>-<index>",
// e.g. "llama3-70b-0" -> ("llama3-70b", 0). UIDs with no trailing "-<int>"
// segment are treated as their own origin with index 0, which is the
// correct behaviour for the "-rank0" suffix (handled specially by callers,
// see OriginUID) and for plain, unreplicated launches.
func ParseReplicaUID(uid string) (originUID string, replicaIndex int) {
	idx := strings.LastIndex(uid, "-")
	if idx < 0 || idx == len(uid)-1 {
		return uid, 0
	}
	suffix := uid[idx+1:]
	n, ok := parseNonNegativeInt(suffix)
	if !ok {
		return uid, 0
	}
	return uid[:idx], n
}

// OriginUID returns the logical model UID for a replica UID, stripping the
// reserved "-rank0" suffix specially (it does not carry a numeric replica
// index) before falling back to ParseReplicaUID (spec §4.E-Terminate).
func OriginUID(uid string) string {
	if strings.HasSuffix(uid, Rank0Suffix) {
		return strings.TrimSuffix(uid, Rank0Suffix)
	}
	origin, _ := ParseReplicaUID(uid)
	return origin
}

// IsRank0 reports whether uid is a rank-0 coordinator replica.
func IsRank0(uid string) bool {
	return strings.HasSuffix(uid, Rank0Suffix)
}

func parseNonNegativeInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
