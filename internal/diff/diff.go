// Package diff computes the non-follower candidate list from two relationship snapshots.
package diff

import (
	"strings"

	"github.com/punchamoorthee/unfollowops/internal/domain"
)

// Filter configures a scan. The zero value keeps every non-follower.
type Filter struct {
	// Allowlist holds handles that are never returned. Matching ignores case,
	// surrounding whitespace and a leading '@'.
	Allowlist []string
	// Heuristic drops verified accounts and accounts with more than
	// FollowerThreshold followers.
	Heuristic         bool
	FollowerThreshold int64
	// MaxCandidates caps how many non-followers are examined, in following order.
	// Zero means unlimited.
	MaxCandidates int
}

// Result is the outcome of one scan.
type Result struct {
	Candidates  []domain.Candidate `json:"users"`
	Mutual      int                `json:"mutual"`
	Allowlisted int                `json:"allowlisted"`
	Filtered    int                `json:"filtered"`
}

// NonFollowers returns the entries of following whose id is absent from followers,
// preserving the order of following.
func NonFollowers(following, followers []domain.RemoteUser, f Filter) Result {
	back := make(map[string]struct{}, len(followers))
	for _, u := range followers {
		back[u.ID] = struct{}{}
	}

	allow := make(map[string]struct{}, len(f.Allowlist))
	for _, h := range f.Allowlist {
		if n := normalizeHandle(h); n != "" {
			allow[n] = struct{}{}
		}
	}

	res := Result{Candidates: make([]domain.Candidate, 0)}
	examined := 0
	for _, u := range following {
		if _, ok := back[u.ID]; ok {
			res.Mutual++
			continue
		}
		if f.MaxCandidates > 0 && examined >= f.MaxCandidates {
			break
		}
		examined++

		if _, ok := allow[normalizeHandle(u.Handle)]; ok {
			res.Allowlisted++
			continue
		}
		if f.Heuristic && (u.Verified || u.Followers() > f.FollowerThreshold) {
			res.Filtered++
			continue
		}
		res.Candidates = append(res.Candidates, domain.Candidate{
			ID:        u.ID,
			Handle:    u.Handle,
			Followers: u.Followers(),
			Verified:  u.Verified,
		})
	}
	return res
}

func normalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}
