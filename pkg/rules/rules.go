package rules

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/opst/kite/pkg/config"
	"github.com/opst/kite/pkg/domain"
)

// Eligible evaluates every non-frequency rule of a job definition
// against the node the triggering event points at. Frequency gates need
// store history; the scheduler checks them separately.
func Eligible(r *config.JobRules, node domain.Node) bool {
	rev := node.Data.KernelRevision
	if rev == nil {
		rev = &domain.Revision{}
	}

	if !MatchScoped(r.Tree(), rev.Tree, rev.Tree, rev.Branch) {
		return false
	}
	if !MatchScoped(r.Branch(), rev.Branch, rev.Tree, rev.Branch) {
		return false
	}
	if !MatchVersion(r.MinVersion(), r.MaxVersion(), *rev) {
		return false
	}
	if !MatchValue(r.Arch(), node.Data.Arch) {
		return false
	}
	if !MatchValue(r.Defconfig(), node.Data.Defconfig) {
		return false
	}
	if !MatchSet(r.Fragments(), node.Data.Fragments) {
		return false
	}
	return true
}

// MatchScoped evaluates the tree/branch rule grammar.
//
// An entry is "x", "tree:branch", or either with a "!" prefix to deny.
// A bare "x" compares against value; a scoped "a:b" matches only when
// both the tree and the branch agree. A job is eligible iff no deny
// entry matches, and either no allow entry exists or one matches.
func MatchScoped(ruleList []string, value, tree, branch string) bool {
	hasAllow := false
	allowed := false
	for _, raw := range ruleList {
		entry, deny := strings.CutPrefix(raw, "!")
		matched := false
		if scopeTree, scopeBranch, scoped := strings.Cut(entry, ":"); scoped {
			matched = scopeTree == tree && scopeBranch == branch
		} else {
			matched = entry == value
		}
		if deny {
			if matched {
				return false
			}
			continue
		}
		hasAllow = true
		if matched {
			allowed = true
		}
	}
	return !hasAllow || allowed
}

// MatchValue evaluates a plain membership rule list with "!" negation,
// as used for arch and defconfig.
func MatchValue(ruleList []string, value string) bool {
	hasAllow := false
	allowed := false
	for _, raw := range ruleList {
		entry, deny := strings.CutPrefix(raw, "!")
		matched := entry == value
		if deny {
			if matched {
				return false
			}
			continue
		}
		hasAllow = true
		if matched {
			allowed = true
		}
	}
	return !hasAllow || allowed
}

// MatchSet evaluates a membership rule list against a set of values,
// as used for config fragments. An allow entry matches when any value
// equals it; a deny entry rejects when any value equals it.
func MatchSet(ruleList []string, values []string) bool {
	inSet := map[string]bool{}
	for _, v := range values {
		inSet[v] = true
	}

	hasAllow := false
	allowed := false
	for _, raw := range ruleList {
		entry, deny := strings.CutPrefix(raw, "!")
		matched := inSet[entry]
		if deny {
			if matched {
				return false
			}
			continue
		}
		hasAllow = true
		if matched {
			allowed = true
		}
	}
	return !hasAllow || allowed
}

// MatchVersion checks the inclusive [min, max] version window against
// the revision. A revision whose version could not be derived passes
// open-ended windows only.
func MatchVersion(min, max *config.Version, rev domain.Revision) bool {
	version, patchlevel := rev.Version, rev.Patchlevel
	if version == 0 {
		var ok bool
		version, patchlevel, ok = ParseVersion(rev.Describe)
		if !ok {
			return min == nil && max == nil
		}
	}

	if min != nil {
		if version < min.Version() ||
			(version == min.Version() && patchlevel < min.Patchlevel()) {
			return false
		}
	}
	if max != nil {
		if max.Version() < version ||
			(version == max.Version() && max.Patchlevel() < patchlevel) {
			return false
		}
	}
	return true
}

var versionPattern = regexp.MustCompile(`^v?(\d+)\.(\d+)`)

// ParseVersion derives (version, patchlevel) from a git describe string
// like "v6.1-rc3-57-gdeadbeef". The bool is false when the string does
// not lead with a version.
func ParseVersion(describe string) (int, int, bool) {
	m := versionPattern.FindStringSubmatch(describe)
	if m == nil {
		return 0, 0, false
	}
	version, _ := strconv.Atoi(m[1])
	patchlevel, _ := strconv.Atoi(m[2])
	return version, patchlevel, true
}

// MatchJobFilter applies a node's jobfilter to a job name. An empty
// filter means "all eligible jobs"; otherwise the name has to match at
// least one glob pattern.
func MatchJobFilter(filter []string, jobName string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, pattern := range filter {
		// "name+" is shorthand for the job and its variants, as used by
		// retry events targeting e.g. "kbuild-gcc-12-arm64+".
		if trimmed, ok := strings.CutSuffix(pattern, "+"); ok {
			if strings.HasPrefix(jobName, trimmed) {
				return true
			}
			continue
		}
		if ok, err := doublestar.Match(pattern, jobName); err == nil && ok {
			return true
		}
	}
	return false
}
