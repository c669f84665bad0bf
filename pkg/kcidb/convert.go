package kcidb

import (
	"strings"

	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/utils/pointer"
)

// qualify prefixes a node id with the origin, the sink's id convention.
func qualify(origin, id string) string {
	return origin + ":" + id
}

// ConvertCheckout maps a terminal checkout node onto the sink schema.
func ConvertCheckout(origin string, node domain.Node) Checkout {
	rev := node.Data.KernelRevision
	if rev == nil {
		rev = &domain.Revision{}
	}
	return Checkout{
		ID:                  qualify(origin, node.ID),
		Origin:              origin,
		TreeName:            rev.Tree,
		GitRepositoryURL:    rev.URL,
		GitCommitHash:       rev.Commit,
		GitRepositoryBranch: rev.Branch,
		GitCommitName:       rev.Describe,
		PatchsetHash:        "",
		StartTime:           node.Created.String(),
		Valid:               pointer.Ref(node.Result != domain.Fail),
		Misc:                map[string]any{"submitted_by": "kite-pipeline"},
	}
}

// ConvertBuild maps a terminal kbuild node; checkoutID is the sink id
// of its root checkout.
func ConvertBuild(origin string, node domain.Node, checkoutID string) Build {
	return Build{
		ID:           qualify(origin, node.ID),
		CheckoutID:   checkoutID,
		Origin:       origin,
		Architecture: node.Data.Arch,
		Compiler:     node.Data.Compiler,
		ConfigName:   node.Data.Defconfig,
		StartTime:    node.Created.String(),
		LogURL:       node.Artifacts["log"],
		Valid:        pointer.Ref(node.Result == domain.Pass),
		Misc:         map[string]any{"job_id": node.Data.JobID},
	}
}

// ConvertTest maps a terminal test/job node; buildID is the sink id of
// the kbuild ancestor.
func ConvertTest(origin string, node domain.Node, buildID string) Test {
	test := Test{
		ID:        qualify(origin, node.ID),
		BuildID:   buildID,
		Origin:    origin,
		Path:      strings.Join(node.Path, "."),
		Status:    statusOf(node),
		StartTime: node.Created.String(),
		LogURL:    node.Artifacts["log"],
	}
	if node.Data.Platform != "" {
		test.EnvironmentMisc = map[string]any{"platform": node.Data.Platform}
	}
	return test
}

func statusOf(node domain.Node) string {
	if node.Data.ErrorCode != "" {
		return "ERROR"
	}
	switch node.Result {
	case domain.Pass:
		return "PASS"
	case domain.Fail:
		return "FAIL"
	case domain.Skip:
		return "SKIP"
	case domain.Incomplete:
		return "ERROR"
	default:
		return "MISS"
	}
}
