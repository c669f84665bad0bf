package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/opst/kite/pkg/utils/rfctime"
)

// NodeKind classifies what a node stands for in the work tree.
type NodeKind string

const (
	// Root of a tree: a specific (tree, branch, commit) of a source repository.
	KindCheckout NodeKind = "checkout"

	// A kernel build.
	KindKbuild NodeKind = "kbuild"

	// A test suite submitted to a runtime.
	KindJob NodeKind = "job"

	// A single test case.
	KindTest NodeKind = "test"

	// A post-processing step.
	KindProcess NodeKind = "process"

	// A recorded pass -> fail transition, cross-linking both nodes.
	KindRegression NodeKind = "regression"
)

func (k NodeKind) String() string {
	return string(k)
}

func AsNodeKind(kind string) (NodeKind, error) {
	switch kind {
	case string(KindCheckout):
		return KindCheckout, nil
	case string(KindKbuild):
		return KindKbuild, nil
	case string(KindJob):
		return KindJob, nil
	case string(KindTest):
		return KindTest, nil
	case string(KindProcess):
		return KindProcess, nil
	case string(KindRegression):
		return KindRegression, nil
	default:
		return "", fmt.Errorf("'%s' is not a NodeKind", kind)
	}
}

// NodeState is the lifecycle state of a node.
//
// States only advance: Running -> Available -> Closing -> Done,
// or Running -> Done directly. They never regress.
type NodeState string

const (
	// The node's work is in progress.
	Running NodeState = "running"

	// The node's own work is finished and it accepts child nodes.
	Available NodeState = "available"

	// The node no longer accepts children; awaiting the existing ones.
	Closing NodeState = "closing"

	// Terminal. The result is fixed.
	Done NodeState = "done"
)

func (s NodeState) String() string {
	return string(s)
}

func AsNodeState(state string) (NodeState, error) {
	switch state {
	case string(Running):
		return Running, nil
	case string(Available):
		return Available, nil
	case string(Closing):
		return Closing, nil
	case string(Done):
		return Done, nil
	default:
		return "", fmt.Errorf("'%s' is not a NodeState", state)
	}
}

// PendingStates are the states a reconciler sweep has to visit.
func PendingStates() []NodeState {
	return []NodeState{Running, Available, Closing}
}

// CanTransitTo reports whether moving from s to next respects the
// monotone lifecycle.
func (s NodeState) CanTransitTo(next NodeState) bool {
	if s == next {
		return true
	}
	switch s {
	case Running:
		return next == Available || next == Closing || next == Done
	case Available:
		return next == Closing || next == Done
	case Closing:
		return next == Done
	default:
		return false
	}
}

// AcceptsChildren reports whether new children may be attached to a node
// in this state.
func (s NodeState) AcceptsChildren() bool {
	return s == Running || s == Available
}

// NodeResult is the verdict of a terminal node.
type NodeResult string

const (
	// Result is not decided yet.
	ResultNone NodeResult = ""

	Pass       NodeResult = "pass"
	Fail       NodeResult = "fail"
	Skip       NodeResult = "skip"
	Incomplete NodeResult = "incomplete"
)

func (r NodeResult) String() string {
	return string(r)
}

func AsNodeResult(result string) (NodeResult, error) {
	switch result {
	case string(ResultNone):
		return ResultNone, nil
	case string(Pass):
		return Pass, nil
	case string(Fail):
		return Fail, nil
	case string(Skip):
		return Skip, nil
	case string(Incomplete):
		return Incomplete, nil
	default:
		return "", fmt.Errorf("'%s' is not a NodeResult", result)
	}
}

// Revision identifies the source revision a tree of nodes works on.
type Revision struct {
	Tree     string `json:"tree"`
	URL      string `json:"url"`
	Branch   string `json:"branch"`
	Commit   string `json:"commit"`
	Describe string `json:"describe,omitempty"`

	// Version and Patchlevel are derived from Describe ("v6.1-rc3" -> 6, 1).
	Version    int `json:"version,omitempty"`
	Patchlevel int `json:"patchlevel,omitempty"`
}

// RegressionData cross-links the failing node and the last passing
// sibling with the same fingerprint.
type RegressionData struct {
	FailNode string `json:"fail_node"`
	PassNode string `json:"pass_node"`
}

// NodeData carries the structured attributes of a node.
type NodeData struct {
	KernelRevision *Revision `json:"kernel_revision,omitempty"`

	Arch       string   `json:"arch,omitempty"`
	Compiler   string   `json:"compiler,omitempty"`
	Defconfig  string   `json:"defconfig,omitempty"`
	ConfigFull string   `json:"config_full,omitempty"`
	Fragments  []string `json:"fragments,omitempty"`

	Platform string `json:"platform,omitempty"`
	Device   string `json:"device,omitempty"`
	Runtime  string `json:"runtime,omitempty"`

	// External job id in the runtime (LAVA job number, k8s job name, pid...).
	JobID string `json:"job_id,omitempty"`

	// Idempotency key issued at submission, echoed back by callbacks.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`

	Regression *RegressionData `json:"regression,omitempty"`

	RetryCounter int `json:"retry_counter,omitempty"`

	// PlatformFilter restricts retried jobs to the platform that failed.
	PlatformFilter []string `json:"platform_filter,omitempty"`

	ProcessedByReporting bool `json:"processed_by_reporting,omitempty"`
}

// Node is the unit of persisted work state. The state store assigns ID
// and maintains Created/Updated; everything else is written by the
// services, always as full-state transitions.
type Node struct {
	ID     string   `json:"id,omitempty"`
	Kind   NodeKind `json:"kind"`
	Name   string   `json:"name"`
	Path   []string `json:"path"`
	Parent string   `json:"parent,omitempty"`
	Group  string   `json:"group,omitempty"`

	State  NodeState  `json:"state"`
	Result NodeResult `json:"result,omitempty"`

	Data      NodeData          `json:"data"`
	Artifacts map[string]string `json:"artifacts,omitempty"`

	Created rfctime.RFC3339 `json:"created,omitempty"`
	Updated rfctime.RFC3339 `json:"updated,omitempty"`

	Timeout *rfctime.RFC3339 `json:"timeout,omitempty"`
	Holdoff *rfctime.RFC3339 `json:"holdoff,omitempty"`

	JobFilter []string `json:"jobfilter,omitempty"`

	Owner      string   `json:"owner,omitempty"`
	Submitter  string   `json:"submitter,omitempty"`
	UserGroups []string `json:"user_groups,omitempty"`
	TreeID     string   `json:"treeid,omitempty"`
}

// Terminal reports whether the node has reached its final state.
func (n Node) Terminal() bool {
	return n.State == Done
}

// ChildPath is the path a direct child named name would have.
func (n Node) ChildPath(name string) []string {
	p := make([]string, 0, len(n.Path)+1)
	p = append(p, n.Path...)
	return append(p, name)
}

// Fingerprint identifies "the same job in the same environment" across
// checkouts, for regression tracking and retry chains.
func (n Node) Fingerprint() string {
	rev := n.Data.KernelRevision
	if rev == nil {
		rev = &Revision{}
	}
	h := sha256.New()
	for _, part := range []string{
		rev.Tree, rev.Branch, n.Name,
		n.Data.Arch, n.Data.ConfigFull, n.Data.Compiler, n.Data.Platform,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeTreeID fingerprints a (tree, branch) pair for checkout
// frequency gating.
func ComputeTreeID(tree, branch string) string {
	h := sha256.Sum256([]byte(tree + "\x00" + branch))
	return hex.EncodeToString(h[:16])
}

// PathString renders the node's path as a dotted string for logs.
func (n Node) PathString() string {
	return strings.Join(n.Path, ".")
}

var (
	// ErrMissing : no node found for the given id or query.
	ErrMissing = errors.New("node missing")

	// ErrConflict : a compare-and-swap write lost the race.
	ErrConflict = errors.New("state precondition failed")

	// ErrInvalidStateChange : the requested transition breaks the lifecycle.
	ErrInvalidStateChange = errors.New("cannot change node state")

	// ErrClosedParent : the parent stopped accepting children.
	ErrClosedParent = errors.New("parent does not accept new children")
)

func NewErrInvalidStateChange(from, to NodeState) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateChange, from, to)
}
