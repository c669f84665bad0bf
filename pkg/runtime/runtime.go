package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/opst/kite/pkg/config"
	"github.com/opst/kite/pkg/domain"
)

// Status of a submitted job as seen by its runtime.
type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
)

// Terminal reports whether the runtime is finished with the job.
func (s Status) Terminal() bool {
	return s == Succeeded || s == Failed
}

// Handle identifies a submitted job within its runtime.
type Handle struct {
	Runtime string
	JobID   string
}

// RenderedJob is a job description rendered by the template engine,
// ready for submission.
type RenderedJob struct {
	Name string

	// Definition is the rendered document (shell script, pod manifest
	// parameters, LAVA job yaml...).
	Definition []byte

	// Filename the definition was saved under, for runtimes that
	// execute a file.
	Filename string

	Params map[string]string
}

// TestResult is one node of a reported result tree.
type TestResult struct {
	Name      string
	Kind      domain.NodeKind
	Result    domain.NodeResult
	Children  []TestResult
	Artifacts map[string]string
}

// Outcome is a runtime's structured verdict for a finished job.
type Outcome struct {
	Result    domain.NodeResult
	ErrorCode string
	ErrorMsg  string
	Tests     []TestResult
	Artifacts map[string]string
}

// Runtime is the capability set every execution backend offers.
// Heterogeneous backends are variants behind this interface, not an
// inheritance tree; a new backend adds a variant in New.
type Runtime interface {
	Name() string

	// Asynchronous runtimes deliver completion through the callback
	// endpoint; the dispatcher must not poll them.
	Asynchronous() bool

	// Submit dispatches a rendered job on behalf of node.
	Submit(ctx context.Context, job RenderedJob, node domain.Node) (Handle, error)

	// Poll reports the job's current status.
	Poll(ctx context.Context, h Handle) (Status, error)

	// Cancel stops a submitted job.
	Cancel(ctx context.Context, h Handle) error

	// IngestResult translates the runtime's raw result payload into a
	// structured Outcome.
	IngestResult(ctx context.Context, node domain.Node, payload []byte) (Outcome, error)
}

var (
	// ErrSubmit : the job could not be handed to the runtime. The node
	// is closed incomplete and a retry sibling may be scheduled.
	ErrSubmit = errors.New("job submission failed")

	// ErrNotPollable : the runtime reports completion asynchronously.
	ErrNotPollable = errors.New("runtime is not pollable")
)

// Tokens resolves the secrets an adapter needs at submission time.
type Tokens interface {
	// RuntimeToken authenticates us against the lab.
	RuntimeToken(runtime string) string

	// CallbackDesc is the public description of the callback token the
	// lab will present back; embedded in outgoing job definitions.
	CallbackDesc(runtime string) string
}

// Options carry the collaborator endpoints adapters embed in jobs.
type Options struct {
	Tokens Tokens

	// CallbackURL is the public base of the callback endpoint.
	CallbackURL string

	// OutputDir is where job artifacts captured locally are spooled.
	OutputDir string
}

// New builds the adapter for one configured runtime.
func New(conf *config.Runtime, opts Options) (Runtime, error) {
	switch conf.Kind() {
	case config.RuntimeShell:
		return newShell(conf, opts), nil
	case config.RuntimeDocker:
		return newDocker(conf, opts)
	case config.RuntimeKubernetes:
		return newKubernetes(conf, opts)
	case config.RuntimeLAVA:
		return newLAVA(conf, opts), nil
	case config.RuntimeLabPull:
		return newLabPull(conf), nil
	default:
		return nil, fmt.Errorf("unknown runtime kind: %s", conf.Kind())
	}
}
