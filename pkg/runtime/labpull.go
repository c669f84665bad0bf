package runtime

import (
	"context"

	"github.com/google/uuid"
	"github.com/opst/kite/pkg/config"
	"github.com/opst/kite/pkg/domain"
)

// labpull serves labs that pull their own work from the state store.
// Submit only issues a descriptor id and contacts no lab; the node stays
// running and the rendered definition is not attached to it. The lab
// picks its work up by polling the store and reports completion through
// the callback endpoint.
type labpull struct {
	name string
}

func newLabPull(conf *config.Runtime) *labpull {
	return &labpull{name: conf.Name()}
}

func (p *labpull) Name() string {
	return p.name
}

func (p *labpull) Asynchronous() bool {
	return true
}

func (p *labpull) Submit(ctx context.Context, job RenderedJob, node domain.Node) (Handle, error) {
	// the descriptor id doubles as the idempotency key the lab echoes back
	id := node.Data.IdempotencyKey
	if id == "" {
		id = uuid.NewString()
	}
	return Handle{Runtime: p.name, JobID: id}, nil
}

func (p *labpull) Poll(ctx context.Context, h Handle) (Status, error) {
	return "", ErrNotPollable
}

func (p *labpull) Cancel(ctx context.Context, h Handle) error {
	return nil
}

// IngestResult accepts the same result document local runtimes use;
// pull labs post it to the callback endpoint.
func (p *labpull) IngestResult(ctx context.Context, node domain.Node, payload []byte) (Outcome, error) {
	if len(payload) == 0 {
		return Outcome{
			Result:    domain.Incomplete,
			ErrorCode: "no_results",
			ErrorMsg:  "lab posted an empty result document",
		}, nil
	}
	return parseLocalResults(payload)
}
