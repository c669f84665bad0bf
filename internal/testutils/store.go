// Package testutils carries in-memory doubles of the external
// collaborators for package tests.
package testutils

import (
	"context"
	"strconv"
	"sync"

	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/domain"
)

// Store is an in-memory state store honouring the REST collaborator's
// contracts: ids on create, CAS on state, closed-parent rejection.
type Store struct {
	mu    sync.Mutex
	nodes map[string]domain.Node
	next  int
}

var _ api.Client = (*Store)(nil)

func NewStore() *Store {
	return &Store{nodes: map[string]domain.Node{}}
}

// Put seeds a node, assigning an id when absent. No contract checks.
func (m *Store) Put(node domain.Node) domain.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	if node.ID == "" {
		m.next++
		node.ID = "node-" + strconv.Itoa(m.next)
	}
	m.nodes[node.ID] = node
	return node
}

func (m *Store) GetNode(_ context.Context, id string) (domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[id]
	if !ok {
		return domain.Node{}, domain.ErrMissing
	}
	return node, nil
}

func (m *Store) CreateNode(_ context.Context, node domain.Node) (domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if node.Parent != "" {
		parent, ok := m.nodes[node.Parent]
		if !ok {
			return domain.Node{}, domain.ErrMissing
		}
		// regression nodes record history; they are not scheduled work
		// and attach to terminal parents
		if node.Kind != domain.KindRegression && !parent.State.AcceptsChildren() {
			return domain.Node{}, domain.ErrClosedParent
		}
	}
	m.next++
	node.ID = "node-" + strconv.Itoa(m.next)
	m.nodes[node.ID] = node
	return node, nil
}

func (m *Store) UpdateNode(
	_ context.Context, node domain.Node, expect domain.NodeState,
) (domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.nodes[node.ID]
	if !ok {
		return domain.Node{}, domain.ErrMissing
	}
	if current.State != expect {
		return domain.Node{}, domain.ErrConflict
	}
	m.nodes[node.ID] = node
	return node, nil
}

func (m *Store) FindNodes(_ context.Context, filters ...api.Filter) ([]domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := []domain.Node{}
	for _, node := range m.nodes {
		if m.matches(node, filters) {
			found = append(found, node)
		}
	}
	return found, nil
}

func (m *Store) matches(node domain.Node, filters []api.Filter) bool {
	for _, f := range filters {
		value, ok := fieldOf(node, f.Field)
		if !ok {
			return false
		}
		switch f.Op {
		case api.OpEq:
			if value != f.Value {
				return false
			}
		case api.OpNe:
			if value == f.Value {
				return false
			}
		case api.OpGt:
			if !(f.Value < value) {
				return false
			}
		case api.OpLt:
			if !(value < f.Value) {
				return false
			}
		case api.OpRe:
			// the tests only use anchored prefixes
			prefix := f.Value
			if 0 < len(prefix) && prefix[0] == '^' {
				prefix = prefix[1:]
			}
			if len(value) < len(prefix) || value[:len(prefix)] != prefix {
				return false
			}
		}
	}
	return true
}

// fieldOf resolves the query field paths the engine uses.
func fieldOf(node domain.Node, field string) (string, bool) {
	switch field {
	case "parent":
		return node.Parent, true
	case "name":
		return node.Name, true
	case "kind":
		return node.Kind.String(), true
	case "state":
		return node.State.String(), true
	case "result":
		return node.Result.String(), true
	case "treeid":
		return node.TreeID, true
	case "created":
		return node.Created.String(), true
	case "updated":
		return node.Updated.String(), true
	case "timeout":
		if node.Timeout == nil {
			return "", false
		}
		return node.Timeout.String(), true
	case "holdoff":
		if node.Holdoff == nil {
			return "", false
		}
		return node.Holdoff.String(), true
	case "data.platform":
		return node.Data.Platform, true
	case "data.runtime":
		return node.Data.Runtime, true
	case "data.job_id":
		return node.Data.JobID, true
	case "data.arch":
		return node.Data.Arch, true
	case "data.compiler":
		return node.Data.Compiler, true
	case "data.config_full":
		return node.Data.ConfigFull, true
	case "data.retry_counter":
		return strconv.Itoa(node.Data.RetryCounter), true
	case "data.processed_by_reporting":
		return strconv.FormatBool(node.Data.ProcessedByReporting), true
	case "data.regression.fail_node":
		if node.Data.Regression == nil {
			return "", false
		}
		return node.Data.Regression.FailNode, true
	case "data.kernel_revision.tree":
		if node.Data.KernelRevision == nil {
			return "", false
		}
		return node.Data.KernelRevision.Tree, true
	case "data.kernel_revision.branch":
		if node.Data.KernelRevision == nil {
			return "", false
		}
		return node.Data.KernelRevision.Branch, true
	case "data.kernel_revision.commit":
		if node.Data.KernelRevision == nil {
			return "", false
		}
		return node.Data.KernelRevision.Commit, true
	default:
		return "", false
	}
}

// Bus is an in-memory event bus recording published events.
type Bus struct {
	mu        sync.Mutex
	Published []api.Event
}

var _ api.Bus = (*Bus)(nil)

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (api.Subscription, error) {
	return nil, context.Canceled
}

func (b *Bus) Publish(_ context.Context, topic string, event api.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	event.Channel = topic
	b.Published = append(b.Published, event)
	return nil
}

func (b *Bus) PublishedOn(topic string) []api.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := []api.Event{}
	for _, e := range b.Published {
		if e.Channel == topic {
			events = append(events, e)
		}
	}
	return events
}
