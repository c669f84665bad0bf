package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opst/kite/pkg/domain"
)

// Client is the REST client for the state store, the single source of
// truth for nodes. Every state transition is a write here; the store
// linearizes them with compare-and-swap preconditions.
type Client interface {
	// GetNode fetches one node by id.
	//
	// Returns domain.ErrMissing when the id is unknown.
	GetNode(ctx context.Context, id string) (domain.Node, error)

	// CreateNode registers a new node and returns it with its assigned
	// id and timestamps.
	//
	// Returns domain.ErrClosedParent when the parent no longer accepts
	// children.
	CreateNode(ctx context.Context, node domain.Node) (domain.Node, error)

	// UpdateNode writes a node back, on the precondition that its state
	// in the store still is expectState.
	//
	// Returns domain.ErrConflict when the precondition fails; the
	// caller re-reads and reconciles.
	UpdateNode(ctx context.Context, node domain.Node, expectState domain.NodeState) (domain.Node, error)

	// FindNodes lists nodes matching all the given filters.
	FindNodes(ctx context.Context, filters ...Filter) ([]domain.Node, error)
}

// Filter is one query predicate, rendered as a field[__op]=value pair.
// Fields may be dotted paths into node data
// (e.g. "data.kernel_revision.tree").
type Filter struct {
	Field string
	Op    Op
	Value string
}

type Op string

const (
	OpEq Op = ""
	OpNe Op = "ne"
	OpGt Op = "gt"
	OpLt Op = "lt"
	OpRe Op = "re"
)

// Where builds an equality filter.
func Where(field, value string) Filter {
	return Filter{Field: field, Value: value}
}

func WhereOp(field string, op Op, value string) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

func (f Filter) key() string {
	if f.Op == OpEq {
		return f.Field
	}
	return f.Field + "__" + string(f.Op)
}

type client struct {
	base       *url.URL
	token      string
	httpclient *http.Client
}

// New builds a Client against baseURL. token, when not empty, is sent
// as a bearer token on every request.
func New(baseURL string, token string) (Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("bad state store url %q: %w", baseURL, err)
	}
	return &client{
		base:       base,
		token:      token,
		httpclient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (c *client) apipath(parts ...string) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.Join(parts, "/")
	return u.String()
}

func (c *client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.httpclient.Do(req)
}

func (c *client) GetNode(ctx context.Context, id string) (domain.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apipath("nodes", id), nil)
	if err != nil {
		return domain.Node{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return domain.Node{}, err
	}
	defer resp.Body.Close()

	var node domain.Node
	if err := unmarshalResponse(resp, &node); err != nil {
		return domain.Node{}, err
	}
	return node, nil
}

func (c *client) CreateNode(ctx context.Context, node domain.Node) (domain.Node, error) {
	body, err := json.Marshal(node)
	if err != nil {
		return domain.Node{}, err
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.apipath("nodes"), bytes.NewReader(body),
	)
	if err != nil {
		return domain.Node{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return domain.Node{}, err
	}
	defer resp.Body.Close()

	var created domain.Node
	if err := unmarshalResponse(resp, &created); err != nil {
		return domain.Node{}, err
	}
	return created, nil
}

func (c *client) UpdateNode(
	ctx context.Context, node domain.Node, expectState domain.NodeState,
) (domain.Node, error) {
	body, err := json.Marshal(node)
	if err != nil {
		return domain.Node{}, err
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPatch, c.apipath("nodes", node.ID), bytes.NewReader(body),
	)
	if err != nil {
		return domain.Node{}, err
	}
	req.Header.Set("If-Match", `state="`+expectState.String()+`"`)

	resp, err := c.do(req)
	if err != nil {
		return domain.Node{}, err
	}
	defer resp.Body.Close()

	var updated domain.Node
	if err := unmarshalResponse(resp, &updated); err != nil {
		return domain.Node{}, err
	}
	return updated, nil
}

func (c *client) FindNodes(ctx context.Context, filters ...Filter) ([]domain.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apipath("nodes"), nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	for _, f := range filters {
		q.Add(f.key(), f.Value)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var nodes []domain.Node
	if err := unmarshalResponse(resp, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func unmarshalResponse(resp *http.Response, dest any) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrMissing
	case resp.StatusCode == http.StatusPreconditionFailed:
		return domain.ErrConflict
	case resp.StatusCode == http.StatusConflict:
		return domain.ErrClosedParent
	case 400 <= resp.StatusCode:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf(
			"state store error (status code = %d): %s",
			resp.StatusCode, strings.TrimSpace(string(payload)),
		)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
