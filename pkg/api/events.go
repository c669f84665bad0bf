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

// Event is the pub/sub notice for a node change. It carries only the
// routing fields; subscribers fetch the full node when they need more.
type Event struct {
	// "created" or "updated".
	Op string `json:"op"`

	// Channel the event was published on. "node" for store-generated
	// events; services publish synthetic events on other channels
	// (e.g. "retry").
	Channel string `json:"channel,omitempty"`

	ID     string            `json:"id"`
	Kind   domain.NodeKind   `json:"kind"`
	Name   string            `json:"name"`
	State  domain.NodeState  `json:"state"`
	Result domain.NodeResult `json:"result,omitempty"`

	// Overrides for synthetic events: a retry event re-targets the
	// original node with a narrowed jobfilter and a bumped counter.
	JobFilter      []string `json:"jobfilter,omitempty"`
	PlatformFilter []string `json:"platform_filter,omitempty"`
	RetryCounter   int      `json:"retry_counter,omitempty"`
}

// EventsOf builds the store-shaped event for a node.
func EventsOf(op string, node domain.Node) Event {
	return Event{
		Op:      op,
		Channel: "node",
		ID:      node.ID,
		Kind:    node.Kind,
		Name:    node.Name,
		State:   node.State,
		Result:  node.Result,
	}
}

// Bus is the client for the event bus collaborator: topic-based pub/sub
// with per-topic in-order delivery per subscriber.
type Bus interface {
	// Subscribe registers a subscriber on a topic.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Publish puts a synthetic event on a topic.
	Publish(ctx context.Context, topic string, event Event) error
}

// Subscription is a single subscriber's ordered event stream.
type Subscription interface {
	// Receive blocks for the next event. It returns the context's error
	// when ctx falls while waiting.
	Receive(ctx context.Context) (Event, error)

	// Close unsubscribes.
	Close() error
}

type bus struct {
	base       *url.URL
	token      string
	httpclient *http.Client
}

// NewBus builds a Bus against baseURL, long-polling for delivery.
func NewBus(baseURL string, token string) (Bus, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("bad event bus url %q: %w", baseURL, err)
	}
	return &bus{
		base:  base,
		token: token,
		// no overall timeout: Receive long-polls. Per-request deadlines
		// come from the caller's context.
		httpclient: &http.Client{},
	}, nil
}

func (b *bus) apipath(parts ...string) string {
	u := *b.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.Join(parts, "/")
	return u.String()
}

func (b *bus) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	return b.httpclient.Do(req)
}

func (b *bus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, b.apipath("subscribe", topic), nil,
	)
	if err != nil {
		return nil, err
	}
	resp, err := b.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if 400 <= resp.StatusCode {
		return nil, fmt.Errorf("subscribe %s: status code = %d", topic, resp.StatusCode)
	}

	var sub struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, err
	}
	return &subscription{bus: b, id: sub.ID}, nil
}

func (b *bus) Publish(ctx context.Context, topic string, event Event) error {
	event.Channel = topic
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, b.apipath("publish", topic), bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	resp, err := b.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if 400 <= resp.StatusCode {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf(
			"publish %s: status code = %d: %s",
			topic, resp.StatusCode, strings.TrimSpace(string(payload)),
		)
	}
	return nil
}

type subscription struct {
	bus *bus
	id  string
}

func (s *subscription) Receive(ctx context.Context) (Event, error) {
	for {
		req, err := http.NewRequestWithContext(
			ctx, http.MethodGet, s.bus.apipath("events", s.id), nil,
		)
		if err != nil {
			return Event{}, err
		}
		resp, err := s.bus.do(req)
		if err != nil {
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}
			// transient: back off a little and poll again
			select {
			case <-ctx.Done():
				return Event{}, ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if resp.StatusCode == http.StatusNoContent {
			resp.Body.Close()
			continue // long-poll window elapsed without an event
		}
		if 400 <= resp.StatusCode {
			resp.Body.Close()
			return Event{}, fmt.Errorf("receive: status code = %d", resp.StatusCode)
		}

		var event Event
		err = json.NewDecoder(resp.Body).Decode(&event)
		resp.Body.Close()
		if err != nil {
			return Event{}, err
		}
		return event, nil
	}
}

func (s *subscription) Close() error {
	req, err := http.NewRequest(http.MethodDelete, s.bus.apipath("events", s.id), nil)
	if err != nil {
		return err
	}
	resp, err := s.bus.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
