package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/utils/try"
)

func TestClient_GetNode(t *testing.T) {
	t.Run("it fetches a node by id", func(t *testing.T) {
		svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/nodes/abc123" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			json.NewEncoder(w).Encode(domain.Node{
				ID: "abc123", Kind: domain.KindCheckout, Name: "checkout",
				State: domain.Running,
			})
		}))
		defer svr.Close()

		client := try.To(api.New(svr.URL, "token")).OrFatal(t)
		node := try.To(client.GetNode(context.Background(), "abc123")).OrFatal(t)

		if node.ID != "abc123" || node.Kind != domain.KindCheckout {
			t.Errorf("unexpected node: %+v", node)
		}
	})

	t.Run("it translates 404 into ErrMissing", func(t *testing.T) {
		svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer svr.Close()

		client := try.To(api.New(svr.URL, "")).OrFatal(t)
		if _, err := client.GetNode(context.Background(), "nope"); !errors.Is(err, domain.ErrMissing) {
			t.Errorf("wants ErrMissing, got %v", err)
		}
	})
}

func TestClient_UpdateNode(t *testing.T) {
	t.Run("it sends the expected state as an If-Match precondition", func(t *testing.T) {
		var gotIfMatch string
		svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotIfMatch = r.Header.Get("If-Match")
			var node domain.Node
			json.NewDecoder(r.Body).Decode(&node)
			json.NewEncoder(w).Encode(node)
		}))
		defer svr.Close()

		client := try.To(api.New(svr.URL, "")).OrFatal(t)
		node := domain.Node{ID: "n1", Kind: domain.KindKbuild, State: domain.Available}
		try.To(client.UpdateNode(context.Background(), node, domain.Running)).OrFatal(t)

		if gotIfMatch != `state="running"` {
			t.Errorf("unexpected If-Match: %s", gotIfMatch)
		}
	})

	t.Run("it translates 412 into ErrConflict", func(t *testing.T) {
		svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPreconditionFailed)
		}))
		defer svr.Close()

		client := try.To(api.New(svr.URL, "")).OrFatal(t)
		node := domain.Node{ID: "n1", State: domain.Done}
		if _, err := client.UpdateNode(context.Background(), node, domain.Running); !errors.Is(err, domain.ErrConflict) {
			t.Errorf("wants ErrConflict, got %v", err)
		}
	})
}

func TestClient_CreateNode(t *testing.T) {
	t.Run("it translates 409 into ErrClosedParent", func(t *testing.T) {
		svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		}))
		defer svr.Close()

		client := try.To(api.New(svr.URL, "")).OrFatal(t)
		_, err := client.CreateNode(context.Background(), domain.Node{Parent: "closing-parent"})
		if !errors.Is(err, domain.ErrClosedParent) {
			t.Errorf("wants ErrClosedParent, got %v", err)
		}
	})
}

func TestClient_FindNodes(t *testing.T) {
	t.Run("it renders filters as field-operator query parameters", func(t *testing.T) {
		var gotQuery map[string][]string
		svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.Query()
			json.NewEncoder(w).Encode([]domain.Node{})
		}))
		defer svr.Close()

		client := try.To(api.New(svr.URL, "")).OrFatal(t)
		try.To(client.FindNodes(
			context.Background(),
			api.Where("state", "done"),
			api.WhereOp("created", api.OpGt, "2024-01-01T00:00:00Z"),
			api.Where("data.kernel_revision.tree", "mainline"),
		)).OrFatal(t)

		for key, want := range map[string]string{
			"state":                     "done",
			"created__gt":               "2024-01-01T00:00:00Z",
			"data.kernel_revision.tree": "mainline",
		} {
			if got := gotQuery[key]; len(got) != 1 || got[0] != want {
				t.Errorf("query %s = %v, wants %s", key, got, want)
			}
		}
	})
}

func TestBus_Receive(t *testing.T) {
	t.Run("it polls until the long-poll window yields an event", func(t *testing.T) {
		polls := 0
		svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.Method == http.MethodPost && r.URL.Path == "/subscribe/node":
				json.NewEncoder(w).Encode(map[string]string{"id": "sub-1"})
			case r.Method == http.MethodGet && r.URL.Path == "/events/sub-1":
				polls++
				if polls < 3 {
					w.WriteHeader(http.StatusNoContent)
					return
				}
				json.NewEncoder(w).Encode(api.Event{
					Op: "updated", Channel: "node", ID: "n1",
					Kind: domain.KindCheckout, State: domain.Available,
				})
			case r.Method == http.MethodDelete && r.URL.Path == "/events/sub-1":
				// the deferred Close unsubscribes
			default:
				t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			}
		}))
		defer svr.Close()

		bus := try.To(api.NewBus(svr.URL, "")).OrFatal(t)
		sub := try.To(bus.Subscribe(context.Background(), "node")).OrFatal(t)
		defer sub.Close()

		event := try.To(sub.Receive(context.Background())).OrFatal(t)
		if event.ID != "n1" || event.State != domain.Available {
			t.Errorf("unexpected event: %+v", event)
		}
		if polls != 3 {
			t.Errorf("wants 3 polls, got %d", polls)
		}
	})
}
