package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/domain"
)

type JobRetryRequest struct {
	NodeID string `json:"nodeid"`
}

// JobRetryHandler serves POST /api/jobretry: spawn a retry sibling for
// a finished kbuild/job node. The original node is never mutated, so
// repeating the request is harmless; the scheduler's duplicate
// suppression keeps the outcome single.
func JobRetryHandler(store api.Client, bus api.Bus) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req JobRetryRequest
		if err := c.Bind(&req); err != nil || req.NodeID == "" {
			return BadRequest(`"nodeid" is required`)
		}

		ctx := c.Request().Context()
		node, err := store.GetNode(ctx, req.NodeID)
		if err != nil {
			if errors.Is(err, domain.ErrMissing) {
				return NotFound()
			}
			return InternalServerError(err)
		}

		var ancestorKind domain.NodeKind
		switch node.Kind {
		case domain.KindKbuild:
			ancestorKind = domain.KindCheckout
		case domain.KindJob:
			ancestorKind = domain.KindKbuild
		default:
			return BadRequest("only kbuild and job nodes can be retried")
		}
		if !node.Terminal() {
			return Conflict("the node is still in flight")
		}

		ancestor := node
		for ancestor.Kind != ancestorKind {
			if ancestor.Parent == "" {
				return InternalServerError(errors.New("no ancestor of the required kind"))
			}
			parent, err := store.GetNode(ctx, ancestor.Parent)
			if err != nil {
				return InternalServerError(err)
			}
			ancestor = parent
		}

		event := api.Event{
			Op:           "retry",
			ID:           ancestor.ID,
			Kind:         ancestor.Kind,
			Name:         ancestor.Name,
			State:        domain.Available,
			Result:       ancestor.Result,
			RetryCounter: node.Data.RetryCounter + 1,
		}
		if node.Kind == domain.KindKbuild {
			event.JobFilter = []string{node.Name + "+"}
		} else {
			event.JobFilter = []string{node.Name}
		}
		if node.Data.Platform != "" {
			event.PlatformFilter = []string{node.Data.Platform}
		}

		if err := bus.Publish(ctx, "retry", event); err != nil {
			return InternalServerError(err)
		}
		return c.JSON(http.StatusOK, map[string]string{
			"node": node.ID, "target": ancestor.ID,
		})
	}
}
