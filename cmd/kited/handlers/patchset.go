package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/domain"
)

type PatchsetRequest struct {
	NodeID    string   `json:"nodeid"`
	PatchURL  []string `json:"patchurl"`
	JobFilter []string `json:"jobfilter,omitempty"`
}

// PatchsetHandler serves POST /api/patchset: create a patchset child
// under a checkout. The tarball service notices the child, applies the
// patches onto the base revision and publishes a patched tarball.
func PatchsetHandler(store api.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req PatchsetRequest
		if err := c.Bind(&req); err != nil || req.NodeID == "" {
			return BadRequest(`"nodeid" is required`)
		}
		if len(req.PatchURL) == 0 {
			return BadRequest(`"patchurl" must name at least one patch`)
		}

		ctx := c.Request().Context()
		base, err := store.GetNode(ctx, req.NodeID)
		if err != nil {
			if errors.Is(err, domain.ErrMissing) {
				return NotFound()
			}
			return InternalServerError(err)
		}
		if base.Kind != domain.KindCheckout {
			return BadRequest("patchsets apply to checkout nodes")
		}

		claims := UserOf(c)
		node := domain.Node{
			Kind:       domain.KindCheckout,
			Name:       "patchset",
			Path:       base.ChildPath("patchset"),
			Parent:     base.ID,
			State:      domain.Running,
			Timeout:    base.Timeout,
			JobFilter:  req.JobFilter,
			Submitter:  claims.Subject,
			UserGroups: claims.Groups,
			TreeID:     base.TreeID,
			Data: domain.NodeData{
				KernelRevision: base.Data.KernelRevision,
			},
			Artifacts: map[string]string{},
		}
		for nth, url := range req.PatchURL {
			node.Artifacts["patch"+strconv.Itoa(nth)] = url
		}

		created, err := store.CreateNode(ctx, node)
		if err != nil {
			if errors.Is(err, domain.ErrClosedParent) {
				return Conflict("the checkout no longer accepts children")
			}
			return InternalServerError(err)
		}
		return c.JSON(http.StatusOK, created)
	}
}
