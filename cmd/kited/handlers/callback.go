package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/config"
	"github.com/opst/kite/pkg/ingest"
	"github.com/opst/kite/pkg/runtime"
)

// CallbackHandler serves POST /callback/:runtime, the asynchronous
// result sink labs report into.
//
// Authentication maps the presented shared secret onto a runtime name;
// the secret has to own the runtime named in the path. The payload is
// handed to that runtime's adapter for translation and applied to the
// node located by the external job id.
//
// Delivery is idempotent: a payload for an already-terminal node is
// acknowledged without effect, and repeated payloads update in place.
func CallbackHandler(
	conf *config.Config,
	secrets *config.Secrets,
	store api.Client,
	runtimes map[string]runtime.Runtime,
) echo.HandlerFunc {
	return func(c echo.Context) error {
		runtimeName := c.Param("runtime")

		token := strings.TrimSpace(c.Request().Header.Get("Authorization"))
		token = strings.TrimPrefix(token, "Token ")
		owner, ok := secrets.RuntimeByCallbackToken(token)
		if !ok || owner != runtimeName {
			return Unauthorized("unknown callback token")
		}

		rt, ok := runtimes[runtimeName]
		if !ok {
			return NotFound()
		}

		payload, err := io.ReadAll(io.LimitReader(c.Request().Body, 64*1024*1024))
		if err != nil {
			return BadRequest("unreadable payload")
		}

		jobID, err := externalJobID(payload)
		if err != nil {
			return BadRequest(err.Error())
		}

		ctx := c.Request().Context()
		nodes, err := store.FindNodes(
			ctx,
			api.Where("data.job_id", jobID),
			api.Where("data.runtime", runtimeName),
		)
		if err != nil {
			return InternalServerError(err)
		}
		if len(nodes) == 0 {
			return NotFound()
		}
		node := nodes[0]

		outcome, err := rt.IngestResult(ctx, node, payload)
		if err != nil {
			// permanent payload rejection: no node side effects
			return BadRequest(err.Error())
		}

		updated, err := ingest.Apply(ctx, store, node, outcome, conf.Settings().Holdoff())
		if err != nil {
			return InternalServerError(err)
		}
		return c.JSON(http.StatusOK, map[string]string{
			"node":  updated.ID,
			"state": updated.State.String(),
		})
	}
}

// externalJobID digs the job id out of a callback payload. Labs name it
// differently; "id" and "job_id" cover the fleet.
func externalJobID(payload []byte) (string, error) {
	var probe struct {
		ID    any    `json:"id"`
		JobID any    `json:"job_id"`
		Key   string `json:"idempotency_key"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", err
	}
	for _, candidate := range []any{probe.JobID, probe.ID} {
		switch v := candidate.(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case float64:
			return strconv.FormatInt(int64(v), 10), nil
		}
	}
	if probe.Key != "" {
		return probe.Key, nil
	}
	return "", errors.New("payload names no job id")
}
