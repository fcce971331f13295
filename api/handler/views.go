package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/matchsync/views"
)

// ViewHandler serves the fixture lists.
type ViewHandler struct {
	ctrl *views.Controller
}

func NewViewHandler(ctrl *views.Controller) *ViewHandler {
	return &ViewHandler{ctrl: ctrl}
}

// ListMatches handles GET /api/matches?view=.
// A fresh list is served as is; otherwise the caller joins or starts a load.
func (h *ViewHandler) ListMatches(c *gin.Context) {
	view, ok := viewParam(c, c.Query("view"))
	if !ok {
		return
	}
	snap, err := h.ctrl.Load(c.Request.Context(), view)
	if err != nil {
		respondFetchError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// RefreshMatches handles POST /api/matches/refresh?view=.
// The newest refresh wins; a superseded caller gets the outcome of the
// request that replaced it.
func (h *ViewHandler) RefreshMatches(c *gin.Context) {
	view, ok := viewParam(c, c.Query("view"))
	if !ok {
		return
	}
	snap, err := h.ctrl.RefreshView(c.Request.Context(), view)
	if errors.Is(err, views.ErrSuperseded) {
		snap, err = h.ctrl.Wait(c.Request.Context(), view)
	}
	if err != nil {
		respondFetchError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// viewStatus is a Snapshot without the list body.
type viewStatus struct {
	views.Snapshot
	List    any `json:"list,omitempty"`
	Matches int `json:"matches"`
}

// GetViewStatus handles GET /api/views/:view.
func (h *ViewHandler) GetViewStatus(c *gin.Context) {
	view, ok := viewParam(c, c.Param("view"))
	if !ok {
		return
	}
	snap := h.ctrl.Snapshot(view)
	st := viewStatus{Snapshot: snap}
	if snap.List != nil {
		st.Matches = len(snap.List.Matches)
	}
	c.JSON(http.StatusOK, st)
}
