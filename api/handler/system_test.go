package handler_test

import (
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/matchsync/api/handler"
	"github.com/ddevcap/matchsync/backend"
)

type stubHealth struct{ available bool }

func (s stubHealth) IsAvailable() bool { return s.available }
func (s stubHealth) Status() backend.HealthStatus {
	return backend.HealthStatus{Available: s.available}
}

var _ = Describe("SystemHandler", func() {
	// serve wires up a single-route router and returns the recorded response.
	serve := func(h *handler.SystemHandler, path string, fn func(*handler.SystemHandler) gin.HandlerFunc) int {
		r := gin.New()
		r.GET(path, fn(h))
		return doGet(r, path).Code
	}
	live := func(h *handler.SystemHandler) gin.HandlerFunc { return h.HealthLive }
	ready := func(h *handler.SystemHandler) gin.HandlerFunc { return h.HealthReady }

	It("is always live", func() {
		Expect(serve(handler.NewSystemHandler(stubHealth{}), "/health", live)).To(Equal(http.StatusOK))
	})

	It("is ready while the upstream is available", func() {
		Expect(serve(handler.NewSystemHandler(stubHealth{available: true}), "/ready", ready)).To(Equal(http.StatusOK))
	})

	It("is not ready while the upstream is unavailable", func() {
		Expect(serve(handler.NewSystemHandler(stubHealth{}), "/ready", ready)).To(Equal(http.StatusServiceUnavailable))
	})

	It("is ready without a health checker", func() {
		Expect(serve(handler.NewSystemHandler(nil), "/ready", ready)).To(Equal(http.StatusOK))
	})
})
