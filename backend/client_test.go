package backend_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ddevcap/matchsync/backend"
	"github.com/ddevcap/matchsync/config"
	"github.com/ddevcap/matchsync/match"
)

var _ = Describe("Client", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	newClient := func(url string) *backend.Client {
		return backend.NewClient(config.Config{
			UpstreamURL:    url,
			UpstreamLocale: "fr",
			ListTimeout:    2 * time.Second,
			DetailTimeout:  200 * time.Millisecond,
		})
	}

	// ── FetchList ────────────────────────────────────────────────────

	Describe("FetchList", func() {
		It("requests the view and locale and decodes the list", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.URL.Path).To(Equal("/api/matches"))
				Expect(r.URL.Query().Get("view")).To(Equal("today"))
				Expect(r.URL.Query().Get("locale")).To(Equal("fr"))
				Expect(r.Header.Get("Accept")).To(Equal("application/json"))
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"generatedAt":"2025-05-10T08:00:00Z","matches":[{"id":"1","homeTeam":"A","awayTeam":"B"},{"id":2,"homeTeam":"C","awayTeam":"D"}]}`))
			}))
			defer srv.Close()

			list, err := newClient(srv.URL).FetchList(ctx, match.ViewToday)
			Expect(err).NotTo(HaveOccurred())
			Expect(list.View).To(Equal(match.ViewToday))
			Expect(list.GeneratedAt).To(Equal("2025-05-10T08:00:00Z"))
			Expect(list.Matches).To(HaveLen(2))
			Expect(list.Matches[0].ID).To(Equal(match.ItemID(1)))
			Expect(list.Matches[1].ID).To(Equal(match.ItemID(2)))
		})

		It("classifies an error status with the JSON body message", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"scraper offline"}`))
			}))
			defer srv.Close()

			_, err := newClient(srv.URL).FetchList(ctx, match.ViewTomorrow)
			Expect(err).To(MatchError(backend.ErrUpstream))

			var fe *backend.FetchError
			Expect(errors.As(err, &fe)).To(BeTrue())
			Expect(fe.Status).To(Equal(500))
			Expect(fe.Message).To(Equal("scraper offline"))
		})

		It("uses a plain-text body as the message", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte("locale not supported"))
			}))
			defer srv.Close()

			_, err := newClient(srv.URL).FetchList(ctx, match.ViewToday)
			var fe *backend.FetchError
			Expect(errors.As(err, &fe)).To(BeTrue())
			Expect(fe.Message).To(Equal("locale not supported"))
		})

		It("falls back to the status text for HTML error pages", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte("<html><body><h1>502 Bad Gateway</h1></body></html>"))
			}))
			defer srv.Close()

			_, err := newClient(srv.URL).FetchList(ctx, match.ViewToday)
			var fe *backend.FetchError
			Expect(errors.As(err, &fe)).To(BeTrue())
			Expect(fe.Message).To(Equal("Bad Gateway"))
		})

		It("classifies a refused connection as network-unreachable", func() {
			_, err := newClient("http://127.0.0.1:1").FetchList(ctx, match.ViewToday)
			Expect(err).To(MatchError(backend.ErrNetwork))
			Expect(err.Error()).To(ContainSubstring("127.0.0.1:1"))
			Expect(backend.KindOf(err)).To(Equal(backend.KindNetwork))
		})

		It("reports caller cancellation separately from timeouts", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				<-r.Context().Done()
			}))
			defer srv.Close()

			cctx, cancel := context.WithCancel(ctx)
			go func() {
				time.Sleep(50 * time.Millisecond)
				cancel()
			}()
			_, err := newClient(srv.URL).FetchList(cctx, match.ViewToday)
			Expect(err).To(MatchError(backend.ErrCanceled))
			Expect(err).NotTo(MatchError(backend.ErrTimeout))
		})
	})

	// ── FetchDetail ──────────────────────────────────────────────────

	Describe("FetchDetail", func() {
		It("forwards hints and decodes a 200 detail", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.URL.Path).To(Equal("/api/match/42"))
				Expect(r.URL.Query().Get("date")).To(Equal("2025-05-10"))
				Expect(r.URL.Query().Get("view")).To(Equal("manual"))
				_, _ = w.Write([]byte(`{"id":42,"homeTeam":"A","scoreboard":{"home":2,"away":1}}`))
			}))
			defer srv.Close()

			resp, err := newClient(srv.URL).FetchDetail(ctx, 42, match.DetailHints{Date: "2025-05-10", View: match.ViewManual})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Pending).To(BeNil())
			Expect(resp.Detail.ID).To(Equal(match.ItemID(42)))
			Expect(resp.Detail.Fields).To(HaveKey("scoreboard"))
		})

		It("returns a pending ticket for 202 without an error", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "20")
				w.WriteHeader(http.StatusAccepted)
				_, _ = w.Write([]byte(`{"status":"processing","message":"analysing","matchId":"42","queuePosition":2}`))
			}))
			defer srv.Close()

			resp, err := newClient(srv.URL).FetchDetail(ctx, 42, match.DetailHints{})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Detail).To(BeNil())
			Expect(resp.Pending.Status).To(Equal(match.JobProcessing))
			Expect(resp.Pending.QueuePosition).To(Equal(2))
			Expect(resp.Pending.MatchID).To(Equal(match.ItemID(42)))
			Expect(resp.Pending.RetryAfter).To(Equal(20 * time.Second))
		})

		It("fills a bare 202 from the request", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusAccepted)
			}))
			defer srv.Close()

			resp, err := newClient(srv.URL).FetchDetail(ctx, 7, match.DetailHints{})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Pending.MatchID).To(Equal(match.ItemID(7)))
			Expect(resp.Pending.Status).To(Equal(match.JobPending))
		})

		It("times out on the shorter detail budget", func() {
			release := make(chan struct{})
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-release:
				case <-r.Context().Done():
				}
			}))
			defer srv.Close()
			defer close(release)

			start := time.Now()
			_, err := newClient(srv.URL).FetchDetail(ctx, 1, match.DetailHints{})
			Expect(err).To(MatchError(backend.ErrTimeout))
			Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
		})

		It("classifies 404 as an upstream error", func() {
			srv := httptest.NewServer(http.NotFoundHandler())
			defer srv.Close()

			_, err := newClient(srv.URL).FetchDetail(ctx, 1, match.DetailHints{})
			Expect(backend.KindOf(err)).To(Equal(backend.KindUpstream))
		})
	})

	// ── TriggerReanalysis ────────────────────────────────────────────

	Describe("TriggerReanalysis", func() {
		It("posts to the reanalyze route", func() {
			var method, path string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				method, path = r.Method, r.URL.Path
				w.WriteHeader(http.StatusAccepted)
			}))
			defer srv.Close()

			Expect(newClient(srv.URL).TriggerReanalysis(ctx, 42)).To(Succeed())
			Expect(method).To(Equal(http.MethodPost))
			Expect(path).To(Equal("/api/match/42/reanalyze"))
		})
	})

	Describe("health integration", func() {
		It("feeds network failures into the circuit breaker", func() {
			c := newClient("http://127.0.0.1:1")
			hc := backend.NewHealthChecker(c, time.Hour)
			c.SetHealthChecker(hc)

			for i := 0; i < 5; i++ {
				_, _ = c.FetchList(ctx, match.ViewToday)
			}
			Expect(hc.IsAvailable()).To(BeFalse())
		})
	})
})
