package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ddevcap/matchsync/backend"
	"github.com/ddevcap/matchsync/cache"
	"github.com/ddevcap/matchsync/match"
	"github.com/ddevcap/matchsync/store"
)

// fakeFetcher counts upstream calls. When gate is set, every call blocks
// until it is closed.
type fakeFetcher struct {
	calls   atomic.Int32
	gate    chan struct{}
	mu      sync.Mutex
	respond func(id match.ItemID) (backend.DetailResponse, error)
}

func (f *fakeFetcher) FetchDetail(_ context.Context, id match.ItemID, _ match.DetailHints) (backend.DetailResponse, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	respond := f.respond
	f.mu.Unlock()
	return respond(id)
}

func (f *fakeFetcher) setRespond(fn func(id match.ItemID) (backend.DetailResponse, error)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func ready(fields map[string]any) func(match.ItemID) (backend.DetailResponse, error) {
	return func(id match.ItemID) (backend.DetailResponse, error) {
		copied := make(map[string]any, len(fields))
		for k, v := range fields {
			copied[k] = v
		}
		return backend.DetailResponse{Detail: &match.Detail{ID: id, Fields: copied}}, nil
	}
}

func pending(pos int) func(match.ItemID) (backend.DetailResponse, error) {
	return func(id match.ItemID) (backend.DetailResponse, error) {
		return backend.DetailResponse{Pending: &match.PendingJob{Status: match.JobPending, MatchID: id, QueuePosition: pos}}, nil
	}
}

// recordingNotifier collects asset change notifications.
type recordingNotifier struct {
	mu   sync.Mutex
	recs []match.AssetRecord
}

func (n *recordingNotifier) AssetsChanged(rec match.AssetRecord) {
	n.mu.Lock()
	n.recs = append(n.recs, rec)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.recs)
}

var fullDetail = map[string]any{
	"homeTeam":    "Ajax",
	"awayTeam":    "PSV",
	"homeLogo":    "ajax.png",
	"awayLogo":    "psv.png",
	"predictions": map[string]any{"home": 0.5},
}

var _ = Describe("Cache", func() {
	var (
		ctx     context.Context
		fetcher *fakeFetcher
		c       *cache.Cache
	)

	BeforeEach(func() {
		ctx = context.Background()
		fetcher = &fakeFetcher{}
		fetcher.setRespond(ready(fullDetail))
		c = cache.New(fetcher)
	})

	// runDetail and runAssets start a lookup in a goroutine and return its result channel.
	runDetail := func(id match.ItemID) <-chan cache.DetailResult {
		out := make(chan cache.DetailResult, 1)
		go func() { out <- c.GetOrFetchDetail(ctx, id, match.DetailHints{}) }()
		return out
	}
	runAssets := func(id match.ItemID) <-chan cache.AssetResult {
		out := make(chan cache.AssetResult, 1)
		go func() { out <- c.GetOrFetchAssets(ctx, id, match.DetailHints{}) }()
		return out
	}

	Describe("GetDetail", func() {
		It("never fetches", func() {
			_, ok := c.GetDetail(1)
			Expect(ok).To(BeFalse())
			Expect(fetcher.calls.Load()).To(BeZero())
		})
	})

	Describe("GetOrFetchDetail", func() {
		It("fetches once and serves later calls from the cache", func() {
			r := c.GetOrFetchDetail(ctx, 42, match.DetailHints{})
			Expect(r.State).To(Equal(cache.StateReady))
			Expect(r.Detail.Fields).To(HaveKeyWithValue("homeTeam", "Ajax"))

			r = c.GetOrFetchDetail(ctx, 42, match.DetailHints{})
			Expect(r.State).To(Equal(cache.StateReady))
			Expect(fetcher.calls.Load()).To(Equal(int32(1)))
		})

		It("shares one upstream request between concurrent callers", func() {
			fetcher.gate = make(chan struct{})

			first := runDetail(42)
			Eventually(fetcher.calls.Load).Should(Equal(int32(1)))
			second := runDetail(42)
			Consistently(fetcher.calls.Load, 100*time.Millisecond).Should(Equal(int32(1)))
			close(fetcher.gate)

			a, b := <-first, <-second
			Expect(a.State).To(Equal(cache.StateReady))
			Expect(b.State).To(Equal(cache.StateReady))
			Expect(a.Detail).To(Equal(b.Detail))
			Expect(fetcher.calls.Load()).To(Equal(int32(1)))
		})

		It("treats string and numeric ids as the same key", func() {
			fromString, err := match.ParseItemID("42")
			Expect(err).NotTo(HaveOccurred())

			c.GetOrFetchDetail(ctx, fromString, match.DetailHints{})
			c.GetOrFetchDetail(ctx, 42, match.DetailHints{})
			Expect(fetcher.calls.Load()).To(Equal(int32(1)))
		})

		It("resolves failures to unavailable and allows an immediate retry", func() {
			fetcher.setRespond(func(match.ItemID) (backend.DetailResponse, error) {
				return backend.DetailResponse{}, &backend.FetchError{Kind: backend.KindTimeout, Op: "fetch detail", Message: "slow"}
			})

			r := c.GetOrFetchDetail(ctx, 9, match.DetailHints{})
			Expect(r.State).To(Equal(cache.StateUnavailable))
			Expect(r.Detail).To(BeNil())
			Expect(fetcher.calls.Load()).To(Equal(int32(1)))

			fetcher.setRespond(ready(fullDetail))
			r = c.GetOrFetchDetail(ctx, 9, match.DetailHints{})
			Expect(r.State).To(Equal(cache.StateReady))
			Expect(fetcher.calls.Load()).To(Equal(int32(2)))
		})

		It("reports loading when the caller stops waiting, and still fills the cache", func() {
			fetcher.gate = make(chan struct{})
			cctx, cancel := context.WithCancel(ctx)

			out := make(chan cache.DetailResult, 1)
			go func() { out <- c.GetOrFetchDetail(cctx, 5, match.DetailHints{}) }()
			Eventually(fetcher.calls.Load).Should(Equal(int32(1)))
			cancel()

			Expect((<-out).State).To(Equal(cache.StateLoading))
			close(fetcher.gate)
			Eventually(func() bool {
				_, ok := c.GetDetail(5)
				return ok
			}).Should(BeTrue())
		})
	})

	Describe("GetOrFetchAssets", func() {
		It("attaches to an in-flight detail request instead of fetching again", func() {
			fetcher.gate = make(chan struct{})

			detail := runDetail(42)
			Eventually(fetcher.calls.Load).Should(Equal(int32(1)))
			assets := runAssets(42)
			Consistently(fetcher.calls.Load, 100*time.Millisecond).Should(Equal(int32(1)))
			close(fetcher.gate)

			d, a := <-detail, <-assets
			Expect(fetcher.calls.Load()).To(Equal(int32(1)))
			Expect(d.State).To(Equal(cache.StateReady))
			Expect(a.State).To(Equal(cache.StateReady))
			Expect(*a.Assets).To(Equal(match.DeriveAssets(d.Detail)))
		})

		It("derives from a cached detail without fetching", func() {
			c.RecordDetail(&match.Detail{ID: 3, Fields: map[string]any{"homeTeam": "Lyon", "awayTeam": "OM"}})
			fetcher.calls.Store(0)

			a := c.GetOrFetchAssets(ctx, 3, match.DetailHints{})
			Expect(a.State).To(Equal(cache.StateReady))
			Expect(a.Assets.HomeName).To(Equal("Lyon"))
			Expect(fetcher.calls.Load()).To(BeZero())
		})

		It("starts the shared detail request when nothing is known", func() {
			a := c.GetOrFetchAssets(ctx, 11, match.DetailHints{})
			Expect(a.State).To(Equal(cache.StateReady))
			Expect(a.Assets.AwayLogo).To(Equal("psv.png"))

			_, ok := c.GetDetail(11)
			Expect(ok).To(BeTrue())
			Expect(fetcher.calls.Load()).To(Equal(int32(1)))
		})

		It("surfaces a pending analysis", func() {
			fetcher.setRespond(pending(3))

			a := c.GetOrFetchAssets(ctx, 12, match.DetailHints{})
			Expect(a.State).To(Equal(cache.StatePending))
			Expect(a.Pending.QueuePosition).To(Equal(3))
			Expect(a.Assets).To(BeNil())
		})
	})

	Describe("pending reconciliation", func() {
		It("goes from pending to ready across polls without getting stuck", func() {
			fetcher.setRespond(pending(2))

			r := c.GetOrFetchDetail(ctx, 100, match.DetailHints{})
			Expect(r.State).To(Equal(cache.StatePending))
			Expect(r.Pending.QueuePosition).To(Equal(2))
			_, cached := c.GetDetail(100)
			Expect(cached).To(BeFalse())

			fetcher.setRespond(ready(fullDetail))
			r = c.GetOrFetchDetail(ctx, 100, match.DetailHints{})
			Expect(r.State).To(Equal(cache.StateReady))
			Expect(r.Detail.Fields).To(HaveKey("predictions"))
			Expect(fetcher.calls.Load()).To(Equal(int32(2)))
		})

		It("never overwrites a cached detail with a pending answer", func() {
			c.GetOrFetchDetail(ctx, 7, match.DetailHints{})
			fetcher.setRespond(pending(1))

			r := c.RefreshDetail(ctx, 7, match.DetailHints{})
			Expect(r.State).To(Equal(cache.StatePending))
			Expect(r.Detail.Fields).To(HaveKeyWithValue("homeTeam", "Ajax"))

			d, ok := c.GetDetail(7)
			Expect(ok).To(BeTrue())
			Expect(d.Fields).To(HaveKey("predictions"))
		})

		It("clears the ticket so a retry issues a fresh request", func() {
			fetcher.setRespond(pending(1))

			c.GetOrFetchDetail(ctx, 8, match.DetailHints{})
			c.GetOrFetchDetail(ctx, 8, match.DetailHints{})
			Expect(fetcher.calls.Load()).To(Equal(int32(2)))
		})
	})

	Describe("RecordDetail", func() {
		It("merges fields instead of replacing the entry", func() {
			c.RecordDetail(&match.Detail{ID: 1, Fields: map[string]any{"predictions": "p", "trends": "t1"}})
			c.RecordDetail(&match.Detail{ID: 1, Fields: map[string]any{"trends": "t2", "scoreboard": "s"}})

			d, ok := c.GetDetail(1)
			Expect(ok).To(BeTrue())
			Expect(d.Fields).To(Equal(map[string]any{"predictions": "p", "trends": "t2", "scoreboard": "s"}))
		})

		It("returns copies that do not alias the cache", func() {
			c.RecordDetail(&match.Detail{ID: 1, Fields: map[string]any{"a": "1"}})
			d, _ := c.GetDetail(1)
			d.Fields["a"] = "changed"

			again, _ := c.GetDetail(1)
			Expect(again.Fields["a"]).To(Equal("1"))
		})
	})

	Describe("RecordAssets", func() {
		var n *recordingNotifier

		BeforeEach(func() {
			n = &recordingNotifier{}
			c = cache.New(fetcher, cache.WithNotifier(n))
		})

		It("notifies only when the derived record changes", func() {
			d := &match.Detail{ID: 2, Fields: map[string]any{"homeTeam": "A", "awayTeam": "B"}}
			c.RecordAssets(d)
			c.RecordAssets(d)
			Expect(n.count()).To(Equal(1))

			c.RecordAssets(&match.Detail{ID: 2, Fields: map[string]any{"homeTeam": "A", "awayTeam": "B", "homeLogo": "a.png"}})
			Expect(n.count()).To(Equal(2))
		})

		It("keeps known values when a sparser payload is ingested", func() {
			c.RecordAssets(&match.Detail{ID: 2, Fields: map[string]any{"homeTeam": "A", "awayTeam": "B", "homeLogo": "a.png"}})
			rec := c.RecordAssets(&match.Detail{ID: 2, Fields: map[string]any{"homeTeam": "A", "awayTeam": "B"}})

			Expect(rec.HomeLogo).To(Equal("a.png"))
			Expect(n.count()).To(Equal(1))
		})

		It("ingests list summaries as assets only", func() {
			c.RecordSummaries(&match.ListResource{View: match.ViewToday, Matches: []match.Summary{
				{ID: 1, HomeTeam: "A", AwayTeam: "B"},
				{ID: 2, HomeTeam: "C", AwayTeam: "D"},
			}})

			details, assets := c.Len()
			Expect(details).To(BeZero())
			Expect(assets).To(Equal(2))
			Expect(n.count()).To(Equal(2))
		})
	})

	Describe("persistence", func() {
		var (
			s   *store.Memory
			now time.Time
		)

		BeforeEach(func() {
			s = store.NewMemory()
			now = time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)
			c = cache.New(fetcher, cache.WithStore(s, 3*time.Hour), cache.WithClock(func() time.Time { return now }))
		})

		persist := func(id string, producedAt time.Time) {
			raw, err := json.Marshal(map[string]any{
				"producedAt": producedAt.Format(time.RFC3339),
				"detail":     map[string]any{"id": id, "homeTeam": "Stored"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Set(ctx, "detail:"+id, string(raw))).To(Succeed())
		}

		It("writes fetched details through to the store", func() {
			c.GetOrFetchDetail(ctx, 21, match.DetailHints{})

			raw, ok, err := s.Get(ctx, "detail:21")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(raw).To(ContainSubstring("Ajax"))
		})

		It("uses a fresh persisted detail instead of the upstream", func() {
			persist("22", now.Add(-time.Hour))

			r := c.GetOrFetchDetail(ctx, 22, match.DetailHints{})
			Expect(r.State).To(Equal(cache.StateReady))
			Expect(r.Detail.Fields).To(HaveKeyWithValue("homeTeam", "Stored"))
			Expect(fetcher.calls.Load()).To(BeZero())
		})

		It("refetches when the persisted detail is stale", func() {
			persist("23", now.Add(-4*time.Hour))

			r := c.GetOrFetchDetail(ctx, 23, match.DetailHints{})
			Expect(r.Detail.Fields).To(HaveKeyWithValue("homeTeam", "Ajax"))
			Expect(fetcher.calls.Load()).To(Equal(int32(1)))
		})
	})

	It("keeps fetch errors classified in the log path without returning them", func() {
		fetcher.setRespond(func(match.ItemID) (backend.DetailResponse, error) {
			return backend.DetailResponse{}, errors.New("boom")
		})
		Expect(c.GetOrFetchDetail(ctx, 1, match.DetailHints{}).State).To(Equal(cache.StateUnavailable))
		Expect(c.GetOrFetchAssets(ctx, 1, match.DetailHints{}).State).To(Equal(cache.StateUnavailable))
	})
})
