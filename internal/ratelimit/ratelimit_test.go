package ratelimit_test

import (
	"context"
	"errors"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/time/rate"

	"github.com/openscholar/gatekeeper/internal/ratelimit"
)

// flakyStore fails every Incr until healed, for exercising the fallback.
type flakyStore struct {
	inner   ratelimit.Store
	failing bool
}

func (f *flakyStore) Incr(ctx context.Context, key string, limit int, window time.Duration) (bool, int64, time.Duration, error) {
	if f.failing {
		return false, 0, 0, errors.New("connection refused")
	}
	return f.inner.Incr(ctx, key, limit, window)
}

var _ = Describe("Limiter", func() {
	var (
		ctx     context.Context
		limiter *ratelimit.Limiter
	)

	policies := map[string]ratelimit.Policy{
		"public-search": {Limit: 3, Window: 100 * time.Millisecond},
		"admin":         {Limit: 1, Window: time.Minute},
	}

	BeforeEach(func() {
		ctx = context.Background()
		limiter = ratelimit.NewLimiter(ratelimit.Options{
			Policies: policies,
			Store:    ratelimit.NewMemoryStore(),
			Logger:   slog.Default(),
		})
	})

	Describe("Allow", func() {
		It("should allow requests under the window limit", func() {
			for i := 0; i < 3; i++ {
				dec, err := limiter.Allow(ctx, "203.0.113.7", "public-search")
				Expect(err).NotTo(HaveOccurred())
				Expect(dec.Allowed).To(BeTrue())
				Expect(dec.Remaining).To(Equal(2 - i))
			}
		})

		It("should reject the first request over the limit with a positive retry-after", func() {
			for i := 0; i < 3; i++ {
				_, err := limiter.Allow(ctx, "203.0.113.7", "public-search")
				Expect(err).NotTo(HaveOccurred())
			}

			dec, err := limiter.Allow(ctx, "203.0.113.7", "public-search")
			Expect(err).NotTo(HaveOccurred())
			Expect(dec.Allowed).To(BeFalse())
			Expect(dec.Remaining).To(Equal(0))
			Expect(dec.RetryAfter).To(BeNumerically(">", 0))
			Expect(dec.RetryAfter).To(BeNumerically("<=", 100*time.Millisecond))
		})

		It("should admit again after the window rolls over", func() {
			for i := 0; i < 4; i++ {
				_, err := limiter.Allow(ctx, "203.0.113.7", "public-search")
				Expect(err).NotTo(HaveOccurred())
			}

			time.Sleep(110 * time.Millisecond)

			dec, err := limiter.Allow(ctx, "203.0.113.7", "public-search")
			Expect(err).NotTo(HaveOccurred())
			Expect(dec.Allowed).To(BeTrue())
		})

		It("should keep identities independent", func() {
			for i := 0; i < 3; i++ {
				_, err := limiter.Allow(ctx, "203.0.113.7", "public-search")
				Expect(err).NotTo(HaveOccurred())
			}

			dec, err := limiter.Allow(ctx, "198.51.100.2", "public-search")
			Expect(err).NotTo(HaveOccurred())
			Expect(dec.Allowed).To(BeTrue())
		})

		It("should keep policies independent for the same identity", func() {
			dec, err := limiter.Allow(ctx, "alice", "admin")
			Expect(err).NotTo(HaveOccurred())
			Expect(dec.Allowed).To(BeTrue())

			dec, err = limiter.Allow(ctx, "alice", "admin")
			Expect(err).NotTo(HaveOccurred())
			Expect(dec.Allowed).To(BeFalse())

			dec, err = limiter.Allow(ctx, "alice", "public-search")
			Expect(err).NotTo(HaveOccurred())
			Expect(dec.Allowed).To(BeTrue())
		})

		It("should reject an unknown policy name", func() {
			_, err := limiter.Allow(ctx, "alice", "no-such-policy")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Fallback", func() {
		var store *flakyStore

		BeforeEach(func() {
			store = &flakyStore{inner: ratelimit.NewMemoryStore()}
			limiter = ratelimit.NewLimiter(ratelimit.Options{
				Policies: policies,
				Store:    store,
				Fallback: ratelimit.NewMemoryStore(),
				Logger:   slog.Default(),
			})
		})

		It("should serve decisions from the fallback while the store is down", func() {
			store.failing = true

			for i := 0; i < 3; i++ {
				dec, err := limiter.Allow(ctx, "203.0.113.7", "public-search")
				Expect(err).NotTo(HaveOccurred())
				Expect(dec.Allowed).To(BeTrue())
			}
			Expect(limiter.Degraded()).To(BeTrue())

			dec, err := limiter.Allow(ctx, "203.0.113.7", "public-search")
			Expect(err).NotTo(HaveOccurred())
			Expect(dec.Allowed).To(BeFalse())
		})

		It("should clear the degraded flag once the store recovers", func() {
			store.failing = true
			_, err := limiter.Allow(ctx, "203.0.113.7", "public-search")
			Expect(err).NotTo(HaveOccurred())
			Expect(limiter.Degraded()).To(BeTrue())

			store.failing = false
			_, err = limiter.Allow(ctx, "203.0.113.7", "public-search")
			Expect(err).NotTo(HaveOccurred())
			Expect(limiter.Degraded()).To(BeFalse())
		})
	})

	Describe("Global ceiling", func() {
		It("should reject once the process-wide bucket is drained", func() {
			limiter = ratelimit.NewLimiter(ratelimit.Options{
				Policies: policies,
				Store:    ratelimit.NewMemoryStore(),
				Global:   rate.NewLimiter(rate.Limit(1), 2),
				Logger:   slog.Default(),
			})

			seen := 0
			for i := 0; i < 5; i++ {
				dec, err := limiter.Allow(ctx, "203.0.113.7", "admin")
				Expect(err).NotTo(HaveOccurred())
				if dec.Allowed {
					seen++
				} else {
					Expect(dec.RetryAfter).To(BeNumerically(">", 0))
				}
			}
			// Burst of 2, and the per-identity admin limit caps the rest.
			Expect(seen).To(BeNumerically("<=", 2))
		})
	})
})

var _ = Describe("MemoryStore", func() {
	It("should expire counters with the window", func() {
		store := ratelimit.NewMemoryStore()

		allowed, count, _, err := store.Incr(context.Background(), "k", 2, 50*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(allowed).To(BeTrue())
		Expect(count).To(Equal(int64(1)))

		time.Sleep(60 * time.Millisecond)

		allowed, count, _, err = store.Incr(context.Background(), "k", 2, 50*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(allowed).To(BeTrue())
		Expect(count).To(Equal(int64(1)))
	})

	It("should sweep expired windows on cleanup", func() {
		store := ratelimit.NewMemoryStore(ratelimit.WithCleanupEvery(10 * time.Millisecond))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		_, _, _, err := store.Incr(ctx, "k", 2, 10*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())

		store.StartJanitor(ctx)
		time.Sleep(50 * time.Millisecond)

		// The swept key starts a fresh window from one.
		allowed, count, _, err := store.Incr(ctx, "k", 2, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(allowed).To(BeTrue())
		Expect(count).To(Equal(int64(1)))
	})
})
