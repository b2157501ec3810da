package concurrency_test

import (
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/openscholar/gatekeeper/internal/concurrency"
)

var _ = Describe("Limiter", func() {
	var limiter *concurrency.Limiter

	BeforeEach(func() {
		limiter = concurrency.New(map[string]int{
			"/api/search": 2,
			"/api":        5,
			"/login":      2,
		}, 10)
	})

	Describe("Resolve", func() {
		It("should pick the longest matching prefix", func() {
			Expect(limiter.Resolve("/api/search/scholarships")).To(Equal("/api/search"))
			Expect(limiter.Resolve("/api/apply")).To(Equal("/api"))
		})

		It("should fall back to the default route", func() {
			Expect(limiter.Resolve("/healthz")).To(Equal(concurrency.DefaultRouteKey))
		})
	})

	Describe("Admit", func() {
		It("should admit up to the route limit", func() {
			r1, err := limiter.Admit("/login")
			Expect(err).NotTo(HaveOccurred())
			r2, err := limiter.Admit("/login")
			Expect(err).NotTo(HaveOccurred())

			_, err = limiter.Admit("/login")
			var rejected *concurrency.RejectedError
			Expect(errors.As(err, &rejected)).To(BeTrue())
			Expect(rejected.Route).To(Equal("/login"))
			Expect(rejected.Limit).To(Equal(2))
			Expect(rejected.Current).To(Equal(2))
			Expect(rejected.RetryAfter).To(BeNumerically(">", 0))

			r1()
			r2()
		})

		It("should not retroactively admit a rejected request", func() {
			r1, err := limiter.Admit("/login")
			Expect(err).NotTo(HaveOccurred())
			r2, err := limiter.Admit("/login")
			Expect(err).NotTo(HaveOccurred())

			_, err = limiter.Admit("/login")
			Expect(err).To(HaveOccurred())

			// Releasing a slot frees capacity for new arrivals only; the
			// rejected request stays rejected.
			r1()
			Expect(limiter.Stats()["/login"].Rejected).To(Equal(int64(1)))

			r3, err := limiter.Admit("/login")
			Expect(err).NotTo(HaveOccurred())
			r2()
			r3()
		})

		It("should decrement exactly once even if release is called twice", func() {
			r1, err := limiter.Admit("/login")
			Expect(err).NotTo(HaveOccurred())

			r1()
			r1()

			stats := limiter.Stats()["/login"]
			Expect(stats.Current).To(Equal(0))
		})

		It("should isolate routes from each other", func() {
			r1, err := limiter.Admit("/login")
			Expect(err).NotTo(HaveOccurred())
			r2, err := limiter.Admit("/login")
			Expect(err).NotTo(HaveOccurred())

			// /login is full but /api/search is untouched.
			r3, err := limiter.Admit("/api/search")
			Expect(err).NotTo(HaveOccurred())

			r1()
			r2()
			r3()
		})
	})

	Describe("Stats", func() {
		It("should track current, peak, rejected, total and limit", func() {
			r1, _ := limiter.Admit("/login")
			r2, _ := limiter.Admit("/login")
			_, err := limiter.Admit("/login")
			Expect(err).To(HaveOccurred())
			r1()

			stats := limiter.Stats()["/login"]
			Expect(stats.Current).To(Equal(1))
			Expect(stats.Peak).To(Equal(2))
			Expect(stats.Rejected).To(Equal(int64(1)))
			Expect(stats.Total).To(Equal(int64(2)))
			Expect(stats.Limit).To(Equal(2))

			r2()
			Expect(limiter.Stats()["/login"].Current).To(Equal(0))
		})

		It("should only report routes that have seen traffic", func() {
			Expect(limiter.Stats()).To(BeEmpty())

			release, err := limiter.Admit("/api/search")
			Expect(err).NotTo(HaveOccurred())
			release()

			Expect(limiter.Stats()).To(HaveLen(1))
		})
	})

	Describe("Concurrent admission", func() {
		It("should reject exactly the excess requests under simultaneous load", func() {
			const workers = 20
			limiter = concurrency.New(map[string]int{"/api/search": 5}, 10)

			admitted := make(chan func(), workers)
			rejections := make(chan error, workers)
			block := make(chan struct{})

			var wg sync.WaitGroup
			wg.Add(workers)
			for i := 0; i < workers; i++ {
				go func() {
					defer wg.Done()
					release, err := limiter.Admit("/api/search/scholarships")
					if err != nil {
						rejections <- err
						return
					}
					admitted <- release
					<-block
				}()
			}

			Eventually(func() int {
				return len(admitted) + len(rejections)
			}).Should(Equal(workers))

			Expect(admitted).To(HaveLen(5))
			Expect(rejections).To(HaveLen(15))

			close(block)
			wg.Wait()

			for len(admitted) > 0 {
				release := <-admitted
				release()
			}

			stats := limiter.Stats()["/api/search"]
			Expect(stats.Current).To(Equal(0))
			Expect(stats.Peak).To(Equal(5))
			Expect(stats.Rejected).To(Equal(int64(15)))
		})
	})
})
