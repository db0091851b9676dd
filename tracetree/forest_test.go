package tracetree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

var _ = Describe("Forest", func() {
	var (
		clock *fakeClock
		f     *Forest
	)

	BeforeEach(func() {
		clock = &fakeClock{now: time.Unix(1000, 0)}
		f = NewForest(WithClock(clock.Now))
	})

	It("should begin a single run", func() {
		n, err := f.Begin("1", "", "query", "chain")

		Expect(err).NotTo(HaveOccurred())
		Expect(n.Status).To(Equal(Open))
		Expect(n.IsRoot()).To(BeTrue())
		Expect(n.Start).To(Equal(time.Unix(1001, 0)))
		Expect(f.Len()).To(Equal(1))
		Expect(f.Roots()).To(Equal([]string{"1"}))
	})

	It("should nest a run under its parent", func() {
		_, _ = f.Begin("1", "", "query", "chain")
		_, _ = f.Begin("2", "1", "lookup", "tool")
		_, _ = f.Begin("3", "2", "fetch", "tool")

		r1, _ := f.Lookup("1")
		r2, _ := f.Lookup("2")
		Expect(r1.Children).To(Equal([]string{"2"}))
		Expect(r2.Children).To(Equal([]string{"3"}))
		Expect(f.Roots()).To(Equal([]string{"1"}))

		ancestry := f.Ancestry("3")
		Expect(ancestry).To(HaveLen(3))
		Expect(ancestry[0].RunID).To(Equal("3"))
		Expect(ancestry[2].RunID).To(Equal("1"))
	})

	It("should make a root when the parent is absent", func() {
		n, err := f.Begin("2", "missing", "lookup", "tool")

		Expect(err).NotTo(HaveOccurred())
		Expect(n.Detached).To(BeTrue())
		Expect(n.ParentRunID).To(Equal("missing"))
		Expect(n.IsRoot()).To(BeTrue())
		Expect(f.Roots()).To(Equal([]string{"2"}))
		Expect(f.Ancestry("2")).To(HaveLen(1))
	})

	It("should reject duplicate and empty runs", func() {
		_, _ = f.Begin("1", "", "query", "chain")

		_, err := f.Begin("1", "", "query", "chain")
		Expect(err).To(MatchError(ErrDuplicateRun))

		_, err = f.Begin("", "", "query", "chain")
		Expect(err).To(MatchError(ErrEmptyRunID))
	})

	It("should close a run and merge attributes", func() {
		_, _ = f.Begin("1", "", "query", "chain")

		Expect(f.End("1", map[string]any{"rows": 3})).To(Succeed())

		n, _ := f.Lookup("1")
		Expect(n.Status).To(Equal(Closed))
		Expect(n.Attributes).To(HaveKeyWithValue("rows", 3))
		Expect(n.Duration()).To(Equal(time.Second))
	})

	It("should fail to end an unknown run", func() {
		Expect(f.End("ghost", nil)).To(MatchError(ErrUnknownRun))
		Expect(f.Error("ghost", ErrorDetail{}, nil)).To(MatchError(ErrUnknownRun))
	})

	It("should reject a second terminal event", func() {
		_, _ = f.Begin("1", "", "query", "chain")
		Expect(f.Error("1", ErrorDetail{Kind: "io", Message: "reset"}, nil)).
			To(Succeed())

		Expect(f.End("1", nil)).To(MatchError(ErrRunNotOpen))

		n, _ := f.Lookup("1")
		Expect(n.Status).To(Equal(Errored))
		Expect(n.Attributes).To(HaveKeyWithValue(AttrErrorKind, "io"))
		Expect(n.Attributes).To(HaveKeyWithValue(AttrErrorMessage, "reset"))
	})

	It("should not cascade end to open children", func() {
		_, _ = f.Begin("1", "", "query", "chain")
		_, _ = f.Begin("2", "1", "lookup", "tool")

		Expect(f.End("1", nil)).To(Succeed())

		n, _ := f.Lookup("2")
		Expect(n.Status).To(Equal(Open))
		Expect(f.OpenRuns()).To(Equal([]string{"2"}))
	})

	It("should express cancellation as an error detail", func() {
		_, _ = f.Begin("1", "", "query", "chain")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		Expect(f.Error("1", DetailFromError(ctx.Err()), nil)).To(Succeed())

		n, _ := f.Lookup("1")
		Expect(n.Attributes).To(HaveKeyWithValue(AttrErrorKind, KindCancelled))
	})

	It("should return copies from lookup", func() {
		_, _ = f.Begin("1", "", "query", "chain")
		_, _ = f.Begin("2", "1", "lookup", "tool")

		n, ok := f.Lookup("1")
		Expect(ok).To(BeTrue())
		n.Children[0] = "changed"
		n.Attributes["x"] = 1

		again, _ := f.Lookup("1")
		Expect(again.Children).To(Equal([]string{"2"}))
		Expect(again.Attributes).To(BeEmpty())

		_, ok = f.Lookup("ghost")
		Expect(ok).To(BeFalse())
	})

	It("should drop a subtree", func() {
		_, _ = f.Begin("1", "", "query", "chain")
		_, _ = f.Begin("2", "1", "lookup", "tool")
		_, _ = f.Begin("3", "2", "fetch", "tool")
		_, _ = f.Begin("4", "1", "format", "tool")

		removed, err := f.DropSubtree("2")
		Expect(err).NotTo(HaveOccurred())
		Expect(removed).To(Equal(2))

		r1, _ := f.Lookup("1")
		Expect(r1.Children).To(Equal([]string{"4"}))

		removed, err = f.DropSubtree("1")
		Expect(err).NotTo(HaveOccurred())
		Expect(removed).To(Equal(2))

		for _, id := range []string{"1", "2", "3", "4"} {
			_, ok := f.Lookup(id)
			Expect(ok).To(BeFalse())
		}

		Expect(f.Roots()).To(BeEmpty())
		Expect(f.Len()).To(Equal(0))

		_, err = f.DropSubtree("1")
		Expect(err).To(MatchError(ErrUnknownRun))
	})

	It("should keep terminal nodes without eviction", func() {
		_, _ = f.Begin("1", "", "query", "chain")
		Expect(f.End("1", nil)).To(Succeed())

		Expect(f.Len()).To(Equal(1))
	})

	Context("when evicting on root close", func() {
		BeforeEach(func() {
			f = NewForest(WithClock(clock.Now), WithEvictOnRootClose())
		})

		It("should drop the tree once every node is terminal", func() {
			_, _ = f.Begin("1", "", "query", "chain")
			_, _ = f.Begin("2", "1", "lookup", "tool")

			Expect(f.End("1", nil)).To(Succeed())
			Expect(f.Len()).To(Equal(2))

			Expect(f.Error("2", ErrorDetail{Kind: "io"}, nil)).To(Succeed())
			Expect(f.Len()).To(Equal(0))
		})

		It("should keep other trees", func() {
			_, _ = f.Begin("1", "", "query", "chain")
			_, _ = f.Begin("a", "", "query", "chain")

			Expect(f.End("1", nil)).To(Succeed())

			Expect(f.Roots()).To(Equal([]string{"a"}))
		})
	})

	It("should handle concurrent runs", func() {
		f = NewForest()
		_, _ = f.Begin("root", "", "batch", "chain")

		var wg sync.WaitGroup
		for w := 0; w < 16; w++ {
			wg.Add(1)

			go func(w int) {
				defer GinkgoRecover()
				defer wg.Done()

				for i := 0; i < 50; i++ {
					id := fmt.Sprintf("%d-%d", w, i)
					_, err := f.Begin(id, "root", "step", "tool")
					Expect(err).NotTo(HaveOccurred())

					if i%2 == 0 {
						Expect(f.End(id, nil)).To(Succeed())
					} else {
						Expect(f.Error(id, DetailFromError(errors.New("x")), nil)).
							To(Succeed())
					}
				}
			}(w)
		}

		wg.Wait()

		root, _ := f.Lookup("root")
		Expect(root.Children).To(HaveLen(16 * 50))
		Expect(f.Len()).To(Equal(16*50 + 1))
		Expect(f.OpenRuns()).To(Equal([]string{"root"}))
	})
})

var _ = Describe("DetailFromError", func() {
	It("should map deadlines to timeouts", func() {
		d := DetailFromError(context.DeadlineExceeded)
		Expect(d.Kind).To(Equal(KindTimeout))
	})

	It("should use the error type as kind", func() {
		d := DetailFromError(errors.New("boom"))
		Expect(d.Kind).To(Equal("*errors.errorString"))
		Expect(d.String()).To(Equal("*errors.errorString: boom"))
	})

	It("should return an empty detail for nil", func() {
		Expect(DetailFromError(nil)).To(Equal(ErrorDetail{}))
	})
})
