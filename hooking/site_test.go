package hooking

import (
	"context"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type greetFunc func(name string) string

func tag(t string) func(greetFunc) greetFunc {
	return func(next greetFunc) greetFunc {
		return func(name string) string {
			return t + "(" + next(name) + ")"
		}
	}
}

var _ = Describe("Site", func() {
	var site *Site[greetFunc]

	BeforeEach(func() {
		site = NewSite[greetFunc]("greet", func(name string) string {
			return "hello " + name
		})
	})

	It("should call the original when nothing is installed", func() {
		Expect(site.Name()).To(Equal("greet"))
		Expect(site.Func()("bob")).To(Equal("hello bob"))
		Expect(site.Installed()).To(BeEmpty())
	})

	It("should compose wrappers in installation order", func() {
		Expect(site.Install("a", tag("a"))).To(Succeed())
		Expect(site.Install("b", tag("b"))).To(Succeed())

		Expect(site.Func()("bob")).To(Equal("b(a(hello bob))"))
		Expect(site.Installed()).To(Equal([]string{"a", "b"}))
	})

	It("should reject a second wrapper from the same owner", func() {
		Expect(site.Install("a", tag("a"))).To(Succeed())

		err := site.Install("a", tag("x"))

		Expect(err).To(MatchError(ErrAlreadyInstalled))
		Expect(site.Func()("bob")).To(Equal("a(hello bob)"))
	})

	It("should restore the original after uninstalling", func() {
		Expect(site.Install("a", tag("a"))).To(Succeed())
		Expect(site.Install("b", tag("b"))).To(Succeed())

		Expect(site.Uninstall("a")).To(Succeed())
		Expect(site.Func()("bob")).To(Equal("b(hello bob)"))

		Expect(site.Uninstall("b")).To(Succeed())
		Expect(site.Func()("bob")).To(Equal("hello bob"))
		Expect(site.Original()("bob")).To(Equal("hello bob"))
	})

	It("should fail to uninstall an unknown owner", func() {
		Expect(site.Uninstall("a")).To(MatchError(ErrNotInstalled))
	})

	It("should allow calls while wrappers change", func() {
		var wg sync.WaitGroup

		for i := 0; i < 8; i++ {
			wg.Add(1)

			go func() {
				defer GinkgoRecover()
				defer wg.Done()

				for j := 0; j < 1000; j++ {
					out := site.Func()("bob")
					Expect(strings.Contains(out, "hello bob")).To(BeTrue())
				}
			}()
		}

		for j := 0; j < 100; j++ {
			Expect(site.Install("a", tag("a"))).To(Succeed())
			Expect(site.Uninstall("a")).To(Succeed())
		}

		wg.Wait()
	})
})

var _ = Describe("Suppress", func() {
	It("should mark a context", func() {
		ctx := context.Background()

		Expect(Suppressed(ctx)).To(BeFalse())
		Expect(Suppressed(Suppress(ctx))).To(BeTrue())
	})
})
