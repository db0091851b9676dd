package kvcacheprobe

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/autoinstr/activation"
	"github.com/sarchlab/autoinstr/hooking"
	"github.com/sarchlab/autoinstr/idgen"
	"github.com/sarchlab/autoinstr/kvcache"
	"github.com/sarchlab/autoinstr/tracetree"
)

var _ = Describe("Probe", func() {
	var (
		ctx    context.Context
		site   *hooking.Site[kvcache.ExecuteFunc]
		client *kvcache.Client
		forest *tracetree.Forest
		env    activation.Env
		probe  *Probe
	)

	BeforeEach(func() {
		ctx = context.Background()
		site = hooking.NewSite[kvcache.ExecuteFunc]("test",
			kvcache.Execute.Original())
		client = kvcache.NewClient("cache.local", 6380,
			kvcache.WithSite(site), kvcache.WithDB(3))
		forest = tracetree.NewForest()

		domain := hooking.NewHookableBase()
		domain.AcceptHook(tracetree.NewRecorder(forest))

		env = activation.Env{Domain: domain, IDs: idgen.NewSequential()}
		probe = New(WithSite(site))

		Expect(probe.Instrument(ctx, env)).To(Succeed())
	})

	It("should record a run per command", func() {
		Expect(client.Set(ctx, "user:1", "secret")).To(Succeed())

		n, ok := forest.Lookup("1")
		Expect(ok).To(BeTrue())
		Expect(n.Name).To(Equal("kvcache.set"))
		Expect(n.Kind).To(Equal(RunKind))
		Expect(n.Status).To(Equal(tracetree.Closed))
		Expect(n.Attributes).To(HaveKeyWithValue(AttrDBSystem, "kvcache"))
		Expect(n.Attributes).To(HaveKeyWithValue(AttrDBStatement, "SET user:1 ?"))
		Expect(n.Attributes).To(HaveKeyWithValue(AttrDBOperation, "set"))
		Expect(n.Attributes).To(HaveKeyWithValue(AttrPeerName, "cache.local"))
		Expect(n.Attributes).To(HaveKeyWithValue(AttrPeerPort, 6380))
		Expect(n.Attributes).To(HaveKeyWithValue(AttrDBName, 3))
		Expect(n.Attributes).To(HaveKeyWithValue(AttrArgsLength, 3))
	})

	It("should record failed commands as errored", func() {
		_, err := client.Get(ctx, "missing")
		Expect(err).To(MatchError(kvcache.ErrNotFound))

		n, _ := forest.Lookup("1")
		Expect(n.Status).To(Equal(tracetree.Errored))
		Expect(n.Attributes).To(HaveKeyWithValue(tracetree.AttrErrorMessage,
			ContainSubstring("missing")))
	})

	It("should nest commands under the run in the context", func() {
		_, err := forest.Begin("outer", "", "request", "server")
		Expect(err).NotTo(HaveOccurred())

		Expect(client.Set(tracetree.ContextWithRun(ctx, "outer"), "k", "v")).
			To(Succeed())

		outer, _ := forest.Lookup("outer")
		Expect(outer.Children).To(Equal([]string{"1"}))
	})

	It("should call request and response hooks", func() {
		positions := []string{}
		probe.AcceptHook(hooking.HookFunc(func(hc hooking.HookCtx) {
			call := hc.Item.(*Call)
			positions = append(positions, hc.Pos.Name)

			if hc.Pos == HookPosResponse {
				Expect(call.Result).To(Equal("OK"))
			}
		}))

		Expect(client.Set(ctx, "k", "v")).To(Succeed())

		Expect(positions).To(Equal([]string{"KVCacheRequest", "KVCacheResponse"}))
	})

	It("should skip the response hook on failure", func() {
		positions := []string{}
		probe.AcceptHook(hooking.HookFunc(func(hc hooking.HookCtx) {
			positions = append(positions, hc.Pos.Name)
		}))

		_, _ = client.Get(ctx, "missing")

		Expect(positions).To(Equal([]string{"KVCacheRequest"}))
	})

	It("should not record suppressed commands", func() {
		Expect(client.Set(hooking.Suppress(ctx), "k", "v")).To(Succeed())

		Expect(forest.Len()).To(Equal(0))
	})

	It("should restore the original on uninstrument", func() {
		Expect(probe.Instrument(ctx, env)).To(MatchError(hooking.ErrAlreadyInstalled))
		Expect(probe.Uninstrument(ctx)).To(Succeed())

		Expect(client.Set(ctx, "k", "v")).To(Succeed())
		Expect(forest.Len()).To(Equal(0))
		Expect(probe.Uninstrument(ctx)).To(MatchError(hooking.ErrNotInstalled))
	})

	It("should declare its requirement", func() {
		reqs := probe.Requirements()

		Expect(reqs).To(HaveLen(1))
		Expect(reqs[0].Library).To(Equal("kvcache"))
	})
})

var _ = DescribeTable("FormatStatement",
	func(cmd kvcache.Command, want string) {
		Expect(FormatStatement(cmd)).To(Equal(want))
	},
	Entry("empty", kvcache.Command{}, ""),
	Entry("no args", kvcache.Command{Op: "mget"}, "MGET"),
	Entry("key only", kvcache.Command{Op: "get", Args: []string{"user:123"}},
		"GET user:123"),
	Entry("value redacted",
		kvcache.Command{Op: "set", Args: []string{"user:123", "secret"}},
		"SET user:123 ?"),
	Entry("set without value",
		kvcache.Command{Op: "set", Args: []string{"user:123"}},
		"SET user:123"),
	Entry("every key of mget kept",
		kvcache.Command{Op: "mget", Args: []string{"a", "b", "c"}},
		"MGET a b c"),
	Entry("delete key kept",
		kvcache.Command{Op: "delete", Args: []string{"user:123"}},
		"DELETE user:123"),
)
