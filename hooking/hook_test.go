package hooking

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("HookableBase", func() {
	var (
		mockCtrl *gomock.Controller
		base     *HookableBase
		pos      *HookPos
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		base = NewHookableBase()
		pos = &HookPos{Name: "Test"}
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should invoke hooks in registration order", func() {
		hook1 := NewMockHook(mockCtrl)
		hook2 := NewMockHook(mockCtrl)
		base.AcceptHook(hook1)
		base.AcceptHook(hook2)

		ctx := HookCtx{Domain: base, Pos: pos, Item: "item"}
		gomock.InOrder(
			hook1.EXPECT().Func(ctx),
			hook2.EXPECT().Func(ctx),
		)

		base.InvokeHook(ctx)

		Expect(base.NumHooks()).To(Equal(2))
	})

	It("should panic on duplicated hook", func() {
		hook := NewMockHook(mockCtrl)
		base.AcceptHook(hook)

		Expect(func() { base.AcceptHook(hook) }).To(Panic())
	})

	It("should accept function hooks", func() {
		calls := 0
		f := HookFunc(func(HookCtx) { calls++ })

		base.AcceptHook(f)
		base.AcceptHook(f)
		base.InvokeHook(HookCtx{Pos: pos})

		Expect(calls).To(Equal(2))
	})

	It("should remove hooks", func() {
		hook := NewMockHook(mockCtrl)
		base.AcceptHook(hook)

		Expect(base.RemoveHook(hook)).To(BeTrue())
		Expect(base.RemoveHook(hook)).To(BeFalse())
		Expect(base.NumHooks()).To(Equal(0))

		base.InvokeHook(HookCtx{Pos: pos})
	})

	It("should return a copy of the hook list", func() {
		hook := NewMockHook(mockCtrl)
		base.AcceptHook(hook)

		hooks := base.Hooks()
		hooks[0] = nil

		Expect(base.Hooks()[0]).To(BeIdenticalTo(hook))
	})
})
