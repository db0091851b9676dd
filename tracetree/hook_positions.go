package tracetree

import "github.com/sarchlab/autoinstr/hooking"

// Hook positions for run lifecycle events
var (
	// HookPosRunBegin is triggered when an instrumented operation starts
	HookPosRunBegin = &hooking.HookPos{Name: "RunBegin"}

	// HookPosRunEnd is triggered when an instrumented operation completes
	HookPosRunEnd = &hooking.HookPos{Name: "RunEnd"}

	// HookPosRunError is triggered when an instrumented operation fails
	HookPosRunError = &hooking.HookPos{Name: "RunError"}
)
