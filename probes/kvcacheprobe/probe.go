// Package kvcacheprobe instruments the kvcache client.
//
// Each command becomes a run of kind "client" named "kvcache.<op>". Values are
// never recorded: the statement keeps the operation and the key only.
package kvcacheprobe

import (
	"context"
	"strings"

	"github.com/sarchlab/autoinstr/activation"
	"github.com/sarchlab/autoinstr/hooking"
	"github.com/sarchlab/autoinstr/idgen"
	"github.com/sarchlab/autoinstr/kvcache"
	"github.com/sarchlab/autoinstr/tracetree"
	"github.com/sarchlab/autoinstr/version"
)

// Name is the name of the probe in the manifest.
const Name = "kvcache"

// Requirement is the range of library versions the probe supports.
const Requirement = "kvcache>=1.0"

// Run kind and attribute keys.
const (
	RunKind = "client"

	AttrDBSystem    = "db.system"
	AttrDBStatement = "db.statement"
	AttrDBOperation = "db.operation"
	AttrDBName      = "db.name"
	AttrPeerName    = "net.peer.name"
	AttrPeerPort    = "net.peer.port"
	AttrArgsLength  = "kvcache.args_length"
)

// Hook positions raised on the probe around every intercepted command.
var (
	// HookPosRequest is triggered before the command is sent
	HookPosRequest = &hooking.HookPos{Name: "KVCacheRequest"}

	// HookPosResponse is triggered after a command succeeded
	HookPosResponse = &hooking.HookPos{Name: "KVCacheResponse"}
)

// Call is the hook item of the request and response positions.
type Call struct {
	RunID   string
	Client  *kvcache.Client
	Command kvcache.Command

	// Result is only set at HookPosResponse.
	Result any
}

// A Probe wraps the kvcache Execute site.
type Probe struct {
	*hooking.HookableBase

	site *hooking.Site[kvcache.ExecuteFunc]
}

// Option configures a Probe.
type Option func(p *Probe)

// WithSite makes the probe wrap a site other than kvcache.Execute.
func WithSite(site *hooking.Site[kvcache.ExecuteFunc]) Option {
	return func(p *Probe) {
		p.site = site
	}
}

// New creates a probe.
func New(opts ...Option) *Probe {
	p := &Probe{
		HookableBase: hooking.NewHookableBase(),
		site:         kvcache.Execute,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Factory is the catalog entry of the probe.
func Factory() (activation.Probe, error) {
	return New(), nil
}

// Requirements returns the supported library versions.
func (p *Probe) Requirements() []version.Constraint {
	return []version.Constraint{version.MustParse(Requirement)}
}

// Instrument installs the wrapper.
func (p *Probe) Instrument(_ context.Context, env activation.Env) error {
	if env.Domain == nil {
		env.Domain = hooking.NewHookableBase()
	}

	if env.IDs == nil {
		env.IDs = idgen.NewParallel()
	}

	return p.site.Install(Name, p.wrapper(env))
}

// Uninstrument restores the original function.
func (p *Probe) Uninstrument(_ context.Context) error {
	return p.site.Uninstall(Name)
}

func (p *Probe) wrapper(
	env activation.Env,
) func(kvcache.ExecuteFunc) kvcache.ExecuteFunc {
	return func(next kvcache.ExecuteFunc) kvcache.ExecuteFunc {
		return func(
			ctx context.Context,
			c *kvcache.Client,
			cmd kvcache.Command,
		) (any, error) {
			if hooking.Suppressed(ctx) {
				return next(ctx, c, cmd)
			}

			runID := env.IDs.Generate()
			parent, _ := tracetree.RunFromContext(ctx)

			op := cmd.Op
			if op == "" {
				op = "unknown"
			}

			tracetree.BeginRun(env.Domain, runID, parent,
				"kvcache."+op, RunKind, attributes(c, cmd))

			call := &Call{RunID: runID, Client: c, Command: cmd}
			p.InvokeHook(hooking.HookCtx{
				Domain: p,
				Pos:    HookPosRequest,
				Item:   call,
			})

			res, err := next(tracetree.ContextWithRun(ctx, runID), c, cmd)
			if err != nil {
				tracetree.FailRun(env.Domain, runID,
					tracetree.DetailFromError(err), nil)

				return res, err
			}

			call.Result = res
			p.InvokeHook(hooking.HookCtx{
				Domain: p,
				Pos:    HookPosResponse,
				Item:   call,
			})

			tracetree.EndRun(env.Domain, runID, nil)

			return res, nil
		}
	}
}

func attributes(c *kvcache.Client, cmd kvcache.Command) map[string]any {
	return map[string]any{
		AttrDBSystem:    "kvcache",
		AttrDBStatement: FormatStatement(cmd),
		AttrDBOperation: cmd.Op,
		AttrDBName:      c.DB,
		AttrPeerName:    c.Host,
		AttrPeerPort:    c.Port,
		AttrArgsLength:  len(cmd.Args) + 1,
	}
}

// FormatStatement renders a command with the value of a SET replaced by
// "?". Keys are kept, so "MGET a b" stays as is and "SET user:1 x" becomes
// "SET user:1 ?".
func FormatStatement(cmd kvcache.Command) string {
	if cmd.Op == "" {
		return ""
	}

	parts := make([]string, 0, len(cmd.Args)+1)
	parts = append(parts, strings.ToUpper(cmd.Op))
	parts = append(parts, cmd.Args...)

	if strings.EqualFold(cmd.Op, kvcache.OpSet) {
		for i := 2; i < len(parts); i++ {
			parts[i] = "?"
		}
	}

	return strings.Join(parts, " ")
}

var (
	_ activation.Probe    = (*Probe)(nil)
	_ activation.Requirer = (*Probe)(nil)
	_ hooking.Hookable    = (*Probe)(nil)
)
