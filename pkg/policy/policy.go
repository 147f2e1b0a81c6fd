// Package policy evaluates whether a peer's measured capabilities admit
// it into the registry as a relay candidate. The admission rule is
// expressed as an embedded Lua script (github.com/yuin/gopher-lua)
// rather than compiled Go, so an operator can swap in a stricter or
// looser policy without a rebuild. Grounded on the teacher's Enforcer
// shape (pkg/policy/enforcer.go: a single Allow-style decision function
// over a capability/claims struct), generalized from a fixed Go
// port-allow/deny table to a scriptable admission threshold check since
// the spec's admission rule ("meets minimum thresholds for
// bandwidth/latency/reliability") is explicitly meant to be tunable.
package policy

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// DefaultScript is the admission policy used when no override script is
// configured: max_bandwidth >= 50 KiB/s, latency <= 1000ms, uptime >= 5
// minutes, reliability >= 0.8, all four required together.
const DefaultScript = `
function admit(bandwidth_bps, latency_ms, reliability, uptime_ms)
  if bandwidth_bps < 409600 then
    return false
  end
  if latency_ms > 1000 then
    return false
  end
  if uptime_ms < 300000 then
    return false
  end
  if reliability < 0.8 then
    return false
  end
  return true
end
`

// Capabilities is the measured capability snapshot handed to the policy.
type Capabilities struct {
	MaxBandwidthBps float64
	LatencyMs       float64
	Reliability     float64
	UptimeMs        float64
}

// Engine evaluates admission decisions against a loaded Lua script. It
// holds only the script source and Admit runs each call in its own fresh
// lua.LState, so one Engine may be used from several goroutines at once.
type Engine struct {
	script string
}

// NewEngine builds an engine from the default embedded script.
func NewEngine() *Engine {
	return &Engine{script: DefaultScript}
}

// NewEngineFromScript builds an engine from operator-supplied Lua source,
// validating it defines the required `admit` function before accepting it.
func NewEngineFromScript(script string) (*Engine, error) {
	e := &Engine{script: script}
	if _, err := e.newState(); err != nil {
		return nil, fmt.Errorf("load policy script: %w", err)
	}
	return e, nil
}

func (e *Engine) newState() (*lua.LState, error) {
	L := lua.NewState()
	if err := L.DoString(e.script); err != nil {
		L.Close()
		return nil, fmt.Errorf("execute policy script: %w", err)
	}
	fn := L.GetGlobal("admit")
	if fn.Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("policy script does not define admit(...)")
	}
	return L, nil
}

// Admit runs the loaded script's admit(bandwidth_bps, latency_ms,
// reliability, uptime_ms) function against caps and returns its boolean
// result. A script error is treated as a denial, never a panic.
func (e *Engine) Admit(caps Capabilities) (bool, error) {
	L, err := e.newState()
	if err != nil {
		return false, err
	}
	defer L.Close()

	fn := L.GetGlobal("admit")
	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	},
		lua.LNumber(caps.MaxBandwidthBps),
		lua.LNumber(caps.LatencyMs),
		lua.LNumber(caps.Reliability),
		lua.LNumber(caps.UptimeMs),
	); err != nil {
		return false, fmt.Errorf("run admit policy: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	admitted, ok := ret.(lua.LBool)
	if !ok {
		return false, fmt.Errorf("admit policy returned non-boolean %T", ret)
	}
	return bool(admitted), nil
}
