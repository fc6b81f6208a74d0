// Package eval implements the health evaluation engine from spec.md §4.4: a
// single-threaded scripting runtime wrapping a NodeHealth scratch value
// exposed to per-node scripts, exactly as the original Rust source embedded
// rhai. Go has no equivalent of rhai in this example pack, so this rendition
// embeds github.com/yuin/gopher-lua instead -- a real, widely used
// embeddable scripting language for Go (see DESIGN.md for why it is named
// rather than pack-grounded). Script registration is keyed by node id, one
// global Lua function per node, matching `fun<node_id>` in the original.
package eval

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// NodeHealth is the scratch value scripts observe and mutate. It is rebuilt
// once per node per tick by the application package's Tick method (which
// knows how to read a node's children; this package stays domain-agnostic).
type NodeHealth struct {
	ID         uint64
	LastReport uint64
	LastCheck  uint64
	LastStatus uint8
	AvgHealth  uint8

	Alert    bool
	Severity uint8
	Health   uint8

	kids map[string]uint8
}

// NewNodeHealth returns a fresh scratch value with no children recorded.
func NewNodeHealth() *NodeHealth {
	return &NodeHealth{kids: make(map[string]uint8)}
}

// SetKid records name's last known health status; the application tick
// calls it for each child before invoking Eval.
func (h *NodeHealth) SetKid(name string, health uint8) {
	if h.kids == nil {
		h.kids = make(map[string]uint8)
	}
	h.kids[name] = health
}

// ResetKids clears the recorded child healths ahead of repopulating them.
func (h *NodeHealth) ResetKids() {
	for k := range h.kids {
		delete(h.kids, k)
	}
}

func (h *NodeHealth) kidHealth(name string) uint8 {
	if v, ok := h.kids[name]; ok {
		return v
	}
	return 0
}

// Dump packs health, severity and alert into the single word a script
// returns to Eval: health | severity<<8 | alert<<16.
func (h *NodeHealth) Dump() uint32 {
	alertBit := uint32(0)
	if h.Alert {
		alertBit = 1
	}
	return uint32(h.Health) | (uint32(h.Severity) << 8) | (alertBit << 16)
}

const nodeHealthTypeName = "NodeHealth"

// Engine owns the Lua runtime and the set of registered node scripts.
type Engine struct {
	mu sync.Mutex
	L  *lua.LState
}

// NewEngine creates an Engine with the NodeHealth type registered.
func NewEngine() *Engine {
	L := lua.NewState()
	registerNodeHealthType(L)
	return &Engine{L: L}
}

// Close releases the underlying Lua runtime.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.L.Close()
}

func funcName(nodeID uint64) string {
	return fmt.Sprintf("fun%d", nodeID)
}

// AddScript compiles a wrapper function named fun<node_id> around source,
// validates it by calling it against a fresh NodeHealth, and on failure
// installs a no-op fun<node_id> so future ticks don't crash. Returns
// whether the user's source was accepted.
func (e *Engine) AddScript(source string, nodeID uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := funcName(nodeID)
	full := fmt.Sprintf("%s = function(node) %s\n return node.dump() end", name, source)

	if err := e.L.DoString(full); err != nil {
		e.installNoop(name)
		return false
	}

	scratch := NewNodeHealth()
	if err := e.callLocked(name, scratch); err != nil {
		e.installNoop(name)
		return false
	}
	return true
}

func (e *Engine) installNoop(name string) {
	noop := fmt.Sprintf("%s = function(node) return node.dump() end", name)
	_ = e.L.DoString(noop)
}

// Eval calls fun<id> with h, then unpacks the returned packed word back
// into h's Health/Severity/Alert fields (the function's body may have
// already mutated them directly; this mirrors the original eval()'s
// unconditional unpack of the return value as the source of truth).
func (e *Engine) Eval(h *NodeHealth) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := funcName(h.ID)
	if err := e.callLocked(name, h); err != nil {
		return err
	}
	return nil
}

func (e *Engine) callLocked(funName string, h *NodeHealth) error {
	fn := e.L.GetGlobal(funName)
	if fn.Type() != lua.LTFunction {
		return fmt.Errorf("eval: no script registered for %s", funName)
	}

	ud := e.L.NewUserData()
	ud.Value = h
	e.L.SetMetatable(ud, e.L.GetTypeMetatable(nodeHealthTypeName))

	if err := e.L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, ud); err != nil {
		return err
	}

	ret := e.L.Get(-1)
	e.L.Pop(1)
	word, ok := ret.(lua.LNumber)
	if !ok {
		return fmt.Errorf("eval: script for %s did not return a number", funName)
	}
	packed := uint32(word)
	h.Alert = (packed & 0x10000) > 0
	h.Severity = uint8((packed >> 8) & 0xff)
	h.Health = uint8(packed & 0xff)
	return nil
}

func registerNodeHealthType(L *lua.LState) {
	mt := L.NewTypeMetatable(nodeHealthTypeName)
	L.SetField(mt, "__index", L.NewFunction(nodeHealthIndex))
	L.SetField(mt, "__newindex", L.NewFunction(nodeHealthNewIndex))
}

func checkNodeHealth(L *lua.LState) *NodeHealth {
	ud := L.CheckUserData(1)
	h, ok := ud.Value.(*NodeHealth)
	if !ok {
		L.ArgError(1, "NodeHealth expected")
		return nil
	}
	return h
}

// nodeHealthIndex implements both method lookup (kid, dump -- returned as
// closures bound over the receiving NodeHealth, so scripts call them with
// plain dot-call syntax: node.kid("x"), node.dump()) and read-only field
// access (last_check, last_report, last_status, avg_health) plus the
// current value of the writable fields (alert, severity, health).
func nodeHealthIndex(L *lua.LState) int {
	h := checkNodeHealth(L)
	key := L.CheckString(2)

	switch key {
	case "kid":
		L.Push(L.NewFunction(func(L *lua.LState) int {
			name := L.CheckString(1)
			L.Push(lua.LNumber(h.kidHealth(name)))
			return 1
		}))
		return 1
	case "dump":
		L.Push(L.NewFunction(func(L *lua.LState) int {
			L.Push(lua.LNumber(h.Dump()))
			return 1
		}))
		return 1
	case "last_check":
		L.Push(lua.LNumber(h.LastCheck))
	case "last_report":
		L.Push(lua.LNumber(h.LastReport))
	case "last_status":
		L.Push(lua.LNumber(h.LastStatus))
	case "avg_health":
		L.Push(lua.LNumber(h.AvgHealth))
	case "alert":
		L.Push(lua.LBool(h.Alert))
	case "severity":
		L.Push(lua.LNumber(h.Severity))
	case "health":
		L.Push(lua.LNumber(h.Health))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

func nodeHealthNewIndex(L *lua.LState) int {
	h := checkNodeHealth(L)
	key := L.CheckString(2)
	value := L.Get(3)

	switch key {
	case "alert":
		h.Alert = lua.LVAsBool(value)
	case "severity":
		h.Severity = uint8(lua.LVAsNumber(value))
	case "health":
		h.Health = uint8(lua.LVAsNumber(value))
	}
	return 0
}
