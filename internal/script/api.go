package script

import (
	"log"

	lua "github.com/yuin/gopher-lua"
)

const (
	// maxSendsPerInvocation caps chat sends from a single hook run, so a
	// misbehaving on_chat cannot flood the room before the rate limiter
	// winds down the whole hook.
	maxSendsPerInvocation = 3

	maxLogBytes = 512
)

// Peer is one room occupant as shown to scripts.
type Peer struct {
	ID   string
	Name string
}

// Host is what hook scripts can reach back into.
type Host interface {
	SendChat(content string) error
	Peers() []Peer
	SetAudio(enabled bool)
}

// invocation carries per-run state shared by the API functions.
type invocation struct {
	hook  string
	sends int
}

// newVM builds a sandboxed LState for one hook run: base, table, string
// and math only. No io, no os, no loading of other files.
func (e *Engine) newVM(inv *invocation) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       128,
		RegistrySize:        2048,
		RegistryMaxSize:     e.registryMaxSize(),
		RegistryGrowStep:    32,
		MinimizeStackMemory: true,
	})

	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range []string{"dofile", "loadfile", "require"} {
		L.SetGlobal(name, lua.LNil)
	}

	e.injectAPI(L, inv)
	return L
}

// registryMaxSize derives a registry cap from the memory limit. Each slot
// is roughly 48 bytes.
func (e *Engine) registryMaxSize() int {
	if e.cfg.MaxMemoryMB <= 0 {
		return 0
	}
	max := e.cfg.MaxMemoryMB * 1024 * 1024 / 48
	if max < 5120 {
		max = 5120
	}
	return max
}

// injectAPI installs the meet.* table.
func (e *Engine) injectAPI(L *lua.LState, inv *invocation) {
	meet := L.NewTable()
	meet.RawSetString("send_chat", L.NewFunction(sendChatFn(e.host, inv)))
	meet.RawSetString("peers", L.NewFunction(peersFn(e.host)))
	meet.RawSetString("set_audio", L.NewFunction(setAudioFn(e.host)))
	meet.RawSetString("log", L.NewFunction(scriptLogFn(inv)))
	L.SetGlobal("meet", meet)
}

// meet.send_chat(text) -> ok, err
func sendChatFn(host Host, inv *invocation) lua.LGFunction {
	return func(L *lua.LState) int {
		text := L.CheckString(1)
		inv.sends++
		if inv.sends > maxSendsPerInvocation {
			L.Push(lua.LFalse)
			L.Push(lua.LString("send limit reached"))
			return 2
		}
		if err := host.SendChat(text); err != nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		L.Push(lua.LNil)
		return 2
	}
}

// meet.peers() -> array of {id=..., name=...}
func peersFn(host Host) lua.LGFunction {
	return func(L *lua.LState) int {
		peers := host.Peers()
		tbl := L.NewTable()
		for _, p := range peers {
			entry := L.NewTable()
			entry.RawSetString("id", lua.LString(p.ID))
			entry.RawSetString("name", lua.LString(p.Name))
			tbl.Append(entry)
		}
		L.Push(tbl)
		return 1
	}
}

// meet.set_audio(enabled)
func setAudioFn(host Host) lua.LGFunction {
	return func(L *lua.LState) int {
		host.SetAudio(L.CheckBool(1))
		return 0
	}
}

// meet.log(msg)
func scriptLogFn(inv *invocation) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)
		if len(msg) > maxLogBytes {
			msg = msg[:maxLogBytes] + "..."
		}
		log.Printf("SCRIPT: [%s] %s", inv.hook, msg)
		return 0
	}
}
