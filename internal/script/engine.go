// Package script runs the optional Lua hook file of a peer directory.
// The file may define on_peer_join(id, name), on_peer_leave(id) and
// on_chat(from, content); each callback runs in a fresh sandboxed VM
// with a wall-clock budget, a memory cap and a rate limit. Edits to the
// file take effect without a restart.
package script

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/taskvision/meet/internal/config"
	"github.com/taskvision/meet/internal/util"
)

var hookNames = []string{"on_peer_join", "on_peer_leave", "on_chat"}

// Engine compiles the hook file once and replays it into a fresh VM per
// callback, so one run cannot poison the next.
type Engine struct {
	cfg  config.Script
	path string
	host Host

	mu    sync.Mutex
	proto *lua.FunctionProto
	hooks map[string]bool

	limiter *rateLimiter
	watcher *fsnotify.Watcher
	closed  chan struct{}
}

// NewEngine loads the hook file and starts watching it for edits. A
// missing file is not an error: the engine stays idle until one appears.
func NewEngine(cfg config.Script, peerDir string, host Host) (*Engine, error) {
	path := util.ResolvePath(peerDir, cfg.HookFile)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		path:    path,
		host:    host,
		limiter: newRateLimiter(cfg.RateLimitPerMin),
		watcher: watcher,
		closed:  make(chan struct{}),
	}

	if err := e.compile(); err != nil {
		if os.IsNotExist(err) {
			log.Printf("SCRIPT: no hook file at %s yet", path)
		} else {
			log.Printf("SCRIPT: %s: %v", path, err)
		}
	}

	// Watch the directory, not the file: editors replace files by rename,
	// which silently drops a watch held on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	go e.watchLoop()

	log.Printf("SCRIPT: engine started, hooks %v", e.Hooks())
	return e, nil
}

// compile reads and compiles the hook file, recording which callbacks it
// defines.
func (e *Engine) compile() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return err
	}
	source := string(data)
	name := filepath.Base(e.path)

	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}

	hooks := make(map[string]bool, len(hookNames))
	for _, hook := range hookNames {
		if definesFunction(source, hook) {
			hooks[hook] = true
		}
	}

	e.mu.Lock()
	e.proto = proto
	e.hooks = hooks
	e.mu.Unlock()
	return nil
}

// definesFunction checks whether the source defines a given function.
func definesFunction(source, funcName string) bool {
	return strings.Contains(source, "function "+funcName+"(") ||
		strings.Contains(source, "function "+funcName+" (")
}

func (e *Engine) watchLoop() {
	for {
		select {
		case <-e.closed:
			return
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(e.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if err := e.compile(); err != nil {
					log.Printf("SCRIPT: reload failed, keeping previous hooks: %v", err)
				} else {
					log.Printf("SCRIPT: hook file reloaded, hooks %v", e.Hooks())
				}
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				e.mu.Lock()
				e.proto = nil
				e.hooks = nil
				e.mu.Unlock()
				log.Printf("SCRIPT: hook file removed")
			}
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("SCRIPT: watcher error: %v", err)
		}
	}
}

// Loaded reports whether a hook file is currently compiled.
func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proto != nil
}

// Hooks returns the callbacks the hook file defines, sorted.
func (e *Engine) Hooks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.hooks))
	for name := range e.hooks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PeerJoined runs on_peer_join(id, name).
func (e *Engine) PeerJoined(id, name string) {
	e.invoke("on_peer_join", lua.LString(id), lua.LString(name))
}

// PeerLeft runs on_peer_leave(id).
func (e *Engine) PeerLeft(id string) {
	e.invoke("on_peer_leave", lua.LString(id))
}

// ChatMessage runs on_chat(from, content). Callers must not feed the
// peer's own messages back in, or a hook that answers chat answers
// itself.
func (e *Engine) ChatMessage(from, content string) {
	e.invoke("on_chat", lua.LString(from), lua.LString(content))
}

func (e *Engine) invoke(hook string, args ...lua.LValue) {
	e.mu.Lock()
	proto := e.proto
	defined := e.hooks[hook]
	e.mu.Unlock()
	if proto == nil || !defined {
		return
	}
	if !e.limiter.allow(hook) {
		log.Printf("SCRIPT: %s suppressed by rate limit", hook)
		return
	}

	timeout := time.Duration(e.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	inv := &invocation{hook: hook}
	L := e.newVM(inv)
	defer L.Close()
	// The VM checks the context between instructions, so the deadline
	// bounds a busy loop too.
	L.SetContext(ctx)

	mon := newMemoryMonitor(e.cfg.MaxMemoryMB)
	stop := mon.watch(ctx, L, hook)
	defer stop()

	// The monitor closes the VM from outside when the limit trips, which
	// can surface as a panic in the interpreter.
	defer func() {
		if r := recover(); r != nil && !mon.wasExceeded() {
			log.Printf("SCRIPT: %s panicked: %v", hook, r)
		}
	}()

	fn := L.NewFunctionFromProto(proto)
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		log.Printf("SCRIPT: loading hooks for %s: %v", hook, err)
		return
	}
	cb := L.GetGlobal(hook)
	if cb == lua.LNil {
		return
	}
	err := L.CallByParam(lua.P{Fn: cb, NRet: 0, Protect: true}, args...)
	if err != nil && !mon.wasExceeded() {
		log.Printf("SCRIPT: %s: %v", hook, err)
	}
}

// Close stops the watcher. Running callbacks finish on their own budget.
func (e *Engine) Close() {
	close(e.closed)
	e.watcher.Close()
	log.Printf("SCRIPT: engine stopped")
}
