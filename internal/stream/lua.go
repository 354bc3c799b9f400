package stream

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/autodev/internal/logging"
)

// LuaClassifier delegates classification to a user script defining
//
//	function classify(message) ... end
//
// returning "complete", "failed", or nil for progress. When the script
// raises an error the fallback classifier decides.
type LuaClassifier struct {
	mu       sync.Mutex
	L        *lua.LState
	fn       lua.LValue
	fallback Classifier
	logger   *slog.Logger
}

// LoadLuaClassifier reads and runs the script at path.
func LoadLuaClassifier(path string, fallback Classifier, logger *slog.Logger) (*LuaClassifier, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read classifier script: %w", err)
	}
	return NewLuaClassifier(string(script), fallback, logger)
}

func NewLuaClassifier(script string, fallback Classifier, logger *slog.Logger) (*LuaClassifier, error) {
	if fallback == nil {
		fallback = DefaultClassifier()
	}
	lc := &LuaClassifier{
		L:        lua.NewState(lua.Options{SkipOpenLibs: true}),
		fallback: fallback,
		logger:   logging.OrDiscard(logger),
	}
	lc.openSafeLibs()
	lc.L.SetGlobal("log", lc.L.NewFunction(lc.luaLog))

	if err := lc.L.DoString(script); err != nil {
		lc.L.Close()
		return nil, fmt.Errorf("failed to load classifier script: %w", err)
	}
	lc.fn = lc.L.GetGlobal("classify")
	if lc.fn.Type() != lua.LTFunction {
		lc.L.Close()
		return nil, fmt.Errorf("classifier script must define a 'classify' function")
	}
	return lc, nil
}

// openSafeLibs loads base, table, string and math without file or process
// access.
func (lc *LuaClassifier) openSafeLibs() {
	L := lc.L
	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func (lc *LuaClassifier) luaLog(L *lua.LState) int {
	lc.logger.Info("classifier script", "message", L.CheckString(1))
	return 0
}

func (lc *LuaClassifier) Classify(message string) Verdict {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if err := lc.L.CallByParam(lua.P{Fn: lc.fn, NRet: 1, Protect: true}, lua.LString(message)); err != nil {
		lc.logger.Warn("classifier script failed, using keywords", "error", err)
		return lc.fallback.Classify(message)
	}
	ret := lc.L.Get(-1)
	lc.L.Pop(1)

	switch lua.LVAsString(ret) {
	case "complete", "completed":
		return Complete
	case "failed", "failure", "error":
		return Failure
	default:
		return Progress
	}
}

func (lc *LuaClassifier) Close() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.L.Close()
}
