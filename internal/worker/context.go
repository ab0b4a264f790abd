package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"

	"github.com/notebrook/cellkernel/internal/protocol"
)

// notebookContext is one notebook's isolated execution state: a JavaScript
// runtime with its own event loop, a module registry scoped to the
// notebook's sandbox directory, and the handlers cells have registered.
// Jobs for the same notebook reuse the context, which is what carries
// variables and handlers from one cell run to the next.
type notebookContext struct {
	id  string
	dir string

	loop     *eventloop.EventLoop
	registry *require.Registry
	emitter  *Emitter

	// Loop-thread state. vm may be touched from other goroutines only
	// through Interrupt and ClearInterrupt.
	vm        *goja.Runtime
	settle    goja.Callable
	stringify goja.Callable
	handlers  map[string]goja.Callable
	job       *jobRun

	lastUsed time.Time // guarded by contextPool.mu
}

// newNotebookContext builds a context rooted at the given sandbox directory
// and starts its event loop.
func newNotebookContext(id, dir string, em *Emitter) (*notebookContext, error) {
	nc := &notebookContext{
		id:       id,
		dir:      dir,
		emitter:  em,
		handlers: make(map[string]goja.Callable),
	}

	registry := require.NewRegistry(
		require.WithLoader(newSandboxLoader(dir)),
		require.WithGlobalFolders(filepath.Join(dir, nodeModulesDir)),
	)
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(&framePrinter{nc: nc}))
	nc.registry = registry

	nc.loop = eventloop.NewEventLoop(
		eventloop.WithRegistry(registry),
		eventloop.EnableConsole(false),
	)
	nc.loop.Start()

	errCh := make(chan error, 1)
	nc.loop.RunOnLoop(func(vm *goja.Runtime) {
		errCh <- nc.bootstrap(vm)
	})
	if err := <-errCh; err != nil {
		nc.loop.StopNoWait()
		return nil, fmt.Errorf("failed to initialize context: %w", err)
	}
	return nc, nil
}

// bootstrap wires the host globals into a fresh runtime. Runs on the loop.
func (nc *notebookContext) bootstrap(vm *goja.Runtime) error {
	nc.vm = vm
	console.Enable(vm)

	if err := vm.Set("display", nc.jsDisplay); err != nil {
		return err
	}
	if err := vm.Set("registerHandler", nc.jsRegisterHandler); err != nil {
		return err
	}

	settleV, err := vm.RunString(`(function (value, onOk, onErr) { Promise.resolve(value).then(onOk, onErr); })`)
	if err != nil {
		return err
	}
	settle, ok := goja.AssertFunction(settleV)
	if !ok {
		return errors.New("settle helper is not callable")
	}
	nc.settle = settle

	jsonObj := vm.Get("JSON")
	if jsonObj == nil {
		return errors.New("runtime has no JSON object")
	}
	stringifyV := jsonObj.ToObject(vm).Get("stringify")
	stringify, ok := goja.AssertFunction(stringifyV)
	if !ok {
		return errors.New("JSON.stringify is not callable")
	}
	nc.stringify = stringify
	return nil
}

// close stops the context's event loop. In-memory state is discarded; the
// sandbox directory stays on disk.
func (nc *notebookContext) close() {
	if nc.vm != nil {
		nc.vm.Interrupt("context closed")
	}
	nc.loop.StopNoWait()
}

// jsDisplay implements the display(value) global: the value becomes a
// structured output record and streams as a display frame. Calls with no
// job in flight are dropped.
func (nc *notebookContext) jsDisplay(call goja.FunctionCall) goja.Value {
	if nc.job == nil {
		return goja.Undefined()
	}
	rec, payload := nc.displayRecord(call.Argument(0))
	nc.job.outputs = append(nc.job.outputs, rec)
	nc.emitter.EmitDisplay(payload)
	return goja.Undefined()
}

// jsRegisterHandler implements the registerHandler(id, fn) global.
func (nc *notebookContext) jsRegisterHandler(call goja.FunctionCall) goja.Value {
	id := call.Argument(0)
	fn, ok := goja.AssertFunction(call.Argument(1))
	if !ok || goja.IsUndefined(id) || id.String() == "" {
		panic(nc.vm.NewTypeError("registerHandler expects a handler id and a function"))
	}
	nc.handlers[id.String()] = fn
	return goja.Undefined()
}

// displayRecord renders a runtime value into an output record plus the
// frame payload to stream: the JSON form when the value serializes, its
// text rendering as a JSON string otherwise.
func (nc *notebookContext) displayRecord(v goja.Value) (protocol.OutputRecord, []byte) {
	rec := protocol.OutputRecord{Type: protocol.OutputDisplay}
	text := v.String()
	raw := nc.jsonForValue(v)
	if raw != nil {
		rec.JSON = raw
		if _, isObj := v.(*goja.Object); isObj {
			text = string(raw)
		}
	}
	rec.Text = text

	payload := []byte(raw)
	if payload == nil {
		payload, _ = json.Marshal(text)
	}
	return rec, payload
}

// jsonForValue returns the value's JSON form, or nil when the value does
// not serialize (functions, circular structures, symbols).
func (nc *notebookContext) jsonForValue(v goja.Value) json.RawMessage {
	if nc.stringify == nil {
		return nil
	}
	out, err := nc.stringify(goja.Undefined(), v)
	if err != nil || out == nil || goja.IsUndefined(out) {
		return nil
	}
	s := out.String()
	if !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}

// framePrinter backs a context's console module. Lines land in stdout or
// stderr frames attributed to the job running on that context; output from
// stray timers between jobs is dropped.
type framePrinter struct {
	nc *notebookContext
}

func (p *framePrinter) Log(s string) { p.write(protocol.KindStdout, s) }

func (p *framePrinter) Warn(s string) { p.write(protocol.KindStderr, s) }

func (p *framePrinter) Error(s string) { p.write(protocol.KindStderr, s) }

func (p *framePrinter) write(kind protocol.FrameKind, s string) {
	if p.nc.job == nil {
		return
	}
	p.nc.emitter.WriteText(kind, s+"\n")
}

// errorInfoFromValue extracts name, message, and stack from a thrown
// JavaScript value.
func errorInfoFromValue(v goja.Value) *protocol.ErrorInfo {
	info := &protocol.ErrorInfo{Name: "Error"}
	if v == nil {
		info.Message = "unknown error"
		return info
	}
	if obj, ok := v.(*goja.Object); ok {
		if p := obj.Get("name"); p != nil && !goja.IsUndefined(p) {
			info.Name = p.String()
		}
		if p := obj.Get("message"); p != nil && !goja.IsUndefined(p) {
			info.Message = p.String()
		}
		if p := obj.Get("stack"); p != nil && !goja.IsUndefined(p) {
			info.Stack = p.String()
		}
		if info.Message == "" && info.Stack == "" {
			info.Message = v.String()
		}
		return info
	}
	info.Message = v.String()
	return info
}

// errorInfoFromErr maps an engine-level error to its wire form.
func errorInfoFromErr(err error) *protocol.ErrorInfo {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return errorInfoFromValue(ex.Value())
	}
	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		return &protocol.ErrorInfo{Name: "SyntaxError", Message: syntaxErr.Error()}
	}
	return &protocol.ErrorInfo{Name: "Error", Message: err.Error()}
}
