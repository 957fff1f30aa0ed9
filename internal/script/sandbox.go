package script

import (
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/skeinweb/skein/internal/dom"
	"github.com/skeinweb/skein/internal/logging"
)

// ConsoleEntry is one captured console call.
type ConsoleEntry struct {
	Level   string
	Message string
}

// Sandbox runs page JavaScript in a goja VM with the host scrubbed away.
// One sandbox belongs to one script task; it is not safe for concurrent
// use.
type Sandbox struct {
	vm      *goja.Runtime
	timeout time.Duration
	logger  *logging.Logger
	console []ConsoleEntry
}

// NewSandbox builds a VM with console capture and no host access.
func NewSandbox(timeout time.Duration, logger *logging.Logger) *Sandbox {
	s := &Sandbox{
		vm:      goja.New(),
		timeout: timeout,
		logger:  logger,
	}
	s.vm.SetMaxCallStackSize(1024)
	s.setupGlobals()
	return s
}

func (s *Sandbox) setupGlobals() {
	// nothing from the host leaks into page scripts
	s.vm.Set("require", goja.Undefined())
	s.vm.Set("process", goja.Undefined())
	s.vm.Set("module", goja.Undefined())
	s.vm.Set("exports", goja.Undefined())

	console := s.vm.NewObject()
	console.Set("log", s.makeConsoleFunc("log"))
	console.Set("info", s.makeConsoleFunc("info"))
	console.Set("warn", s.makeConsoleFunc("warn"))
	console.Set("error", s.makeConsoleFunc("error"))
	s.vm.Set("console", console)

	// timers are inert: there is no event loop to run them on
	s.vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		return goja.Undefined()
	})
	s.vm.Set("setInterval", func(call goja.FunctionCall) goja.Value {
		return goja.Undefined()
	})
}

func (s *Sandbox) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		s.console = append(s.console, ConsoleEntry{
			Level:   level,
			Message: strings.Join(parts, " "),
		})
		return goja.Undefined()
	}
}

// Execute runs one script against the document. The document proxy gives
// scripts a live window onto the pipeline's private tree, so mutations
// land before the next snapshot. Console output is returned and the VM
// is interrupted past the timeout.
func (s *Sandbox) Execute(source string, doc *dom.Document) ([]ConsoleEntry, error) {
	s.console = nil
	if doc != nil {
		s.installDocument(doc)
	}

	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.vm.Interrupt("script timeout exceeded")
		case <-done:
		}
	}()

	_, err := s.vm.RunString(source)
	close(done)
	// a timeout firing between RunString returning and close(done) must
	// not poison the next script
	s.vm.ClearInterrupt()

	entries := s.console
	s.console = nil
	if err != nil {
		return entries, fmt.Errorf("script: %w", err)
	}
	return entries, nil
}

func (s *Sandbox) installDocument(doc *dom.Document) {
	document := s.vm.NewObject()

	document.Set("getElementById", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Null()
		}
		return s.elementValue(doc.ElementByID(call.Arguments[0].String()))
	})
	document.Set("querySelector", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Null()
		}
		return s.elementValue(doc.QueryOne(call.Arguments[0].String()))
	})
	document.Set("querySelectorAll", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return s.vm.ToValue([]any{})
		}
		elems := doc.QueryAll(call.Arguments[0].String())
		out := make([]any, 0, len(elems))
		for _, el := range elems {
			out = append(out, s.elementProxy(el))
		}
		return s.vm.ToValue(out)
	})
	document.DefineAccessorProperty("title",
		s.vm.ToValue(func() string { return doc.Title() }),
		s.vm.ToValue(func(v string) { doc.SetTitle(v) }),
		goja.FLAG_FALSE, goja.FLAG_TRUE)

	s.vm.Set("document", document)
}

func (s *Sandbox) elementValue(el *dom.Element) goja.Value {
	if el == nil {
		return goja.Null()
	}
	return s.vm.ToValue(s.elementProxy(el))
}

func (s *Sandbox) elementProxy(el *dom.Element) map[string]any {
	return map[string]any{
		"tagName":     strings.ToUpper(el.TagName()),
		"id":          el.ID(),
		"className":   el.ClassName(),
		"textContent": el.TextContent(),
		"getAttribute": func(name string) string {
			return el.Attr(name)
		},
		"setAttribute": func(name, value string) {
			el.SetAttr(name, value)
		},
		"setTextContent": func(text string) {
			el.SetTextContent(text)
		},
		"remove": func() {
			el.Remove()
		},
	}
}
