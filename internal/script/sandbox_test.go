package script

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinweb/skein/internal/dom"
	"github.com/skeinweb/skein/internal/logging"
)

func testSandbox() *Sandbox {
	return NewSandbox(2*time.Second, logging.Nop())
}

func TestConsoleCapture(t *testing.T) {
	s := testSandbox()
	entries, err := s.Execute(`console.log("hello", 42); console.warn("careful");`, nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ConsoleEntry{Level: "log", Message: "hello 42"}, entries[0])
	assert.Equal(t, ConsoleEntry{Level: "warn", Message: "careful"}, entries[1])
}

func TestTimeoutInterruptsScript(t *testing.T) {
	s := NewSandbox(50*time.Millisecond, logging.Nop())
	_, err := s.Execute(`for(;;){}`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestSandboxSurvivesTimeout(t *testing.T) {
	s := NewSandbox(50*time.Millisecond, logging.Nop())
	_, err := s.Execute(`for(;;){}`, nil)
	require.Error(t, err)

	entries, err := s.Execute(`console.log("alive");`, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alive", entries[0].Message)
}

func TestScrubbedGlobals(t *testing.T) {
	s := testSandbox()
	entries, err := s.Execute(
		`console.log(typeof require, typeof process, typeof module, setTimeout(function(){}, 0));`, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "undefined undefined undefined undefined", entries[0].Message)
}

func TestDocumentProxyMutation(t *testing.T) {
	doc, err := dom.Parse("https://example.com/",
		[]byte(`<html><head><title>Old</title></head><body><div id="target" class="box">before</div></body></html>`))
	require.NoError(t, err)

	s := testSandbox()
	entries, err := s.Execute(`
		var el = document.getElementById("target");
		console.log(el.tagName, el.className, el.textContent);
		el.setAttribute("data-state", "touched");
		el.setTextContent("after");
		document.title = "New Title";
		console.log(document.title);
	`, doc)
	require.NoError(t, err)

	require.Len(t, entries, 2)
	assert.Equal(t, "DIV box before", entries[0].Message)
	assert.Equal(t, "New Title", entries[1].Message)

	el := doc.ElementByID("target")
	require.NotNil(t, el)
	assert.Equal(t, "touched", el.Attr("data-state"))
	assert.Equal(t, "after", el.TextContent())
	assert.Equal(t, "New Title", doc.Title())
}

func TestDocumentProxyQueries(t *testing.T) {
	doc, err := dom.Parse("https://example.com/",
		[]byte(`<html><body><p class="x">one</p><p class="x">two</p></body></html>`))
	require.NoError(t, err)

	s := testSandbox()
	entries, err := s.Execute(`
		var all = document.querySelectorAll("p.x");
		console.log(all.length);
		console.log(all[0].textContent, all[1].textContent);
		console.log(document.querySelector("em"));
	`, doc)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "2", entries[0].Message)
	assert.Equal(t, "one two", entries[1].Message)
	assert.Equal(t, "null", entries[2].Message)
}
