package diagram

import (
	"strings"
	"testing"
)

func TestSanitizeStripsScripts(t *testing.T) {
	out := Sanitize(`<svg><script>alert(1)</script><text>ok</text></svg>`)
	if strings.Contains(out, "script") || strings.Contains(out, "alert") {
		t.Errorf("script survived: %q", out)
	}
	if !strings.Contains(out, "ok") {
		t.Errorf("content lost: %q", out)
	}
}

func TestSanitizeStripsEventHandlers(t *testing.T) {
	out := Sanitize(`<svg><rect onclick="alert(1)" onmouseover="x()" fill="red"/></svg>`)
	if strings.Contains(strings.ToLower(out), "onclick") || strings.Contains(strings.ToLower(out), "onmouseover") {
		t.Errorf("handler survived: %q", out)
	}
	if !strings.Contains(out, `fill="red"`) {
		t.Errorf("benign attribute lost: %q", out)
	}
}

func TestSanitizeStripsDangerousURIs(t *testing.T) {
	cases := map[string]string{
		"javascript":            `<svg><a href="javascript:alert(1)"><text>x</text></a></svg>`,
		"data":                  `<svg><image href="data:text/html,<script>"/></svg>`,
		"spaced javascript":     `<svg><a href=" java script:alert(1)"><text>x</text></a></svg>`,
		"uppercase javascript":  `<svg><a href="JAVASCRIPT:alert(1)"><text>x</text></a></svg>`,
		"xlink href javascript": `<svg><use xlink:href="javascript:alert(1)"/></svg>`,
	}
	for name, input := range cases {
		out := strings.ToLower(Sanitize(input))
		if strings.Contains(out, "javascript") || strings.Contains(out, "data:") {
			t.Errorf("%s: dangerous uri survived: %q", name, out)
		}
	}
}

func TestSanitizeKeepsSafeLinks(t *testing.T) {
	out := Sanitize(`<svg><a href="https://example.com"><text>link</text></a></svg>`)
	if !strings.Contains(out, `href="https://example.com"`) {
		t.Errorf("safe link lost: %q", out)
	}
}

func TestSanitizeStripsEmbeddedObjects(t *testing.T) {
	for _, element := range []string{"iframe", "object", "embed", "form"} {
		input := "<svg><" + element + "></" + element + "><text>keep</text></svg>"
		out := Sanitize(input)
		if strings.Contains(out, element) {
			t.Errorf("%s survived: %q", element, out)
		}
		if !strings.Contains(out, "keep") {
			t.Errorf("%s: content lost: %q", element, out)
		}
	}
}

func TestSanitizeNormalizesRootDimensions(t *testing.T) {
	out := Sanitize(`<svg width="420" height="180" style="width:420px"><text>d</text></svg>`)
	if !strings.Contains(out, `viewBox="0 0 420 180"`) {
		t.Errorf("viewBox not derived: %q", out)
	}
	if !strings.Contains(out, `width="100%"`) {
		t.Errorf("fluid width missing: %q", out)
	}
	if strings.Contains(out, "420px") {
		t.Errorf("engine style survived: %q", out)
	}
}

func TestSanitizeKeepsExistingViewBox(t *testing.T) {
	out := Sanitize(`<svg viewBox="0 0 10 10" width="200" height="200"><text>d</text></svg>`)
	if strings.Count(out, "viewBox") != 1 {
		t.Errorf("viewBox duplicated or lost: %q", out)
	}
	if !strings.Contains(out, `viewBox="0 0 10 10"`) {
		t.Errorf("original viewBox lost: %q", out)
	}
}

func TestSanitizeGarbageInput(t *testing.T) {
	for _, input := range []string{"", "not markup at all", "<svg><unclosed"} {
		// Must not panic; output may be empty or reduced.
		_ = Sanitize(input)
	}
}
