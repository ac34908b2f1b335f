package diagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"

	"inkdown/api/internal/util"
)

// MermaidEngine runs the Mermaid layout engine inside headless Chrome.
// Mermaid's parser keeps global state between invocations, which is why the
// Renderer never issues overlapping calls; each call here also gets its own
// browser context so a crashed render cannot poison the next one.
type MermaidEngine struct {
	// ScriptURL locates mermaid.min.js; a local file path or an https URL.
	ScriptURL string
	// OutputDir, when set, receives <attempt-id>.svg for successful renders.
	OutputDir string
	Timeout   time.Duration
}

var ErrChromiumMissing = errors.New("diagram: chromium not installed")

// NewMermaidEngine configures the engine with the default CDN script and a
// 30 second budget per render.
func NewMermaidEngine(outputDir string) *MermaidEngine {
	return &MermaidEngine{
		ScriptURL: "https://cdn.jsdelivr.net/npm/mermaid@10/dist/mermaid.min.js",
		OutputDir: outputDir,
		Timeout:   30 * time.Second,
	}
}

// Render lays out one diagram and returns the raw SVG markup. The caller
// sanitizes; this function only drives the engine.
func (e *MermaidEngine) Render(ctx context.Context, id, source string) (string, error) {
	if _, err := exec.LookPath("chromium-browser"); err != nil {
		if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
			return "", ErrChromiumMissing
		}
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()
	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	page, err := e.renderPage(id, source)
	if err != nil {
		return "", err
	}

	var svg, renderErr string
	err = chromedp.Run(taskCtx,
		chromedp.Navigate(util.DataURL("text/html", page)),
		chromedp.Poll("window.__svg !== undefined || window.__err !== undefined", nil,
			chromedp.WithPollingInterval(100*time.Millisecond)),
		chromedp.Evaluate("window.__svg || ''", &svg),
		chromedp.Evaluate("window.__err || ''", &renderErr),
	)
	if err != nil {
		return "", fmt.Errorf("mermaid render: %w", err)
	}
	if renderErr != "" {
		return "", fmt.Errorf("mermaid: %s", renderErr)
	}

	if e.OutputDir != "" {
		if err := os.WriteFile(e.outputPath(id), []byte(svg), 0o644); err != nil {
			return "", fmt.Errorf("write diagram output: %w", err)
		}
	}
	return svg, nil
}

// Cleanup removes any partial output written under the attempt id.
func (e *MermaidEngine) Cleanup(id string) {
	if e.OutputDir == "" {
		return
	}
	_ = os.Remove(e.outputPath(id))
}

func (e *MermaidEngine) outputPath(id string) string {
	return filepath.Join(e.OutputDir, id+".svg")
}

// renderPage builds the harness page. Source and id are injected through
// JSON encoding, which escapes quotes, angle brackets and control
// characters so diagram text can never break out of the script container.
func (e *MermaidEngine) renderPage(id, source string) (string, error) {
	srcJSON, err := json.Marshal(source)
	if err != nil {
		return "", fmt.Errorf("encode diagram source: %w", err)
	}
	idJSON, err := json.Marshal("d" + id)
	if err != nil {
		return "", fmt.Errorf("encode attempt id: %w", err)
	}
	return fmt.Sprintf(`<!doctype html>
<html><body>
<script src=%q></script>
<script>
window.__svg = undefined;
window.__err = undefined;
try {
  mermaid.initialize({ startOnLoad: false, securityLevel: "strict" });
  mermaid.render(%s, %s)
    .then(function (r) { window.__svg = r.svg; })
    .catch(function (e) { window.__err = String(e); });
} catch (e) {
  window.__err = String(e);
}
</script>
</body></html>`, e.ScriptURL, idJSON, srcJSON), nil
}
