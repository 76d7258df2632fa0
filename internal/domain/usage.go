package domain

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

const (
	promptTokensPath     = "usage.prompt_tokens"
	completionTokensPath = "usage.completion_tokens"
	totalTokensPath      = "usage.total_tokens"
	modelPath            = "model"

	// Lines longer than this are passed through but not inspected for usage.
	maxStreamLineBytes = 1 << 20
)

var sseDataPrefix = []byte("data:")

// ExtractUsage reads prompt and completion token counts from a completion payload.
func ExtractUsage(body []byte) (Usage, error) {
	if !gjson.ValidBytes(body) {
		return Usage{}, errors.New("response body is not valid JSON")
	}

	results := gjson.GetManyBytes(body, promptTokensPath, completionTokensPath, totalTokensPath)
	prompt, completion, total := results[0], results[1], results[2]

	if prompt.Type != gjson.Number || completion.Type != gjson.Number {
		return Usage{}, ErrMissingUsage
	}
	if prompt.Int() < 0 || completion.Int() < 0 {
		return Usage{}, errors.New("negative token count")
	}

	usage := Usage{
		PromptTokens:     int(prompt.Int()),
		CompletionTokens: int(completion.Int()),
		TotalTokens:      int(total.Int()),
	}
	if total.Type != gjson.Number {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	return usage, nil
}

// ExtractModel returns the model reported by the upstream, if any.
func ExtractModel(body []byte) string {
	return gjson.GetBytes(body, modelPath).String()
}

// usageTap relays a server-sent event stream unchanged while watching for the
// usage chunk. onComplete runs at most once, and only after the upstream body
// reached EOF.
type usageTap struct {
	body       io.ReadCloser
	onComplete func(usage Usage, model string, err error)
	onClose    func()

	line      []byte
	overflow  bool
	usage     Usage
	model     string
	haveUsage bool

	once      sync.Once
	closeOnce sync.Once

	idle     time.Duration
	watchdog *time.Timer
	stalled  atomic.Bool
}

func newUsageTap(body io.ReadCloser, onComplete func(Usage, string, error), onClose func()) *usageTap {
	return &usageTap{
		body:       body,
		onComplete: onComplete,
		onClose:    onClose,
	}
}

// watch arms an idle deadline that restarts whenever bytes arrive. onStall
// runs once if the upstream stays silent for idle; it must unblock the body.
func (t *usageTap) watch(idle time.Duration, onStall func()) {
	if idle <= 0 || onStall == nil {
		return
	}
	t.idle = idle
	t.watchdog = time.AfterFunc(idle, func() {
		if t.stalled.CompareAndSwap(false, true) {
			onStall()
		}
	})
}

func (t *usageTap) Read(p []byte) (int, error) {
	n, err := t.body.Read(p)
	if n > 0 {
		t.scan(p[:n])
		if t.watchdog != nil && err == nil && !t.stalled.Load() {
			t.watchdog.Reset(t.idle)
		}
	}

	if err != nil {
		t.stopWatch()
	}
	if err != nil && t.stalled.Load() {
		return n, fmt.Errorf("%w: no data for %s", ErrStreamStalled, t.idle)
	}

	if errors.Is(err, io.EOF) {
		t.scanLine()
		t.once.Do(func() {
			if t.haveUsage {
				t.onComplete(t.usage, t.model, nil)
				return
			}
			t.onComplete(Usage{}, t.model, ErrMissingUsage)
		})
	}

	return n, err
}

func (t *usageTap) Close() error {
	t.stopWatch()
	err := t.body.Close()
	t.closeOnce.Do(func() {
		if t.onClose != nil {
			t.onClose()
		}
	})
	return err
}

func (t *usageTap) stopWatch() {
	if t.watchdog != nil {
		t.watchdog.Stop()
	}
}

func (t *usageTap) scan(chunk []byte) {
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			t.appendLine(chunk)
			return
		}
		t.appendLine(chunk[:idx])
		t.scanLine()
		chunk = chunk[idx+1:]
	}
}

func (t *usageTap) appendLine(b []byte) {
	if t.overflow {
		return
	}
	if len(t.line)+len(b) > maxStreamLineBytes {
		t.overflow = true
		t.line = t.line[:0]
		return
	}
	t.line = append(t.line, b...)
}

func (t *usageTap) scanLine() {
	line := bytes.TrimSpace(t.line)
	overflow := t.overflow
	t.line = t.line[:0]
	t.overflow = false

	if overflow || !bytes.HasPrefix(line, sseDataPrefix) {
		return
	}

	payload := bytes.TrimSpace(line[len(sseDataPrefix):])
	if len(payload) == 0 || payload[0] != '{' {
		return
	}

	if model := ExtractModel(payload); model != "" {
		t.model = model
	}

	if usage, err := ExtractUsage(payload); err == nil {
		t.usage = usage
		t.haveUsage = true
	}
}
