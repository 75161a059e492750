package facade

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"autopilot/internal/logx"
	"autopilot/internal/model"
)

// SubprocessRuntime implements Runtime by shelling out to an external agent
// CLI and parsing its stdout as newline-delimited JSON messages, one per
// line, in the shape this package's Message type already mirrors. The
// binary itself — whatever produces that stream — is the external
// collaborator; this adapter only knows how to launch it and decode its
// output.
type SubprocessRuntime struct {
	binary string
	args   []string
	dir    string
	logger *logx.Logger
}

// NewSubprocessRuntime constructs a runtime that invokes binary (with any
// fixed args) for every command, running in dir.
func NewSubprocessRuntime(binary string, args []string, dir string) *SubprocessRuntime {
	return &SubprocessRuntime{
		binary: binary,
		args:   args,
		dir:    dir,
		logger: logx.NewLogger("facade.subprocess"),
	}
}

// wireMessage is the on-the-wire shape the subprocess emits per line.
type wireMessage struct {
	Type       MessageType   `json:"type"`
	SessionID  string        `json:"session_id,omitempty"`
	Text       string        `json:"text,omitempty"`
	Subtype    ResultSubtype `json:"subtype,omitempty"`
	ResultText string        `json:"result_text,omitempty"`
	IsError    bool          `json:"is_error,omitempty"`
	ErrorStrs  []string      `json:"errors,omitempty"`
	CostUSD    float64       `json:"cost_usd,omitempty"`
	NumTurns   int           `json:"num_turns,omitempty"`
	ToolCall   *wireToolCall `json:"tool_call,omitempty"`
}

type wireToolCall struct {
	ID    string                `json:"id"`
	Name  string                `json:"name"`
	Phase int                   `json:"phase"`
	Step  string                `json:"step"`
	Items []wireQuestionItem    `json:"items"`
}

type wireQuestionItem struct {
	Prompt      string       `json:"prompt"`
	Header      string       `json:"header,omitempty"`
	MultiSelect bool         `json:"multi_select"`
	Options     []wireOption `json:"options"`
}

type wireOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Stream launches the subprocess with the command name and flags derived
// from opts, feeds it prompt on stdin, and decodes its stdout line by line
// into Messages. The returned channel is closed when the process exits or
// ctx is canceled.
func (r *SubprocessRuntime) Stream(ctx context.Context, prompt string, opts RunOptions) (<-chan Message, error) {
	args := append(append([]string{}, r.args...), "--command", opts.Command, "--depth", opts.Depth, "--model", opts.Model)

	cmd := exec.CommandContext(ctx, r.binary, args...)
	if r.dir != "" {
		cmd.Dir = r.dir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent subprocess: %w", err)
	}

	var stdinMu sync.Mutex
	writeLine := func(v any) error {
		stdinMu.Lock()
		defer stdinMu.Unlock()
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		data = append(data, '\n')
		_, err = stdin.Write(data)
		return err
	}

	if err := writeLine(map[string]string{"prompt": prompt}); err != nil {
		r.logger.Warn("write prompt to subprocess stdin: %v", err)
	}

	out := make(chan Message, 16)
	go func() {
		defer close(out)
		defer func() { _ = stdin.Close() }()
		defer func() {
			if err := cmd.Wait(); err != nil && ctx.Err() == nil {
				r.logger.Warn("agent subprocess exited with error: %v", err)
			}
		}()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var wm wireMessage
			if err := json.Unmarshal(line, &wm); err != nil {
				r.logger.Warn("malformed agent stream line, skipping: %v", err)
				continue
			}
			msg := toMessage(wm)
			if msg.ToolCall != nil {
				toolID := msg.ToolCall.ID
				msg.ToolCall.Respond = func(answers map[string]string) error {
					return writeLine(map[string]any{"tool_call_id": toolID, "answers": answers})
				}
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			r.logger.Warn("agent stream scan error: %v", err)
		}
	}()

	return out, nil
}

func toMessage(wm wireMessage) Message {
	m := Message{
		Type:       wm.Type,
		SessionID:  wm.SessionID,
		Text:       wm.Text,
		Subtype:    wm.Subtype,
		ResultText: wm.ResultText,
		IsError:    wm.IsError,
		ErrorStrs:  wm.ErrorStrs,
		CostUSD:    wm.CostUSD,
		NumTurns:   wm.NumTurns,
	}
	if wm.ToolCall != nil {
		items := make([]model.QuestionItem, 0, len(wm.ToolCall.Items))
		for _, item := range wm.ToolCall.Items {
			opts := make([]model.Option, 0, len(item.Options))
			for _, o := range item.Options {
				opts = append(opts, model.Option{Label: o.Label, Description: o.Description})
			}
			items = append(items, model.QuestionItem{
				Prompt:      item.Prompt,
				Header:      item.Header,
				MultiSelect: item.MultiSelect,
				Options:     opts,
			})
		}
		m.ToolCall = &ToolCall{
			ID:    wm.ToolCall.ID,
			Name:  wm.ToolCall.Name,
			Phase: wm.ToolCall.Phase,
			Step:  model.Step(wm.ToolCall.Step),
			Items: items,
		}
	}
	return m
}
