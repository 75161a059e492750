// Command autopilotctl is a thin split-process client for a running
// autopilotd: it inspects state and pending questions, answers them
// through the IPC answer-drop directory, and tails the event log.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"autopilot/internal/eventlog"
	"autopilot/internal/ipc"
	"autopilot/internal/model"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	projectDir := "."
	if v := os.Getenv("AUTOPILOT_PROJECT_DIR"); v != "" {
		projectDir = v
	}

	switch os.Args[1] {
	case "status":
		runStatus(projectDir)
	case "answer":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: autopilotctl answer <question-id> <label>[,<label>...]")
			os.Exit(1)
		}
		runAnswer(projectDir, os.Args[2], os.Args[3])
	case "tail":
		runTail(projectDir)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`autopilotctl — inspect and drive a running autopilotd

Usage:
  autopilotctl status                       show run status and pending questions
  autopilotctl answer <question-id> <label> submit an answer to a pending question
  autopilotctl tail                          stream the event log

Set AUTOPILOT_PROJECT_DIR to point at a project other than the current directory.`)
}

func logDir(projectDir string) string {
	return filepath.Join(projectDir, "autopilot-log")
}

func runStatus(projectDir string) {
	dir := logDir(projectDir)
	statePath := filepath.Join(dir, "state.json")
	heartbeatPath := filepath.Join(dir, "heartbeat.json")

	alive, err := ipc.IsAlive(heartbeatPath, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not read heartbeat: %v\n", err)
	}

	data, err := os.ReadFile(statePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not read state file at %s: %v\n", statePath, err)
		os.Exit(1)
	}

	var ws model.WorkflowState
	if err := json.Unmarshal(data, &ws); err != nil {
		fmt.Fprintf(os.Stderr, "state file is not valid JSON: %v\n", err)
		os.Exit(1)
	}

	pretty := term.IsTerminal(int(os.Stdout.Fd()))

	liveness := "unknown"
	if alive {
		liveness = "running"
	} else {
		liveness = "not running (stale or missing heartbeat)"
	}

	fmt.Printf("status:       %s\n", ws.Status)
	fmt.Printf("core process: %s\n", liveness)
	fmt.Printf("current step: %s (phase %d)\n", ws.CurrentStep, ws.CurrentPhase)
	fmt.Println()
	fmt.Println("phases:")
	for _, p := range ws.Phases {
		marker := " "
		if pretty && p.Status == model.PhaseCompleted {
			marker = "✓"
		}
		fmt.Printf("  %s [%d] %-30s %s\n", marker, p.Number, p.Name, p.Status)
	}

	if len(ws.PendingQuestions) == 0 {
		return
	}

	fmt.Println()
	fmt.Println("pending questions:")
	for id, q := range ws.PendingQuestions {
		fmt.Printf("  id=%s phase=%d step=%s\n", id, q.Phase, q.Step)
		for _, item := range q.Items {
			fmt.Printf("    %s\n", item.Prompt)
			for _, opt := range item.Options {
				fmt.Printf("      - %s\n", opt.Label)
			}
		}
	}
}

func runAnswer(projectDir, questionID, labelCSV string) {
	dir := logDir(projectDir)
	statePath := filepath.Join(dir, "state.json")
	answersDir := filepath.Join(dir, "answers")

	data, err := os.ReadFile(statePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not read state file: %v\n", err)
		os.Exit(1)
	}
	var ws model.WorkflowState
	if err := json.Unmarshal(data, &ws); err != nil {
		fmt.Fprintf(os.Stderr, "state file is not valid JSON: %v\n", err)
		os.Exit(1)
	}

	q, ok := ws.PendingQuestions[questionID]
	if !ok {
		fmt.Fprintf(os.Stderr, "no pending question with id %s\n", questionID)
		os.Exit(1)
	}

	labels := strings.Split(labelCSV, ",")
	answers := map[string]string{}
	for i, item := range q.Items {
		if i < len(labels) {
			answers[item.Prompt] = strings.TrimSpace(labels[i])
		}
	}

	if err := ipc.WriteAnswer(answersDir, questionID, answers); err != nil {
		fmt.Fprintf(os.Stderr, "failed to submit answer: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("answer submitted")
}

func runTail(projectDir string) {
	path := filepath.Join(logDir(projectDir), "events.ndjson")

	all, err := eventlog.ReadAll(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not read event log: %v\n", err)
		os.Exit(1)
	}

	var lastSeq uint64
	for _, ev := range all {
		printEvent(ev)
		lastSeq = ev.Seq
	}

	tailer := eventlog.NewTailer(path, lastSeq, 500*time.Millisecond)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	_ = tailer.Run(stop, func(ev model.Event) error {
		printEvent(ev)
		return nil
	})
}

func printEvent(ev model.Event) {
	data, _ := json.Marshal(ev.Data)
	fmt.Printf("%s  seq=%-6d %-20s %s\n", ev.Timestamp, ev.Seq, ev.Event, string(data))
}
