// Package config resolves CLI flags and environment variables into an
// immutable Config struct, once, at startup.
//
// Mirrors the teacher's separation of concerns: configuration is resolved
// once into a value, never mutated afterward, and validated before any
// component reads it.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Depth controls how thorough the agent's planning passes are.
type Depth string

const (
	DepthQuick         Depth = "quick"
	DepthStandard      Depth = "standard"
	DepthComprehensive Depth = "comprehensive"
)

// ModelTier selects the cost/quality tradeoff for the agent runtime.
type ModelTier string

const (
	ModelQuality ModelTier = "quality"
	ModelBalanced ModelTier = "balanced"
	ModelBudget   ModelTier = "budget"
)

// Config is the fully-resolved, immutable startup configuration.
type Config struct {
	ProjectDir    string
	PRDPath       string
	Port          int
	NotifyChannels []string
	WebhookURL    string
	SkipDiscuss   bool
	SkipVerify    bool
	PhaseRange    string
	Resume        bool
	Depth         Depth
	Model         ModelTier
	AutoAnswer    bool

	CommandTimeout       time.Duration
	ReminderInterval     time.Duration
	HeartbeatInterval    time.Duration
	AnswerPollInterval   time.Duration
	HeartbeatStale       time.Duration
	RingBufferSize       int
	MaxGapIterations      int

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
}

// stablePortForRepo derives a default port deterministically from the
// project directory path, so repeated runs against the same project bind
// the same port (useful when a dashboard bookmarks it).
func stablePortForRepo(dir string) int {
	const base = 4173
	const span = 400
	var h uint32 = 2166136261
	for i := 0; i < len(dir); i++ {
		h ^= uint32(dir[i])
		h *= 16777619
	}
	return base + int(h%uint32(span))
}

// Load parses args (typically os.Args[1:]) and overlays environment
// variables, returning a validated Config or a fatal configuration error.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("autopilotd", flag.ContinueOnError)

	projectDir := fs.String("project-dir", ".", "project root directory")
	port := fs.Int("port", 0, "response surface port (0 = derive from project dir)")
	prd := fs.String("prd", "", "path to the product brief")
	notify := fs.String("notify", "", "comma-separated notification channel names")
	webhook := fs.String("webhook-url", "", "outbound webhook URL for the webhook adapter")
	skipDiscuss := fs.Bool("skip-discuss", false, "skip the discuss step of every phase")
	skipVerify := fs.Bool("skip-verify", false, "skip the verify step of every phase")
	phases := fs.String("phases", "", "phase range to run, e.g. 2-5")
	resume := fs.Bool("resume", false, "resume from persisted state")
	depth := fs.String("depth", string(DepthStandard), "planning depth: quick|standard|comprehensive")
	model := fs.String("model", string(ModelBalanced), "model tier: quality|balanced|budget")
	autoAnswer := fs.Bool("auto-answer", false, "auto-answer questions with the first option (testing only)")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	cfg := Config{
		ProjectDir:   *projectDir,
		PRDPath:      *prd,
		Port:         *port,
		WebhookURL:   *webhook,
		SkipDiscuss:  *skipDiscuss,
		SkipVerify:   *skipVerify,
		PhaseRange:   *phases,
		Resume:       *resume,
		Depth:        Depth(*depth),
		Model:        ModelTier(*model),
		AutoAnswer:   *autoAnswer,

		CommandTimeout:     10 * time.Minute,
		ReminderInterval:   5 * time.Minute,
		HeartbeatInterval:  2 * time.Second,
		AnswerPollInterval: 500 * time.Millisecond,
		HeartbeatStale:     10 * time.Second,
		RingBufferSize:     1000,
		MaxGapIterations:   3,
	}

	if *notify != "" {
		for _, c := range strings.Split(*notify, ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				cfg.NotifyChannels = append(cfg.NotifyChannels, c)
			}
		}
	}

	overlay, err := loadFileOverlay(cfg.ProjectDir)
	if err != nil {
		return Config{}, fmt.Errorf("load config file: %w", err)
	}
	applyFileOverlay(&cfg, overlay, fs)

	applyEnv(&cfg)

	if cfg.Port == 0 {
		cfg.Port = stablePortForRepo(cfg.ProjectDir)
	}

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyFileOverlay seeds cfg fields from an optional autopilot.yaml, but
// only where the corresponding flag was left at its default (never
// overriding something the operator explicitly passed on the command line).
func applyFileOverlay(cfg *Config, overlay fileOverlay, fs *flag.FlagSet) {
	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if !explicit["notify"] && len(cfg.NotifyChannels) == 0 && len(overlay.NotifyChannels) > 0 {
		cfg.NotifyChannels = overlay.NotifyChannels
	}
	if !explicit["webhook-url"] && cfg.WebhookURL == "" && overlay.WebhookURL != "" {
		cfg.WebhookURL = overlay.WebhookURL
	}
	if !explicit["depth"] && overlay.Depth != "" {
		cfg.Depth = Depth(overlay.Depth)
	}
	if !explicit["model"] && overlay.Model != "" {
		cfg.Model = ModelTier(overlay.Model)
	}
}

// applyEnv overlays GSD_* environment variables onto flag-resolved fields,
// env winning only where the flag was left at its zero value.
func applyEnv(cfg *Config) {
	if v := os.Getenv("GSD_NOTIFY_CHANNEL"); v != "" && len(cfg.NotifyChannels) == 0 {
		for _, c := range strings.Split(v, ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				cfg.NotifyChannels = append(cfg.NotifyChannels, c)
			}
		}
	}
	if v := os.Getenv("GSD_WEBHOOK_URL"); v != "" && cfg.WebhookURL == "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("GSD_PORT"); v != "" && cfg.Port == 0 {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	cfg.VAPIDPublicKey = os.Getenv("VAPID_PUBLIC_KEY")
	cfg.VAPIDPrivateKey = os.Getenv("VAPID_PRIVATE_KEY")
	cfg.VAPIDSubject = os.Getenv("VAPID_SUBJECT")
}

func validate(cfg *Config) error {
	if cfg.ProjectDir == "" {
		return fmt.Errorf("configuration error: --project-dir is required")
	}
	switch cfg.Depth {
	case DepthQuick, DepthStandard, DepthComprehensive:
	default:
		return fmt.Errorf("configuration error: invalid --depth %q", cfg.Depth)
	}
	switch cfg.Model {
	case ModelQuality, ModelBalanced, ModelBudget:
	default:
		return fmt.Errorf("configuration error: invalid --model %q", cfg.Model)
	}
	if !cfg.Resume && cfg.PRDPath == "" {
		return fmt.Errorf("configuration error: --prd is required for a fresh run (use --resume to continue one)")
	}
	if cfg.PhaseRange != "" {
		if _, _, err := ParsePhaseRange(cfg.PhaseRange); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
	}
	return nil
}

// ParsePhaseRange parses "N", "N-M", or "" (meaning all phases).
func ParsePhaseRange(s string) (lo, hi int, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(s, "-", 2)
	lo, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid phase range %q", s)
	}
	if len(parts) == 1 {
		return lo, lo, nil
	}
	hi, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid phase range %q", s)
	}
	if hi < lo {
		return 0, 0, fmt.Errorf("invalid phase range %q: end before start", s)
	}
	return lo, hi, nil
}
