// Package toolsupport implements the Tool-Support Override Cache (C11):
// at most one tool-calling override per model id, with TTL and source
// provenance, consulted before every tool-capable provider call.
//
// Grounded on internal/tools/web/cache.go's CacheManager (LRU hot tier
// via golang-lru/v2 plus a JSON-file-backed durable tier) — reshaped
// here so the hot tier holds every override and the durable tier holds
// only the permanent (user_confirmed) ones, since session and
// auto_detected overrides are not meant to survive a restart.
package toolsupport

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/ccme-project/ccme/internal/ccme/model"
	"github.com/ccme-project/ccme/internal/logging"
)

const (
	defaultHotSize        = 256
	defaultSessionTTL     = time.Hour
	defaultPromptDebounce = 60 * time.Second
	autoDetectTimeout     = 5 * time.Second
	userPromptTimeout     = 30 * time.Second
)

// ProfileSource reports a model's static, profile-declared tool-calling
// flag, when the profile states one explicitly.
type ProfileSource interface {
	StaticToolSupport(modelID string) (supported bool, ok bool)
}

// UserPrompter asks the operator whether modelID supports tools after a
// runtime error suggests it does not. permanent reports whether the
// answer should be remembered forever (user_confirmed) or only for the
// session (TTL).
type UserPrompter interface {
	PromptToolSupport(ctx context.Context, modelID string) (supported bool, permanent bool, err error)
}

// AutoDetector probes modelID with a minimal tool schema and reports
// whether the round trip came back as a tool call.
type AutoDetector interface {
	ProbeToolSupport(ctx context.Context, modelID string) (bool, error)
}

// Config parameterizes one Cache.
type Config struct {
	SessionTTL     time.Duration
	PromptDebounce time.Duration
	// PersistPath is a JSON file backing user_confirmed overrides across
	// restarts. Empty disables persistence.
	PersistPath string
}

func (c Config) withDefaults() Config {
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.PromptDebounce <= 0 {
		c.PromptDebounce = defaultPromptDebounce
	}
	return c
}

// Cache is the Tool-Support Override Cache.
type Cache struct {
	cfg      Config
	hot      *lru.Cache[string, model.ToolSupportOverride]
	profile  ProfileSource
	prompter UserPrompter
	detector AutoDetector
	log      *logging.Logger

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	persistMu sync.Mutex
}

// New constructs a Cache, loading any durable user_confirmed overrides
// from cfg.PersistPath.
func New(cfg Config, profile ProfileSource, prompter UserPrompter, detector AutoDetector) (*Cache, error) {
	cfg = cfg.withDefaults()
	hot, err := lru.New[string, model.ToolSupportOverride](defaultHotSize)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		cfg:      cfg,
		hot:      hot,
		profile:  profile,
		prompter: prompter,
		detector: detector,
		log:      logging.NewLoggerWithName("toolsupport"),
		limiters: make(map[string]*rate.Limiter),
	}
	if cfg.PersistPath != "" {
		if err := c.loadPersisted(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Supports answers "does model M support tools?" per the lookup order:
// an unexpired runtime override, then the static profile's declared
// flag, then the safety-first default of false.
func (c *Cache) Supports(modelID string) bool {
	if ov, ok := c.hot.Get(modelID); ok {
		if !ov.Expired(time.Now()) {
			return ov.Supported
		}
		c.hot.Remove(modelID)
	}
	if c.profile != nil {
		if supported, ok := c.profile.StaticToolSupport(modelID); ok {
			return supported
		}
	}
	return false
}

// Override returns the current runtime override for modelID, if one is
// set and unexpired.
func (c *Cache) Override(modelID string) (model.ToolSupportOverride, bool) {
	ov, ok := c.hot.Get(modelID)
	if !ok || ov.Expired(time.Now()) {
		return model.ToolSupportOverride{}, false
	}
	return ov, true
}

var toolUnsupportedPatterns = []string{
	"does not support tool",
	"doesn't support tool",
	"function calling is not supported",
	"function calling not supported",
	"tools are not supported",
	"tool use is not enabled",
	"no tool support",
	"tools is not supported",
}

// IsToolUnsupportedError reports whether a provider error indicates the
// model does not support tool/function calling, either via the
// explicit TOOL_UNSUPPORTED code or a pattern match on the message.
func IsToolUnsupportedError(code, message string) bool {
	if code == "TOOL_UNSUPPORTED" {
		return true
	}
	lower := strings.ToLower(message)
	for _, p := range toolUnsupportedPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// HandleToolError reacts to a provider error IsToolUnsupportedError has
// already flagged. A standing user_confirmed override short-circuits
// it; otherwise it prompts the user at most once per PromptDebounce
// window per model, with a 30s timeout and a safe default of "no"
// (unsupported) if the user does not answer in time. The answer is
// recorded as either a permanent (user_confirmed) or session (TTL)
// override depending on the user's choice.
func (c *Cache) HandleToolError(ctx context.Context, modelID string) {
	if ov, ok := c.hot.Get(modelID); ok && ov.Source == model.SourceUserConfirmed && !ov.Expired(time.Now()) {
		return
	}
	if c.prompter == nil || !c.promptAllowed(modelID) {
		return
	}

	promptCtx, cancel := context.WithTimeout(ctx, userPromptTimeout)
	defer cancel()
	supported, permanent, err := c.prompter.PromptToolSupport(promptCtx, modelID)
	if err != nil || promptCtx.Err() != nil {
		supported, permanent = false, false
	}

	source := model.SourceSession
	var expires *time.Time
	if permanent {
		source = model.SourceUserConfirmed
	} else {
		expires = expiryIn(c.cfg.SessionTTL)
	}
	c.setOverride(model.ToolSupportOverride{
		ModelID:   modelID,
		Supported: supported,
		Source:    source,
		CreatedAt: time.Now(),
		ExpiresAt: expires,
	})
}

// AutoDetect probes modelID for tool support under a 5s timeout. A
// successful probe yields a permanent positive override; a failed one
// (error or timeout) yields a session-scoped negative override.
func (c *Cache) AutoDetect(ctx context.Context, modelID string) {
	if c.detector == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, autoDetectTimeout)
	defer cancel()
	supported, err := c.detector.ProbeToolSupport(probeCtx, modelID)

	if err == nil && probeCtx.Err() == nil && supported {
		c.setOverride(model.ToolSupportOverride{
			ModelID:   modelID,
			Supported: true,
			Source:    model.SourceAutoDetected,
			CreatedAt: time.Now(),
		})
		return
	}
	c.setOverride(model.ToolSupportOverride{
		ModelID:   modelID,
		Supported: false,
		Source:    model.SourceAutoDetected,
		CreatedAt: time.Now(),
		ExpiresAt: expiryIn(c.cfg.SessionTTL),
	})
}

func (c *Cache) promptAllowed(modelID string) bool {
	c.limMu.Lock()
	lim, ok := c.limiters[modelID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.cfg.PromptDebounce), 1)
		c.limiters[modelID] = lim
	}
	c.limMu.Unlock()
	return lim.Allow()
}

func (c *Cache) setOverride(ov model.ToolSupportOverride) {
	c.hot.Add(ov.ModelID, ov)
	if ov.Source == model.SourceUserConfirmed && c.cfg.PersistPath != "" {
		if err := c.persist(); err != nil {
			c.log.Warn("failed to persist tool-support override for %s: %v", ov.ModelID, err)
		}
	}
}

func expiryIn(d time.Duration) *time.Time {
	t := time.Now().Add(d)
	return &t
}

// persist writes every user_confirmed override currently in the hot
// tier to cfg.PersistPath as JSON, via temp-file-plus-rename.
func (c *Cache) persist() error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	permanent := make(map[string]model.ToolSupportOverride)
	for _, modelID := range c.hot.Keys() {
		ov, ok := c.hot.Peek(modelID)
		if ok && ov.Source == model.SourceUserConfirmed {
			permanent[modelID] = ov
		}
	}

	data, err := json.MarshalIndent(permanent, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.cfg.PersistPath), 0o755); err != nil {
		return err
	}
	tmp := c.cfg.PersistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.cfg.PersistPath)
}

func (c *Cache) loadPersisted() error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	data, err := os.ReadFile(c.cfg.PersistPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var permanent map[string]model.ToolSupportOverride
	if err := json.Unmarshal(data, &permanent); err != nil {
		return err
	}
	for modelID, ov := range permanent {
		c.hot.Add(modelID, ov)
	}
	return nil
}
