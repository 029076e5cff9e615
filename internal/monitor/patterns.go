package monitor

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var monLog = logging.ForComponent(logging.CompClassify)

// StateType is the closed set of session states the classifier can report.
type StateType string

const (
	StateIdleInput    StateType = "idle_input"
	StateInputPrompt  StateType = "input_prompt"
	StateCompleted    StateType = "completed"
	StateError        StateType = "error"
	StatePlanMode     StateType = "plan_mode"
	StateTesting      StateType = "testing"
	StateGitOperation StateType = "git_operation"
	StateWarning      StateType = "warning"
	StateNone         StateType = "none"
)

// precedence orders states for conflict resolution when one sample matches
// several. An explicit error outranks a prompt, which outranks passive
// signals; idle is the weakest. The order is fixed so identical input always
// classifies identically.
var precedence = []StateType{
	StateError,
	StateInputPrompt,
	StatePlanMode,
	StateWarning,
	StateGitOperation,
	StateTesting,
	StateCompleted,
	StateIdleInput,
}

// compiledSet holds one state's patterns split into plain substrings and
// compiled regexps, following the "re:" prefix convention.
type compiledSet struct {
	strs []string
	res  []*regexp.Regexp
}

func (cs compiledSet) empty() bool {
	return len(cs.strs) == 0 && len(cs.res) == 0
}

// matchLine returns the first line of text that matches any pattern in the
// set.
func (cs compiledSet) matchLine(text string) (string, bool) {
	for _, line := range strings.Split(text, "\n") {
		for _, s := range cs.strs {
			if strings.Contains(line, s) {
				return line, true
			}
		}
	}
	for _, re := range cs.res {
		if loc := re.FindStringIndex(text); loc != nil {
			start := strings.LastIndexByte(text[:loc[0]], '\n') + 1
			end := strings.IndexByte(text[loc[1]:], '\n')
			if end < 0 {
				end = len(text)
			} else {
				end += loc[1]
			}
			return text[start:end], true
		}
	}
	return "", false
}

// Patterns holds the compiled detection patterns for every state plus the
// busy markers that indicate the agent is still working.
type Patterns struct {
	states map[StateType]compiledSet
	busy   compiledSet
}

// rawDefaults are the built-in patterns keyed by state. "re:" prefixed
// entries are compiled as regex, everything else matches with
// strings.Contains.
func rawDefaults() map[StateType][]string {
	return map[StateType][]string{
		StateError: {
			"✗ ",
			"Error:",
			"error:",
			"panic:",
			"Traceback (most recent call last)",
			"fatal:",
			"command not found",
		},
		StateInputPrompt: {
			"Do you want",
			"Would you like",
			"❯ 1. Yes",
			"No, and tell Claude what to do differently",
			"(y/N)",
			"(Y/n)",
			"[y/n]",
			"Press Enter to continue",
			"needs your permission",
		},
		StatePlanMode: {
			"plan mode",
			"Ready to code?",
			"Here is Claude's plan",
			"exit plan mode",
		},
		StateWarning: {
			"Warning:",
			"warning:",
			"⚠",
			"deprecated",
		},
		StateGitOperation: {
			"git commit",
			"git push",
			"git rebase",
			"On branch ",
			"Changes to be committed",
			"Changes not staged",
		},
		StateTesting: {
			"Running tests",
			"test suite",
			"--- FAIL",
			"--- PASS",
			"tests passed",
			"tests failed",
			"re:(?m)^(ok|FAIL)\\s+\\S+\\s+[\\d.]+s",
		},
		StateCompleted: {
			"✅",
			"Done (",
			"✻ Done",
			"Task completed",
			"Finished",
		},
		StateIdleInput: {
			"? for shortcuts",
			"re:(?m)^\\s*[>❯]\\s*$",
			"re:(?m)^│\\s*>\\s*│?\\s*$",
		},
	}
}

// rawBusy marks the agent as actively working. Busy content is never
// notified; it only keeps the poll interval short.
func rawBusy() []string {
	return []string{
		"re:(?m)^[✳✽✶✻✢·⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]\\s*.+…",
		"ctrl+c to interrupt",
		"esc to interrupt",
	}
}

// DefaultPatterns compiles the built-in pattern set. Invalid regex entries
// are logged and skipped rather than crashing.
func DefaultPatterns() *Patterns {
	p := &Patterns{states: make(map[StateType]compiledSet, len(precedence))}
	for state, raw := range rawDefaults() {
		p.states[state] = compile(raw)
	}
	p.busy = compile(rawBusy())
	return p
}

func compile(raw []string) compiledSet {
	var cs compiledSet
	for _, pat := range raw {
		if strings.HasPrefix(pat, "re:") {
			re, err := regexp.Compile(pat[3:])
			if err != nil {
				monLog.Warn("invalid_pattern_regex",
					slog.String("pattern", pat),
					slog.String("error", err.Error()))
				continue
			}
			cs.res = append(cs.res, re)
			continue
		}
		cs.strs = append(cs.strs, pat)
	}
	return cs
}

// IsBusy reports whether text contains an active-work marker.
func (p *Patterns) IsBusy(text string) bool {
	_, ok := p.busy.matchLine(text)
	return ok
}

// Classify returns the highest-precedence state whose patterns match text,
// along with the matching line, or StateNone when nothing matches.
func (p *Patterns) Classify(text string) (StateType, string) {
	for _, state := range precedence {
		cs, ok := p.states[state]
		if !ok || cs.empty() {
			continue
		}
		if line, matched := cs.matchLine(text); matched {
			return state, strings.TrimSpace(line)
		}
	}
	return StateNone, ""
}
