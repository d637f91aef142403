// Package contact watches live transcription text for a contact identifier,
// such as a phone number, and raises a notification the first time it is
// spoken in a turn.
//
// Transcripts arrive as small incremental fragments, so a number like
// "9 66 33 03 09" is usually split across several of them. The [Watcher]
// keeps a short rolling window of recent text per speaker and matches the
// pattern against that window.
package contact

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// DefaultPattern matches the factory phone number with any spacing.
const DefaultPattern = `9\s*66\s*33\s*03\s*09`

// DefaultMessage is the notification text used when none is configured.
const DefaultMessage = "Contact number mentioned: 9 66 33 03 09"

// windowSize bounds the rolling text window per speaker, in bytes.
const windowSize = 256

// Match describes one detection.
type Match struct {
	// Text is the matched substring.
	Text string

	// Input is true when the user, rather than the assistant, said it.
	Input bool

	// Message is the configured notification text.
	Message string
}

// Watcher detects a pattern in streamed transcripts. All methods are safe
// for concurrent use.
type Watcher struct {
	mu      sync.Mutex
	re      *regexp.Regexp
	message string
	notify  func(Match)

	output speaker
	input  speaker
}

type speaker struct {
	window   string
	reported bool
}

// New compiles pattern and returns a Watcher that calls notify on each
// detection. An empty pattern selects [DefaultPattern]; an empty message
// selects [DefaultMessage].
func New(pattern, message string, notify func(Match)) (*Watcher, error) {
	w := &Watcher{notify: notify}
	if err := w.SetPattern(pattern, message); err != nil {
		return nil, err
	}
	return w, nil
}

// SetPattern replaces the pattern and message. Turn state is cleared.
func (w *Watcher) SetPattern(pattern, message string) error {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if message == "" {
		message = DefaultMessage
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("contact: compile pattern: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.re = re
	w.message = message
	w.output = speaker{}
	w.input = speaker{}
	return nil
}

// Pattern returns the active pattern source.
func (w *Watcher) Pattern() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.re.String()
}

// Observe feeds one transcript fragment. input selects the user's stream.
// It reports whether this fragment completed a new match.
func (w *Watcher) Observe(text string, input bool) bool {
	if text == "" {
		return false
	}

	w.mu.Lock()
	sp := &w.output
	if input {
		sp = &w.input
	}
	if sp.reported {
		w.mu.Unlock()
		return false
	}
	sp.window += text
	if len(sp.window) > windowSize {
		sp.window = sp.window[len(sp.window)-windowSize:]
	}
	found := w.re.FindString(sp.window)
	if found == "" {
		w.mu.Unlock()
		return false
	}
	sp.reported = true
	m := Match{Text: strings.TrimSpace(found), Input: input, Message: w.message}
	notify := w.notify
	w.mu.Unlock()

	if notify != nil {
		notify(m)
	}
	return true
}

// EndTurn clears both windows so the identifier can be reported again in
// the next turn.
func (w *Watcher) EndTurn() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.output = speaker{}
	w.input = speaker{}
}
