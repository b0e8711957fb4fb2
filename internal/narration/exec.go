// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package narration

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNoVoiceListing is returned by Voices for commands with no known
// listing flag.
var ErrNoVoiceListing = errors.New("voice listing not supported")

// ExecEngine speaks by running an external command with the text on
// stdin. espeak, espeak-ng and macOS say get native voice, pitch and rate
// flags; any other command receives them as KARAWAN_TTS_* environment
// variables.
type ExecEngine struct {
	name string
	args []string
}

// NewExecEngine parses a command line such as "espeak-ng -a 120".
func NewExecEngine(command string) (*ExecEngine, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("empty tts command")
	}
	return &ExecEngine{name: fields[0], args: fields[1:]}, nil
}

func (e *ExecEngine) flavor() string {
	base := strings.TrimSuffix(filepath.Base(e.name), ".exe")
	switch base {
	case "espeak", "espeak-ng":
		return "espeak"
	case "say":
		return "say"
	}
	return ""
}

// Speak runs the command and waits for it to exit.
func (e *ExecEngine) Speak(ctx context.Context, u Utterance) error {
	args := append([]string{}, e.args...)
	env := os.Environ()

	switch e.flavor() {
	case "espeak":
		voice := u.Voice
		if voice == "" {
			voice = strings.ToLower(u.Lang)
		}
		if voice != "" {
			args = append(args, "-v", voice)
		}
		if u.Pitch > 0 {
			args = append(args, "-p", strconv.Itoa(clamp(int(u.Pitch*50), 0, 99)))
		}
		if u.Rate > 0 {
			args = append(args, "-s", strconv.Itoa(clamp(int(u.Rate*175), 80, 500)))
		}
		args = append(args, "--stdin")
	case "say":
		if u.Voice != "" {
			args = append(args, "-v", u.Voice)
		}
		if u.Rate > 0 {
			args = append(args, "-r", strconv.Itoa(int(u.Rate*175)))
		}
	default:
		env = append(env,
			"KARAWAN_TTS_VOICE="+u.Voice,
			"KARAWAN_TTS_LANG="+u.Lang,
			fmt.Sprintf("KARAWAN_TTS_PITCH=%.2f", u.Pitch),
			fmt.Sprintf("KARAWAN_TTS_RATE=%.2f", u.Rate),
		)
	}

	cmd := exec.CommandContext(ctx, e.name, args...)
	cmd.Env = env
	cmd.Stdin = strings.NewReader(u.Text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", e.name, err, msg)
		}
		return fmt.Errorf("%s: %w", e.name, err)
	}
	return nil
}

// Voices lists the voice identifiers the command accepts.
func (e *ExecEngine) Voices(ctx context.Context) ([]string, error) {
	var (
		args  []string
		parse func(fields []string) []string
	)
	switch e.flavor() {
	case "espeak":
		// Pty Language Age/Gender VoiceName File Other
		args = []string{"--voices"}
		parse = func(f []string) []string {
			if len(f) < 5 || f[0] == "Pty" {
				return nil
			}
			return []string{f[1], f[3], f[4]}
		}
	case "say":
		args = []string{"-v", "?"}
		parse = func(f []string) []string {
			if len(f) == 0 {
				return nil
			}
			return f[:1]
		}
	default:
		return nil, ErrNoVoiceListing
	}

	out, err := exec.CommandContext(ctx, e.name, args...).Output()
	if err != nil {
		return nil, err
	}

	var voices []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		voices = append(voices, parse(strings.Fields(sc.Text()))...)
	}
	return voices, sc.Err()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Silent discards utterances. It stands in when no speech command is
// configured.
type Silent struct{}

// Speak returns immediately.
func (Silent) Speak(ctx context.Context, u Utterance) error {
	return ctx.Err()
}
