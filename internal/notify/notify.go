// Package notify provides best-effort desktop notifications, used to
// flag runs that are blocked on a human decision.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Send raises a desktop notification. osascript on macOS, notify-send
// elsewhere. Callers treat failure as cosmetic.
func Send(title, message string) error {
	if runtime.GOOS == "darwin" {
		return sendAppleScript(title, message)
	}
	return sendNotifySend(title, message)
}

func sendAppleScript(title, message string) error {
	script := fmt.Sprintf(
		`display notification %q with title %q sound name "default"`,
		escapeAppleScript(message), escapeAppleScript(title),
	)
	cmd := exec.Command("osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func sendNotifySend(title, message string) error {
	if _, err := exec.LookPath("notify-send"); err != nil {
		return fmt.Errorf("notify-send not available: %w", err)
	}
	cmd := exec.Command("notify-send", title, message)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify-send: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
