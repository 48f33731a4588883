// Package validate holds pure, side-effect-free input validators
// (component C5). Every function returns a single InvalidInput-shaped
// error with the offending field name; messages never echo raw user
// input beyond that name.
package validate

import (
	"regexp"

	"github.com/thunder45/translate-control-plane/internal/ctlerr"
)

var (
	languagePattern  = regexp.MustCompile(`^[a-z]{2}$`)
	sessionIDPattern = regexp.MustCompile(`^[a-z][a-z0-9]*-[a-z][a-z0-9]*-[1-9]\d{2}$`)
)

const maxSessionIDLength = 48

// Language validates an ISO-639-1 two-letter lowercase code.
func Language(field, s string) error {
	if !languagePattern.MatchString(s) {
		return ctlerr.New(ctlerr.InvalidInput, field)
	}
	return nil
}

// SessionID validates the canonical <adjective>-<noun>-<3-digit-number>
// shape and the overall length cap.
func SessionID(field, s string) error {
	if len(s) > maxSessionIDLength || !sessionIDPattern.MatchString(s) {
		return ctlerr.New(ctlerr.InvalidInput, field)
	}
	return nil
}

// QualityTier validates membership in {standard, premium}.
func QualityTier(field, s string) error {
	switch s {
	case "standard", "premium":
		return nil
	default:
		return ctlerr.New(ctlerr.InvalidInput, field)
	}
}

// Action validates membership in the admission/control action enum.
func Action(field, s string) error {
	switch s {
	case "createSession", "joinSession", "refreshConnection", "heartbeat",
		"pauseSession", "resumeSession":
		return nil
	default:
		return ctlerr.New(ctlerr.InvalidInput, field)
	}
}
