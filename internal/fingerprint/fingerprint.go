// Package fingerprint computes the stable grouping key that maps events to
// issues.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"path"

	"github.com/faultline/faultline/pkg/models"
)

// maxFrames is the number of frames hashed by the default algorithm.
const maxFrames = 5

// component is one hashed fingerprint input. Absent fields hash differently
// from literal empty strings.
type component struct {
	present bool
	value   string
}

// Compute returns the fingerprint for an event. Rules are evaluated in
// declaration order; the first match replaces the component list and
// short-circuits. No match falls through to the default algorithm.
func Compute(ev *models.CrashEvent, rules []models.FingerprintRule) string {
	for _, rule := range rules {
		if ruleMatches(rule, ev) {
			comps := make([]component, len(rule.Components))
			for i, c := range rule.Components {
				comps[i] = component{present: true, value: c}
			}
			return hashComponents(comps)
		}
	}
	return hashComponents(defaultComponents(ev))
}

// defaultComponents builds the default inputs: exception type followed by
// (function, module) of up to maxFrames in-app frames, falling back to any
// frames when no in-app frames exist.
func defaultComponents(ev *models.CrashEvent) []component {
	comps := []component{{present: true, value: ev.ExceptionType}}

	frames := selectFrames(ev.Stacktrace.Frames)
	for _, f := range frames {
		comps = append(comps,
			component{present: f.Function != "", value: f.Function},
			component{present: f.Module != "", value: f.Module},
		)
	}
	return comps
}

func selectFrames(frames []models.Frame) []models.Frame {
	var inApp []models.Frame
	for _, f := range frames {
		if f.InApp {
			inApp = append(inApp, f)
			if len(inApp) == maxFrames {
				return inApp
			}
		}
	}
	if len(inApp) > 0 {
		return inApp
	}
	if len(frames) > maxFrames {
		return frames[:maxFrames]
	}
	return frames
}

func ruleMatches(rule models.FingerprintRule, ev *models.CrashEvent) bool {
	for _, field := range ruleFields(rule.MatchType, ev) {
		if ok, err := path.Match(rule.Pattern, field); err == nil && ok {
			return true
		}
	}
	return false
}

// ruleFields returns the event fields a rule's pattern is tested against.
// Module and function rules test every frame.
func ruleFields(matchType string, ev *models.CrashEvent) []string {
	switch matchType {
	case models.MatchExceptionType:
		return []string{ev.ExceptionType}
	case models.MatchMessage:
		return []string{ev.ExceptionValue}
	case models.MatchModule:
		fields := make([]string, 0, len(ev.Stacktrace.Frames))
		for _, f := range ev.Stacktrace.Frames {
			fields = append(fields, f.Module)
		}
		return fields
	case models.MatchFunction:
		fields := make([]string, 0, len(ev.Stacktrace.Frames))
		for _, f := range ev.Stacktrace.Frames {
			fields = append(fields, f.Function)
		}
		return fields
	}
	return nil
}

// hashComponents hashes with a presence marker and length prefix per
// component, so absent fields, empty fields and concatenation ambiguities
// cannot collide.
func hashComponents(comps []component) string {
	h := sha256.New()
	var lenBuf [4]byte
	for _, c := range comps {
		if !c.present {
			h.Write([]byte{0})
			continue
		}
		h.Write([]byte{1})
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(c.value)))
		h.Write(lenBuf[:])
		h.Write([]byte(c.value))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
