// Package dedupe tracks recently seen keys so redelivered stream frames can
// be dropped before they reach a gap detector.
package dedupe
