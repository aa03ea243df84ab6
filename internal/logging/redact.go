// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package logging

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageLength bounds free-form error text that leaves the engine.
const MaxMessageLength = 200

// SanitizeToken masks a credential for logging, keeping the first and last
// four characters of long values.
//
//	SanitizeToken("ya29.a0AfH6SMBx...9xYz") // "ya29...9xYz"
func SanitizeToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// SanitizeEmail keeps the domain and the first character of the local part.
//
//	SanitizeEmail("someone@example.com") // "s***@example.com"
func SanitizeEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// TruncateMessage bounds msg to MaxMessageLength bytes without splitting a
// UTF-8 sequence.
func TruncateMessage(msg string) string {
	if len(msg) <= MaxMessageLength {
		return msg
	}
	cut := MaxMessageLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "..."
}
