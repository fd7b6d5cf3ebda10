/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"strings"
	"sync"
)

// Backspace key names accepted by DialBuffer.Press.
const (
	KeyBackspace     = "⌫"
	KeyBackspaceName = "backspace"
)

// DialBuffer accumulates keypad input before a call is placed.
//
// A '+' is accepted only as the first character. A misplaced '+' latches the
// keypad: further digits are ignored until the next backspace, which clears
// the latch and removes one character. At most max digits are kept; the
// leading '+' does not count toward that bound.
type DialBuffer struct {
	mu      sync.Mutex
	buf     []byte
	max     int
	latched bool
}

// NewDialBuffer creates an empty buffer bounded to max digits
func NewDialBuffer(max int) *DialBuffer {
	if max <= 0 {
		max = 15
	}
	return &DialBuffer{max: max}
}

// Press applies one key and reports whether it changed the buffer.
func (b *DialBuffer) Press(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case isBackspace(key):
		b.latched = false
		if len(b.buf) == 0 {
			return false
		}
		b.buf = b.buf[:len(b.buf)-1]
		return true
	case key == "+":
		if len(b.buf) != 0 {
			b.latched = true
			return false
		}
		b.buf = append(b.buf, '+')
		return true
	case len(key) == 1 && isDialDigit(key[0]):
		if b.latched || b.digitsLocked() >= b.max {
			return false
		}
		b.buf = append(b.buf, key[0])
		return true
	}
	return false
}

// String returns the current buffer contents
func (b *DialBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Digits returns the number of digits, excluding a leading '+'
func (b *DialBuffer) Digits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.digitsLocked()
}

// Clear empties the buffer
func (b *DialBuffer) Clear() {
	b.mu.Lock()
	b.buf = b.buf[:0]
	b.latched = false
	b.mu.Unlock()
}

func (b *DialBuffer) digitsLocked() int {
	if len(b.buf) > 0 && b.buf[0] == '+' {
		return len(b.buf) - 1
	}
	return len(b.buf)
}

func isBackspace(key string) bool {
	return key == KeyBackspace || key == "\b" || strings.EqualFold(key, KeyBackspaceName)
}

func isDialDigit(c byte) bool {
	return (c >= '0' && c <= '9') || c == '*' || c == '#'
}

// isDTMF reports whether every character of digits can be sent as a tone.
func isDTMF(digits string) bool {
	if digits == "" {
		return false
	}
	for i := 0; i < len(digits); i++ {
		c := digits[i]
		if !isDialDigit(c) && !(c >= 'A' && c <= 'D') && c != 'w' && c != ',' {
			return false
		}
	}
	return true
}
