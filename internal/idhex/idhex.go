// Package idhex converts 32-bit vendor/product/module identifiers between
// their wire representation and the human-readable hyphenated hex form
// used in logs and error messages (e.g. "fb-57-a1-12"). Cloud requests
// send these ids in decimal, not in this form.
package idhex

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "idhex")

var pattern = regexp.MustCompile(`^[0-9A-Fa-f]{2}(-[0-9A-Fa-f]{2}){3}$`)

// Encode renders n as four lowercase hex bytes separated by hyphens.
func Encode(n uint32) string {
	b0 := byte(n >> 24)
	b1 := byte(n >> 16)
	b2 := byte(n >> 8)
	b3 := byte(n)
	return fmt.Sprintf("%02x-%02x-%02x-%02x", b0, b1, b2, b3)
}

// Decode parses a hyphenated hex string into a 32-bit identifier. Invalid
// input decodes to 0 with a logged assertion rather than a panic.
func Decode(s string) uint32 {
	if !pattern.MatchString(s) {
		logger.WithField("input", s).Warn("idhex: malformed identifier, decoding to 0")
		return 0
	}
	parts := strings.Split(s, "-")
	var n uint32
	for _, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			logger.WithField("input", s).Warn("idhex: malformed hex byte, decoding to 0")
			return 0
		}
		n = (n << 8) | uint32(v)
	}
	return n
}
