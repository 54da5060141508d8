package pages

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ErrMalformedContent indicates that a serialized content map could not be parsed.
var ErrMalformedContent = errors.New("pages: malformed content")

// Content maps a language tag to the source text stored for that language.
type Content map[string]string

// ParseContent decodes a serialized content map. Empty input yields an empty map.
func ParseContent(serialized string) (Content, error) {
	trimmed := strings.TrimSpace(serialized)
	if trimmed == "" || trimmed == "null" {
		return Content{}, nil
	}
	var parsed map[string]string
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return Content{}, fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	if parsed == nil {
		return Content{}, nil
	}
	return Content(parsed), nil
}

// ParseContentOrEmpty decodes a serialized content map and substitutes an empty
// map when it is malformed. The failure is logged, never returned.
func ParseContentOrEmpty(serialized string, logger *zap.Logger, fields ...zap.Field) Content {
	parsed, err := ParseContent(serialized)
	if err != nil {
		if logger == nil {
			logger = noOpLogger
		}
		logger.Warn("malformed page content replaced with empty content", append(fields, zap.Error(err))...)
		return Content{}
	}
	return parsed
}

// Serialize returns the canonical JSON form: keys sorted, no insignificant whitespace.
func (c Content) Serialize() string {
	if len(c) == 0 {
		return "{}"
	}
	// encoding/json sorts map keys, which keeps the output stable across peers.
	encoded, err := json.Marshal(map[string]string(c))
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

// Hash returns the hex SHA-256 of the canonical serialization.
func (c Content) Hash() string {
	sum := sha256.Sum256([]byte(c.Serialize()))
	return hex.EncodeToString(sum[:])
}

// Clone returns an independent copy.
func (c Content) Clone() Content {
	cloned := make(Content, len(c))
	for language, text := range c {
		cloned[language] = text
	}
	return cloned
}

// With returns a copy with language set to text.
func (c Content) With(language, text string) Content {
	cloned := c.Clone()
	cloned[language] = text
	return cloned
}
