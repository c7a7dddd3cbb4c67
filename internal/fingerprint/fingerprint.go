// Package fingerprint derives deterministic identities for script requests.
//
// Two requests that normalize to the same prompt and context, with the same
// language and template version, share a fingerprint and therefore a cache
// entry. Normalization is intentionally aggressive: prompts are lowercased,
// filler phrases are stripped, and whitespace is collapsed, so cosmetic
// rephrasings of the same request converge.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// hexLen is the number of hex characters kept from the sha256 digest.
const hexLen = 16

// stopwords are removed from prompts as literal substrings, in order.
// Substring removal means unrelated words containing a stopword are
// mangled too ("created" loses "create"); collisions from this are an
// accepted property of the scheme.
var stopwords = []string{
	"please", "can you", "could you", "would you",
	"i need", "i want", "help me",
	"create", "make", "generate", "build", "write",
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizePrompt lowercases the prompt, strips stopword substrings and
// collapses whitespace runs into single spaces.
func NormalizePrompt(prompt string) string {
	s := strings.ToLower(prompt)
	for _, w := range stopwords {
		s = strings.ReplaceAll(s, w, "")
	}
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// NormalizeContext renders the context as canonical JSON: lexicographically
// sorted keys at every level, compact separators, no HTML escaping.
// A nil context canonicalizes to "{}".
func NormalizeContext(context map[string]any) (string, error) {
	if context == nil {
		return "{}", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(context); err != nil {
		return "", fmt.Errorf("canonicalizing context: %w", err)
	}
	// Encode appends a newline.
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Generate computes the request fingerprint: the first 16 hex characters
// of sha256("<norm_prompt>|<canonical_context>|<language>|<template_version>").
func Generate(prompt string, context map[string]any, language, templateVersion string) (string, error) {
	ctxJSON, err := NormalizeContext(context)
	if err != nil {
		return "", err
	}
	content := NormalizePrompt(prompt) + "|" + ctxJSON + "|" + language + "|" + templateVersion
	return truncatedSHA([]byte(content)), nil
}

// PromptSHA hashes the normalized prompt alone, truncated like Generate.
func PromptSHA(prompt string) string {
	return truncatedSHA([]byte(NormalizePrompt(prompt)))
}

// ContextSHA hashes the canonical context alone, truncated like Generate.
func ContextSHA(context map[string]any) (string, error) {
	ctxJSON, err := NormalizeContext(context)
	if err != nil {
		return "", err
	}
	return truncatedSHA([]byte(ctxJSON)), nil
}

func truncatedSHA(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:hexLen]
}
