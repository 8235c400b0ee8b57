package vmsvc

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var adjectives = []string{
	"amber", "brave", "calm", "dusty", "eager", "fuzzy", "gentle", "hollow",
	"iron", "jolly", "keen", "lively", "misty", "noble", "orange", "plain",
	"quiet", "rapid", "solid", "tidy",
}

var nouns = []string{
	"otter", "canyon", "falcon", "meadow", "harbor", "glacier", "summit",
	"cobra", "willow", "badger", "comet", "ember", "lagoon", "maple",
	"osprey", "pebble", "ridge", "sparrow", "tundra", "walrus",
}

var verbs = []string{
	"leaps", "glides", "climbs", "drifts", "soars", "roams", "dives",
	"wanders", "gallops", "hovers", "paddles", "sprints", "coasts",
	"circles", "lands", "orbits", "burrows", "surfaces", "threads", "drifts",
}

// GeneratePassword draws a memorable adjective-noun-verb triple plus a
// two-digit suffix from a CSPRNG (§4.F creation step 3) — never
// math/rand, since this is a credential.
func GeneratePassword() (string, error) {
	adj, err := randomWord(adjectives)
	if err != nil {
		return "", err
	}
	noun, err := randomWord(nouns)
	if err != nil {
		return "", err
	}
	verb, err := randomWord(verbs)
	if err != nil {
		return "", err
	}
	digits, err := randomDigits()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s%s", adj, noun, verb, digits), nil
}

func randomWord(words []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return "", fmt.Errorf("generate password word: %w", err)
	}
	return words[n.Int64()], nil
}

func randomDigits() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100))
	if err != nil {
		return "", fmt.Errorf("generate password digits: %w", err)
	}
	return fmt.Sprintf("%02d", n.Int64()), nil
}
