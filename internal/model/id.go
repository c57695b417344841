package model

import (
	"strings"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeTimer IDType = "tmr"
	IDTypeEvent IDType = "evt"
	IDTypeOwner IDType = "wkr"
)

// GenerateID returns a prefixed random identifier such as "evt_6f1c...".
func GenerateID(idType IDType) string {
	return string(idType) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ParseIDType returns the prefix of an ID produced by GenerateID.
func ParseIDType(id string) (IDType, bool) {
	prefix, rest, ok := strings.Cut(id, "_")
	if !ok || rest == "" {
		return "", false
	}
	switch IDType(prefix) {
	case IDTypeTimer, IDTypeEvent, IDTypeOwner:
		return IDType(prefix), true
	}
	return "", false
}
