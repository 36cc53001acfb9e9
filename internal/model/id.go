package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// LocalPrefix marks identifiers minted on the device that the remote store
// has never confirmed.
const LocalPrefix = "local-"

// ID identifies a record either by a temporary device-minted value (Local)
// or by a server-issued value (Remote). The zero ID is "unassigned".
//
// On the wire and in local storage an ID is a plain JSON string; strings
// starting with LocalPrefix decode as Local.
type ID struct {
	value string
	local bool
}

// Local wraps a temporary identifier. The prefix is added if missing.
func Local(tempID string) ID {
	if !strings.HasPrefix(tempID, LocalPrefix) {
		tempID = LocalPrefix + tempID
	}
	return ID{value: tempID, local: true}
}

// Remote wraps a server-issued identifier.
func Remote(serverID string) ID {
	return ID{value: serverID}
}

// ParseID classifies a raw identifier string.
func ParseID(s string) ID {
	if s == "" {
		return ID{}
	}
	if strings.HasPrefix(s, LocalPrefix) {
		return ID{value: s, local: true}
	}
	return ID{value: s}
}

// NewLocalID mints a temporary identifier composed of the creation time and
// random bits, e.g. local-1700000000-3f9a01c2b.
func NewLocalID(now time.Time) ID {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return ID{
		value: LocalPrefix + strconv.FormatInt(now.Unix(), 10) + "-" + random,
		local: true,
	}
}

// IsLocal reports whether the identifier was never confirmed remotely.
func (id ID) IsLocal() bool { return id.local }

// IsZero reports whether no identifier has been assigned.
func (id ID) IsZero() bool { return id.value == "" }

// String returns the raw identifier.
func (id ID) String() string { return id.value }

// MarshalJSON encodes the identifier as a string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON decodes a string identifier, classifying it by prefix.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ID{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("id must be a string: %w", err)
	}
	*id = ParseID(s)
	return nil
}

// MarshalYAML encodes the identifier as a plain scalar.
func (id ID) MarshalYAML() (any, error) {
	return id.value, nil
}

// UnmarshalYAML decodes a scalar identifier, classifying it by prefix.
func (id *ID) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("id must be a string: %w", err)
	}
	*id = ParseID(s)
	return nil
}

// IDs converts identifiers to their raw strings.
func IDs(ids []ID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
