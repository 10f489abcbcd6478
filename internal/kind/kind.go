// Package kind enumerates the guest flavors the daemon supervises.
package kind

import (
	"fmt"
	"strings"
)

// Kind selects kind-specific parameters. The lifecycle is the same for all.
type Kind int

const (
	// Container is the Linux-container guest.
	Container Kind = iota
	// Android is the Android guest.
	Android
	// Plugin is the plugin guest.
	Plugin
)

var names = [...]string{
	Container: "container",
	Android:   "android",
	Plugin:    "plugin",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(names) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return names[k]
}

// Parse maps a kind name back to a Kind.
func Parse(s string) (Kind, error) {
	for i, n := range names {
		if strings.EqualFold(s, n) {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown guest kind %q", s)
}

// Persistent reports whether the guest runs an agent the daemon drives
// after boot.
func (k Kind) Persistent() bool {
	return k == Container || k == Android
}

// HasAgent reports whether the guest exposes the ttrpc agent. Android is
// persistent but only speaks the power control port.
func (k Kind) HasAgent() bool {
	return k == Container
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
