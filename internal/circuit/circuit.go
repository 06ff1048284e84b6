// Package circuit models the multi-party networks trellis nodes participate
// in: fixed-membership circuits, their service rosters, and the directory
// state the router resolves delivery targets against.
package circuit

import (
	"crypto/rand"
	"errors"
	"fmt"
)

var (
	// ErrInvalidCircuitID is returned for a malformed circuit id.
	ErrInvalidCircuitID = errors.New("invalid circuit id")
	// ErrInvalidServiceID is returned for a malformed service id.
	ErrInvalidServiceID = errors.New("invalid service id")
)

const (
	base62 = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// circuitIDLen is the textual length of a circuit id: two 5-character
	// base62 groups joined by '-'.
	circuitIDLen = 11
	// serviceIDLen is the textual length of a service id.
	serviceIDLen = 4
)

func isBase62(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// ValidateCircuitID checks the 11-character two-group circuit id form, for
// example "abcDE-F0123".
func ValidateCircuitID(id string) error {
	if len(id) != circuitIDLen || id[5] != '-' ||
		!isBase62(id[:5]) || !isBase62(id[6:]) {
		return fmt.Errorf("%w: %q", ErrInvalidCircuitID, id)
	}
	return nil
}

// ValidateServiceID checks the 4-character base62 service id form.
func ValidateServiceID(id string) error {
	if len(id) != serviceIDLen || !isBase62(id) {
		return fmt.Errorf("%w: %q", ErrInvalidServiceID, id)
	}
	return nil
}

// NewCircuitID generates a random well-formed circuit id.
func NewCircuitID() (string, error) {
	buf := make([]byte, circuitIDLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate circuit id: %w", err)
	}
	for i := range buf {
		buf[i] = base62[int(buf[i])%len(base62)]
	}
	buf[5] = '-'
	return string(buf), nil
}

// Service is one roster entry: an addressable endpoint within a circuit and
// the member nodes allowed to host it.
type Service struct {
	ServiceID    string   `codec:"service_id"`
	AllowedNodes []string `codec:"allowed_nodes"`
}

// Node is a circuit member.
type Node struct {
	ID        string   `codec:"id"`
	Endpoints []string `codec:"endpoints"`
}

// Circuit is a named, fixed-membership network hosting a roster of services.
type Circuit struct {
	ID      string    `codec:"id"`
	Roster  []Service `codec:"roster"`
	Members []string  `codec:"members"`
}

// Validate checks the circuit id and every roster service id.
func (c Circuit) Validate() error {
	if err := ValidateCircuitID(c.ID); err != nil {
		return err
	}
	for _, service := range c.Roster {
		if err := ValidateServiceID(service.ServiceID); err != nil {
			return err
		}
	}
	return nil
}

// RosterService returns the roster entry for a service id.
func (c Circuit) RosterService(serviceID string) (Service, bool) {
	for _, service := range c.Roster {
		if service.ServiceID == serviceID {
			return service, true
		}
	}
	return Service{}, false
}

// HasService reports whether the service id is on the roster.
func (c Circuit) HasService(serviceID string) bool {
	_, ok := c.RosterService(serviceID)
	return ok
}

// HasMember reports whether the node id is a circuit member.
func (c Circuit) HasMember(nodeID string) bool {
	for _, member := range c.Members {
		if member == nodeID {
			return true
		}
	}
	return false
}
