// Package registry tracks every live hub connection and the role it plays.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Role classifies a connection.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleApp      Role = "app"
	RoleProvider Role = "provider"
)

// ParseRole maps a handshake or registration value to a Role.
// "ui" is the front-end flavour of an app.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "agent":
		return RoleAgent, nil
	case "app", "ui":
		return RoleApp, nil
	case "provider":
		return RoleProvider, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Executes reports whether connections of this role perform capabilities.
func (r Role) Executes() bool {
	return r == RoleApp || r == RoleProvider
}

// Metadata is correlation context carried by a connection.
type Metadata struct {
	ThreadID              string `json:"threadId,omitempty"`
	AgentInstanceID       string `json:"agentInstanceId,omitempty"`
	ParentAgentInstanceID string `json:"parentAgentInstanceId,omitempty"`
}

// Sender is the transport side of a connection. Close must be idempotent.
type Sender interface {
	Send(data []byte) error
	Close()
}

// Connection is one registered client. Role, agent id and metadata change
// only through Registry.Reclassify.
type Connection struct {
	ID          string
	sender      Sender
	connectedAt time.Time
	seq         uint64

	mu      sync.RWMutex
	role    Role
	agentID string
	meta    Metadata
}

// NewConnection wraps a sender. An empty id is assigned on Register.
func NewConnection(id string, role Role, agentID string, meta Metadata, sender Sender) *Connection {
	return &Connection{
		ID:          id,
		sender:      sender,
		connectedAt: time.Now(),
		role:        role,
		agentID:     agentID,
		meta:        meta,
	}
}

// Role returns the current role.
func (c *Connection) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// AgentID returns the agent this connection represents or serves.
func (c *Connection) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// Metadata returns a copy of the correlation context.
func (c *Connection) Metadata() Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

// Send hands data to the transport.
func (c *Connection) Send(data []byte) error {
	return c.sender.Send(data)
}

// ConnectedAt returns when the connection was created.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// Info is a point-in-time view of a connection for the admin API.
type Info struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	AgentID     string    `json:"agentId,omitempty"`
	Metadata    Metadata  `json:"metadata"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Info snapshots the connection.
func (c *Connection) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Info{
		ID:          c.ID,
		Role:        c.role,
		AgentID:     c.agentID,
		Metadata:    c.meta,
		ConnectedAt: c.connectedAt,
	}
}
