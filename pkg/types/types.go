package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UnassignedUserID is the user segment of standby container names.
const UnassignedUserID = "UNASSIGNED"

// AuthProvider identifies the token issuer a user authenticated with.
type AuthProvider string

const (
	ProviderGitHub              AuthProvider = "github"
	ProviderGoogle              AuthProvider = "google"
	ProviderGetgather           AuthProvider = "getgather"
	ProviderGetgatherPersistent AuthProvider = "getgather-persistent"
)

// AuthUser is an authenticated caller, normalized from any provider's claims.
type AuthUser struct {
	Sub          string       `json:"sub"`
	AuthProvider AuthProvider `json:"auth_provider"`
	Name         string       `json:"name,omitempty"`
	Login        string       `json:"login,omitempty"`    // github specific
	Email        string       `json:"email,omitempty"`    // google specific
	AppName      string       `json:"app_name,omitempty"` // getgather specific
}

// UserID is the routing key used in container names.
func (u AuthUser) UserID() string {
	return fmt.Sprintf("%s.%s", u.Sub, u.AuthProvider)
}

// Persistent reports whether the user's container is checkpointed rather
// than purged when its TTL expires.
func (u AuthUser) Persistent() bool {
	return u.AuthProvider != ProviderGetgather
}

// IsAdmin reports whether the user may call admin endpoints: a Google user
// whose email belongs to the configured admin domain.
func (u AuthUser) IsAdmin(adminEmailDomain string) bool {
	if u.AuthProvider != ProviderGoogle || u.Email == "" || adminEmailDomain == "" {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Email), "@"+strings.ToLower(adminEmailDomain))
}

// UserFromID parses a "{sub}.{provider}" routing key back into an AuthUser.
func UserFromID(userID string) (AuthUser, error) {
	idx := strings.LastIndex(userID, ".")
	if idx <= 0 || idx == len(userID)-1 {
		return AuthUser{}, fmt.Errorf("invalid user id: %s", userID)
	}
	return AuthUser{
		Sub:          userID[:idx],
		AuthProvider: AuthProvider(userID[idx+1:]),
	}, nil
}

// ContainerStatus is the engine-reported container state.
type ContainerStatus string

const (
	StatusRunning ContainerStatus = "running"
	StatusExited  ContainerStatus = "exited"
)

// Container is a worker container as observed through the engine.
type Container struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Hostname     string          `json:"hostname"`
	IP           string          `json:"ip,omitempty"`
	Status       ContainerStatus `json:"status"`
	Checkpointed bool            `json:"checkpointed"`
	StartedAt    time.Time       `json:"started_at"`

	// Raw inspection record and the network the IP was resolved from.
	// Excluded from serialization.
	Info        map[string]any `json:"-"`
	NetworkName string         `json:"-"`
}

// Running reports whether the engine considers the container up.
func (c *Container) Running() bool {
	return c.Status == StatusRunning
}

// Ready reports whether the container has been running long enough for the
// worker to finish its warm-up.
func (c *Container) Ready(startupWindow time.Duration, now time.Time) bool {
	if !c.Running() {
		return false
	}
	return now.After(c.StartedAt.Add(startupWindow))
}

// UserID extracts the owner segment of the container name, or
// UnassignedUserID for standby containers.
func (c *Container) UserID() string {
	idx := strings.LastIndex(c.Name, "-")
	if idx < 0 {
		return c.Name
	}
	return c.Name[:idx]
}

// Assigned reports whether the container belongs to a user.
func (c *Container) Assigned() bool {
	return !strings.HasPrefix(c.Name, UnassignedUserID+"-")
}

// Dump serializes the container for structured logging.
func (c *Container) Dump() string {
	b, err := json.Marshal(c)
	if err != nil {
		return c.Name
	}
	return string(b)
}

// ContainerIdentity converts between hostname, owner and container name.
type ContainerIdentity struct {
	Hostname string
	UserID   string
	User     *AuthUser
}

// NewIdentity builds an identity for the given hostname and optional owner.
func NewIdentity(hostname string, user *AuthUser) ContainerIdentity {
	id := ContainerIdentity{Hostname: hostname, UserID: UnassignedUserID, User: user}
	if user != nil {
		id.UserID = user.UserID()
	}
	return id
}

// ContainerName is "{user_id}-{hostname}", with UNASSIGNED for standby.
func (i ContainerIdentity) ContainerName() string {
	return fmt.Sprintf("%s-%s", i.UserID, i.Hostname)
}

// AssignedToPersistentUser reports assignment to a non-getgather user.
func (i ContainerIdentity) AssignedToPersistentUser() bool {
	return i.User != nil && i.User.AuthProvider != ProviderGetgather
}

// AssignedToApp reports assignment to a one-time getgather app.
func (i ContainerIdentity) AssignedToApp() bool {
	return i.User != nil && i.User.AuthProvider == ProviderGetgather
}

// HostnameFromContainerName extracts the trailing hostname segment.
func HostnameFromContainerName(name string) string {
	idx := strings.LastIndex(name, "-")
	if idx < 0 {
		return name
	}
	return name[idx+1:]
}

// ContainerMetadata is persisted as metadata.json in a container's mount
// directory. Its presence marks the container as assigned.
type ContainerMetadata struct {
	User AuthUser `json:"user"`
}
