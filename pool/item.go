package pool

import (
	"fmt"
	"time"

	uuid "github.com/hashicorp/go-uuid"
)

// Protocol is the wire protocol a proxy endpoint speaks.
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https"
	ProtocolSOCKS5 Protocol = "socks5"
)

// Classification is the optional vendor-assigned IP class.
type Classification string

const (
	ClassUnknown     Classification = ""
	ClassDatacenter  Classification = "datacenter"
	ClassResidential Classification = "residential"
)

// Endpoint is the dialable address of a proxy, with optional credentials.
type Endpoint struct {
	Host     string
	Port     string
	Protocol Protocol
	Username string
	Password string
	Class    Classification
	Country  string
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s:%s", e.Protocol, e.Host, e.Port)
}

// Item is the pool's internal record of a usable proxy.
// InUse is mutated only by Manager under its own lock; it is never cleared
// back to false — items are evicted, not recycled.
type Item struct {
	ID        string
	Source    string
	Endpoint  Endpoint
	TTL       time.Duration
	CreatedAt time.Time

	InUse bool

	// SuccessCount is bumped by Manager.MarkSuccess once a caller finishes a
	// successful dial through this item. There is no matching FailCount: a
	// failed dial goes straight through Reject/Discard, which removes the
	// item before any stat on it could ever be read back out.
	SuccessCount uint32
}

// NewID generates an ID unique within the process lifetime, used by source
// adapters when they mint an Item.
func NewID() (string, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("pool: generate item id: %w", err)
	}
	return id, nil
}

// Connection is the external, immutable view of an Item a caller receives
// from Acquire/AcquireExclusive.
type Connection struct {
	ID       string
	Endpoint Endpoint
	Class    Classification
	Country  string
}

func (it Item) connection() Connection {
	return Connection{
		ID:       it.ID,
		Endpoint: it.Endpoint,
		Class:    it.Endpoint.Class,
		Country:  it.Endpoint.Country,
	}
}
