package oauth

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	clientsBucket   = []byte("clients")
	providersBucket = []byte("providers")
)

// Client is a dynamically registered OAuth client.
type Client struct {
	ID           string   `json:"client_id"`
	Secret       string   `json:"client_secret,omitempty"`
	Name         string   `json:"client_name,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
	Scope        string   `json:"scope,omitempty"`
}

// RedirectAllowed reports whether the client registered the redirect URI.
func (c *Client) RedirectAllowed(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// Store persists registered clients and the client-to-provider memo across
// gateway restarts, so token refreshes keep working after a redeploy.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if needed) the client store at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open client store: %v", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{clientsBucket, providersBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init client store: %v", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveClient persists a registered client.
func (s *Store) SaveClient(client *Client) error {
	raw, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to serialize client: %v", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(clientsBucket).Put([]byte(client.ID), raw)
	})
}

// GetClient returns a registered client, or nil when unknown.
func (s *Store) GetClient(clientID string) (*Client, error) {
	var client *Client
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(clientsBucket).Get([]byte(clientID))
		if raw == nil {
			return nil
		}
		client = &Client{}
		return json.Unmarshal(raw, client)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load client %s: %v", clientID, err)
	}
	return client, nil
}

// SetProvider memoizes which upstream provider a client authorized with.
func (s *Store) SetProvider(clientID, provider string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(providersBucket).Put([]byte(clientID), []byte(provider))
	})
}

// GetProvider returns the memoized provider for a client, or "".
func (s *Store) GetProvider(clientID string) (string, error) {
	var provider string
	err := s.db.View(func(tx *bolt.Tx) error {
		provider = string(tx.Bucket(providersBucket).Get([]byte(clientID)))
		return nil
	})
	return provider, err
}
