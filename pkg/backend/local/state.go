package local

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDeployments = []byte("deployments")
	bucketPorts       = []byte("ports")
)

// Entry is the persisted mapping from a deployment to its container.
type Entry struct {
	ContainerID string `json:"container_id"`
	HostPort    int    `json:"host_port"`
}

// State is the bbolt-backed record of running containers and allocated
// host ports. It exists so reconcile after a restart finds its containers
// instead of starting duplicates.
type State struct {
	db *bolt.DB
}

// OpenState opens (creating if needed) the state file under dir.
func OpenState(dir string) (*State, error) {
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "state.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDeployments); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketPorts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &State{db: db}, nil
}

// Close closes the state file.
func (s *State) Close() error {
	return s.db.Close()
}

// Get returns the entry for a deployment, if present.
func (s *State) Get(id uuid.UUID) (*Entry, bool, error) {
	var entry *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDeployments).Get([]byte(id.String()))
		if raw == nil {
			return nil
		}
		entry = &Entry{}
		return json.Unmarshal(raw, entry)
	})
	if err != nil {
		return nil, false, err
	}
	return entry, entry != nil, nil
}

// Put records the deployment's container and port.
func (s *State) Put(id uuid.UUID, entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).Put([]byte(id.String()), raw)
	})
}

// Delete removes the deployment's entry and frees its port.
func (s *State) Delete(id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		raw := b.Get([]byte(id.String()))
		if raw == nil {
			return nil
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPorts).Delete(portKey(entry.HostPort)); err != nil {
			return err
		}
		return b.Delete([]byte(id.String()))
	})
}

// AllocatePort claims the lowest free port in [start, end].
func (s *State) AllocatePort(start, end int) (int, error) {
	var allocated int
	err := s.db.Update(func(tx *bolt.Tx) error {
		ports := tx.Bucket(bucketPorts)
		for port := start; port <= end; port++ {
			if ports.Get(portKey(port)) == nil {
				allocated = port
				return ports.Put(portKey(port), []byte{1})
			}
		}
		return fmt.Errorf("no free ports in range %d-%d", start, end)
	})
	if err != nil {
		return 0, err
	}
	return allocated, nil
}

// ReleasePort frees a port claimed by AllocatePort.
func (s *State) ReleasePort(port int) {
	_ = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPorts).Delete(portKey(port))
	})
}

func portKey(port int) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, uint32(port))
	return key
}
