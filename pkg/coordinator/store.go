package coordinator

import (
	"encoding/json"
	"fmt"

	"github.com/rowkv/cluster/pkg/storage"
)

const (
	bucketLetters = "letter_to_group"
	bucketGroups  = "group_members"
)

// Store persists a computed Assignment to a small bbolt database. The
// coordinator recomputes the assignment on every start and overwrites the
// stored copy; LoadAssignment reads it back without a running coordinator
// process.
type Store struct {
	db *storage.Store
}

// OpenStore opens (creating if necessary) a topology database at path.
func OpenStore(path string) (*Store, error) {
	db, err := storage.Open(path, bucketLetters, bucketGroups)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// SaveAssignment persists every letter→group and group→members entry.
func (s *Store) SaveAssignment(a Assignment) error {
	for letter, group := range a.LetterToGroup {
		if err := s.db.Put(bucketLetters, string(letter), group); err != nil {
			return fmt.Errorf("persist letter %q: %w", letter, err)
		}
	}
	for i, g := range a.Groups {
		if err := s.db.Put(bucketGroups, groupKey(i), g); err != nil {
			return fmt.Errorf("persist group %d: %w", i, err)
		}
	}
	return nil
}

// LoadAssignment reconstructs an Assignment from the database, e.g. for
// the admin console's topology queries. It does not require a running
// Coordinator.
func LoadAssignment(path string) (Assignment, error) {
	db, err := storage.Open(path, bucketLetters, bucketGroups)
	if err != nil {
		return Assignment{}, err
	}
	defer db.Close()

	letterToGroup := make(map[byte]int)
	if err := db.ForEach(bucketLetters, func(key string, raw []byte) error {
		var group int
		if err := json.Unmarshal(raw, &group); err != nil {
			return err
		}
		letterToGroup[key[0]] = group
		return nil
	}); err != nil {
		return Assignment{}, err
	}

	var groups []GroupMembers
	if err := db.ForEach(bucketGroups, func(key string, raw []byte) error {
		var g GroupMembers
		if err := json.Unmarshal(raw, &g); err != nil {
			return err
		}
		groups = append(groups, g)
		return nil
	}); err != nil {
		return Assignment{}, err
	}

	return Assignment{LetterToGroup: letterToGroup, Groups: groups}, nil
}

// groupKey formats a group index as a fixed-width, lexicographically
// sortable key so ForEach (which iterates bbolt's byte-ordered keys)
// reconstructs Groups in index order.
func groupKey(i int) string {
	return fmt.Sprintf("%04d", i)
}
