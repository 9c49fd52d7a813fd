// Package store provides the document persistence layer. Documents live at
// slash-separated paths (users/{uid}, rooms/{id}, rooms/{id}/players/{uid},
// rooms/{id}/questions/{index}) and hold JSON objects. Two implementations
// exist: an in-memory store for tests and development, and a PostgreSQL store
// backed by a single JSONB table.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var ErrNotFound = errors.New("store: document not found")

// Snapshot is one document read from a collection listing.
type Snapshot struct {
	ID   string
	Data []byte
}

func (s Snapshot) Decode(dest any) error {
	if err := json.Unmarshal(s.Data, dest); err != nil {
		return fmt.Errorf("failed to decode document %s: %w", s.ID, err)
	}
	return nil
}

// Increment is a field value understood by Update: the named numeric field is
// adjusted by Delta atomically with the rest of the write.
type Increment struct {
	Delta int
}

func Inc(delta int) Increment {
	return Increment{Delta: delta}
}

// Writer stages document writes that commit atomically.
type Writer interface {
	Set(path string, value any)
	Update(path string, fields map[string]any)
	Delete(path string)
}

// Tx is a read-then-write transaction. Reads observe committed state and
// writes are applied atomically when the transaction function returns nil.
type Tx interface {
	Writer
	Get(path string, dest any) error
	List(collection string) ([]Snapshot, error)
}

type Store interface {
	Get(ctx context.Context, path string, dest any) error
	Set(ctx context.Context, path string, value any) error
	// Update merges fields into an existing document. Fails with ErrNotFound
	// if the document does not exist. Increment values adjust numeric fields.
	Update(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error
	// List returns every document directly under the collection, ordered by
	// document id (numeric ids sort numerically).
	List(ctx context.Context, collection string) ([]Snapshot, error)
	DeleteCollection(ctx context.Context, collection string) error
	RunBatch(ctx context.Context, fn func(b Writer) error) error
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// ============================================================================
// DOCUMENT PATHS
// ============================================================================

func UserPath(uid string) string { return "users/" + uid }

func UsernamePath(username string) string { return "usernames/" + username }

func EmailPath(email string) string { return "emails/" + email }

func RoomPath(roomID string) string { return "rooms/" + roomID }

func RoomCodePath(code string) string { return "roomCodes/" + code }

func PlayersCollection(roomID string) string { return "rooms/" + roomID + "/players" }

func PlayerPath(roomID, uid string) string { return PlayersCollection(roomID) + "/" + uid }

func QuestionsCollection(roomID string) string { return "rooms/" + roomID + "/questions" }

func QuestionPath(roomID string, index int) string {
	return QuestionsCollection(roomID) + "/" + strconv.Itoa(index)
}

// splitPath returns the parent collection and document id of a path.
func splitPath(path string) (collection, id string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// sortSnapshots orders snapshots by id, numerically when both ids parse as
// integers. Stringified question indices rely on this.
func sortSnapshots(snaps []Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		a, aErr := strconv.Atoi(snaps[i].ID)
		b, bErr := strconv.Atoi(snaps[j].ID)
		if aErr == nil && bErr == nil {
			return a < b
		}
		return snaps[i].ID < snaps[j].ID
	})
}

// normalize converts an arbitrary value into the plain JSON form it would
// have after a marshal/unmarshal round trip.
func normalize(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}
	return out, nil
}

// applyFields merges an update map into a decoded document, resolving
// Increment sentinels against the current field value.
func applyFields(doc map[string]any, fields map[string]any) error {
	for key, value := range fields {
		if inc, ok := value.(Increment); ok {
			current := 0.0
			if existing, ok := doc[key].(float64); ok {
				current = existing
			}
			doc[key] = current + float64(inc.Delta)
			continue
		}
		normalized, err := normalize(value)
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		doc[key] = normalized
	}
	return nil
}
