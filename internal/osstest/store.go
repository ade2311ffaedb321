// Package osstest provides in-process fakes of the storage control API and of the storage
// service behind its signed URLs.
package osstest

import (
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Store keeps objects and unfinished multipart uploads in memory.
type Store struct {
	mu       sync.Mutex
	objects  map[string][]byte
	sessions map[string]*session
	grants   map[string]grant
}

type session struct {
	bucket    string
	key       string
	partCount int
	parts     map[int][]byte
}

type grant struct {
	bucket string
	key    string
	access string
}

// NewStore ...
func NewStore() *Store {
	return &Store{
		objects:  map[string][]byte{},
		sessions: map[string]*session{},
		grants:   map[string]grant{},
	}
}

func objectID(bucket, key string) string {
	return bucket + "/" + key
}

// Object returns a copy of the stored object.
func (s *Store) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[objectID(bucket, key)]
	if !ok {
		return nil, false
	}
	return append([]byte{}, data...), true
}

// PutObject stores or replaces an object.
func (s *Store) PutObject(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[objectID(bucket, key)] = append([]byte{}, data...)
}

// OpenSessions returns the number of multipart uploads that were started but not completed.
func (s *Store) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

func (s *Store) startSession(bucket, key string, partCount int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	uploadKey := uuid.NewString()
	s.sessions[uploadKey] = &session{bucket: bucket, key: key, partCount: partCount, parts: map[int][]byte{}}
	return uploadKey
}

// putPart stores part index of the session and returns its ETag.
func (s *Store) putPart(uploadKey string, index int, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[uploadKey]
	if !ok {
		return "", fmt.Errorf("unknown upload %s", uploadKey)
	}
	if index < 0 || (sess.partCount > 0 && index >= sess.partCount) {
		return "", fmt.Errorf("part %d out of range", index)
	}
	sess.parts[index] = append([]byte{}, data...)

	return etag(data), nil
}

// complete assembles the parts of the session into the object. Parts must be contiguous from 0.
func (s *Store) complete(uploadKey, bucket, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[uploadKey]
	if !ok {
		return nil, fmt.Errorf("unknown upload %s", uploadKey)
	}
	if sess.bucket != bucket || sess.key != key {
		return nil, fmt.Errorf("upload %s belongs to %s", uploadKey, objectID(sess.bucket, sess.key))
	}

	indexes := make([]int, 0, len(sess.parts))
	for i := range sess.parts {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var data []byte
	for want, got := range indexes {
		if want != got {
			return nil, fmt.Errorf("part %d is missing", want)
		}
		data = append(data, sess.parts[got]...)
	}
	if len(indexes) == 0 || (sess.partCount > 0 && len(indexes) != sess.partCount) {
		return nil, fmt.Errorf("%d of %d parts uploaded", len(indexes), sess.partCount)
	}

	s.objects[objectID(bucket, key)] = data
	delete(s.sessions, uploadKey)

	return append([]byte{}, data...), nil
}

func (s *Store) issueGrant(bucket, key, access string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.grants[id] = grant{bucket: bucket, key: key, access: access}
	return id
}

func (s *Store) grant(id string) (grant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[id]
	return g, ok
}

func etag(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return fmt.Sprintf("%q", hex.EncodeToString(sum[:]))
}
