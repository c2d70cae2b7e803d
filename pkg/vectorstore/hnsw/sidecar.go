package hnsw

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/hermesindex/hermesindex/pkg/vectorstore"
)

// sidecarRecord is one line of the append-only payloads.jsonl file
//.
type sidecarRecord struct {
	ID      int64               `json:"id"`
	Payload vectorstore.Payload `json:"payload"`
	Tomb    bool                `json:"tomb,omitempty"`
}

// sidecar is the append-only JSON-Lines log of {id -> payload}, rebuilt
// into an in-memory map on open.
type sidecar struct {
	path string

	mu   sync.RWMutex
	file *os.File
	byID map[int64]vectorstore.Payload
}

func openSidecar(path string) (*sidecar, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	s := &sidecar{path: path, file: f, byID: make(map[int64]vectorstore.Payload)}
	if err := s.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// replay rebuilds byID from the log, applying records in file order so a
// later tombstone or overwrite wins over an earlier record for the same
// id — this is how upsert-then-delete-then-crash recovers correctly.
func (s *sidecar) replay() error {
	if _, err := s.file.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(s.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec sidecarRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A partially-written trailing line from a crash mid-append;
			// stop replay here rather than fail open.
			break
		}
		if rec.Tomb {
			delete(s.byID, rec.ID)
			continue
		}
		s.byID[rec.ID] = rec.Payload
	}
	if _, err := s.file.Seek(0, 2); err != nil {
		return err
	}
	return scanner.Err()
}

func (s *sidecar) append(rec sidecarRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := s.file.Write(line); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *sidecar) put(id int64, payload vectorstore.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.append(sidecarRecord{ID: id, Payload: payload}); err != nil {
		return err
	}
	s.byID[id] = payload
	return nil
}

func (s *sidecar) delete(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.append(sidecarRecord{ID: id, Tomb: true}); err != nil {
		return err
	}
	delete(s.byID, id)
	return nil
}

func (s *sidecar) get(id int64) (vectorstore.Payload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	return p, ok
}

func (s *sidecar) ids() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.byID))
	for id := range s.byID {
		out = append(out, id)
	}
	return out
}

func (s *sidecar) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *sidecar) close() error {
	return s.file.Close()
}
