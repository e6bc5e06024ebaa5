package artifact

import (
	"encoding/json"
	"io/fs"
	"os"
	"strings"
	"sync"
)

type validationRecord struct {
	Size        int64  `json:"size"`
	ModUnixNano int64  `json:"mod_unix_nano"`
	SHA256      string `json:"sha256"`
}

// validationCache remembers files whose digest was verified, keyed by
// filename. An entry is only honored while size and mtime are unchanged.
// It is persisted next to the artifacts so a restart does not re-hash.
type validationCache struct {
	path string
	mu   sync.Mutex
	recs map[string]validationRecord
}

func loadValidationCache(path string) *validationCache {
	c := &validationCache{path: path, recs: make(map[string]validationRecord)}
	f, err := os.Open(path)
	if err != nil {
		return c
	}
	defer f.Close()
	var data map[string]validationRecord
	if err := json.NewDecoder(f).Decode(&data); err == nil && data != nil {
		c.recs = data
	}
	return c
}

func (c *validationCache) valid(name string, fi fs.FileInfo, sha string) bool {
	c.mu.Lock()
	rec, ok := c.recs[name]
	c.mu.Unlock()
	if !ok {
		return false
	}
	if rec.Size != fi.Size() || rec.ModUnixNano != fi.ModTime().UnixNano() || !strings.EqualFold(rec.SHA256, sha) {
		c.forget(name)
		return false
	}
	return true
}

func (c *validationCache) record(name string, fi fs.FileInfo, sha string) {
	c.mu.Lock()
	c.recs[name] = validationRecord{Size: fi.Size(), ModUnixNano: fi.ModTime().UnixNano(), SHA256: strings.ToLower(sha)}
	c.mu.Unlock()
	c.save()
}

func (c *validationCache) forget(name string) {
	c.mu.Lock()
	_, ok := c.recs[name]
	delete(c.recs, name)
	c.mu.Unlock()
	if ok {
		c.save()
	}
}

func (c *validationCache) save() {
	if c.path == "" {
		return
	}
	c.mu.Lock()
	b, err := json.MarshalIndent(c.recs, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, c.path)
}
