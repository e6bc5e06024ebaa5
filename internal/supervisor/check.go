package supervisor

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// RuntimeReport describes whether the runtime executable can be started.
type RuntimeReport struct {
	Found bool   `json:"found"`
	Path  string `json:"path,omitempty"`
	// Fetchable is set when the binary is missing but a download is configured.
	Fetchable bool   `json:"fetchable,omitempty"`
	Running   bool   `json:"running"`
	Error     string `json:"error,omitempty"`
}

// Check reports on the runtime executable without starting or fetching it.
func (s *Supervisor) Check() RuntimeReport {
	r := RuntimeReport{Running: s.IsReady()}
	bin := strings.TrimSpace(s.cfg.Binary)
	if bin == "" && s.cfg.Runtime != nil {
		dir := s.cfg.Runtime.Dir
		if dir == "" && s.cfg.Fetcher != nil {
			dir = s.cfg.Fetcher.cfg.Dir
		}
		if dir != "" {
			bin = filepath.Join(dir, filepath.Base(s.cfg.Runtime.Name))
		}
	}
	switch {
	case bin == "":
		r.Error = "runtime binary not configured"
	case strings.ContainsRune(bin, os.PathSeparator):
		r.Path = bin
		if fi, err := os.Stat(bin); err != nil {
			r.Error = err.Error()
		} else if fi.IsDir() {
			r.Error = "runtime path is a directory"
		} else {
			r.Found = true
		}
	default:
		if lp, err := exec.LookPath(bin); err == nil {
			r.Found, r.Path = true, lp
		} else {
			r.Error = err.Error()
		}
	}
	if !r.Found && s.cfg.Runtime != nil {
		r.Fetchable = true
	}
	return r
}
