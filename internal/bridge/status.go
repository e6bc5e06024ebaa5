package bridge

import "localmind/pkg/types"

// Status is a read-only view of the Bridge state.
type Status struct {
	LoadedModel   string                   `json:"loaded_model,omitempty"`
	LoadedPath    string                   `json:"loaded_path,omitempty"`
	Mode          string                   `json:"mode,omitempty"`
	QueueLen      int                      `json:"queue_len"`
	Inflight      int                      `json:"inflight"`
	MaxQueueDepth int                      `json:"max_queue_depth"`
	Downloads     []types.DownloadProgress `json:"downloads,omitempty"`
}

// Status returns a snapshot of the loaded model, admission queue and
// downloads in progress.
func (b *Bridge) Status() Status {
	st := Status{
		Mode:          b.eng.Mode(),
		QueueLen:      len(b.queueCh),
		Inflight:      len(b.genCh),
		MaxQueueDepth: cap(b.queueCh),
	}
	if path, ok := b.eng.Loaded(); ok {
		st.LoadedPath = path
		for _, d := range b.catalog.List() {
			if b.dl.Path(d) == path {
				st.LoadedModel = d.ID
				break
			}
		}
	}
	for _, d := range b.catalog.List() {
		if p, ok := b.dl.Status(d.ID); ok {
			st.Downloads = append(st.Downloads, p)
		}
	}
	return st
}
