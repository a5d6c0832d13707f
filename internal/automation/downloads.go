package automation

import (
	"mime"
	"path/filepath"
	"sync"
)

// Download progress states as reported by the browser.
const (
	DownloadStateInProgress = "inProgress"
	DownloadStateCompleted  = "completed"
	DownloadStateCanceled   = "canceled"
)

// finishedMemory bounds how many finished ids are remembered to suppress late notifications.
const finishedMemory = 256

type download struct {
	path string
}

// Downloads turns browser download notifications into the sequence
// created -> progress* -> completed|canceled. Every id reaches exactly one terminal event.
type Downloads struct {
	mu    sync.Mutex
	dir   string
	items map[string]*download

	// finished ids, oldest first, so repeats after a terminal event stay silent.
	finished     map[string]struct{}
	finishedList []string
}

// NewDownloads tracks downloads saved under dir.
func NewDownloads(dir string) *Downloads {
	return &Downloads{dir: dir, items: make(map[string]*download), finished: make(map[string]struct{})}
}

// Dir is the folder downloads are saved to.
func (d *Downloads) Dir() string { return d.dir }

// WillBegin registers a download and returns its DownloadCreated. A repeated id yields nothing.
func (d *Downloads) WillBegin(id, url, suggestedFilename string) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.items[id]; ok {
		return nil
	}
	if _, ok := d.finished[id]; ok {
		return nil
	}
	path := filepath.Join(d.dir, safeName(suggestedFilename, id))
	d.items[id] = &download{path: path}
	return []Event{DownloadCreated{ID: id, URL: url, FilePath: path, MIME: MIMEType(suggestedFilename)}}
}

// Progress maps one progress notification. Unknown and finished ids yield nothing.
func (d *Downloads) Progress(id, state string, received, total int64) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	item, ok := d.items[id]
	if !ok {
		return nil
	}
	switch state {
	case DownloadStateInProgress:
		return []Event{DownloadProgress{ID: id, Received: received, Total: total}}
	case DownloadStateCompleted:
		d.finishLocked(id)
		return []Event{DownloadCompleted{ID: id, FilePath: item.path}}
	case DownloadStateCanceled:
		d.finishLocked(id)
		return []Event{DownloadCanceled{ID: id}}
	}
	return nil
}

func (d *Downloads) finishLocked(id string) {
	delete(d.items, id)
	d.finished[id] = struct{}{}
	d.finishedList = append(d.finishedList, id)
	if len(d.finishedList) > finishedMemory {
		delete(d.finished, d.finishedList[0])
		d.finishedList[0] = ""
		d.finishedList = d.finishedList[1:]
	}
}

// safeName keeps the last element of the suggested name. Names that would resolve outside the
// download folder fall back to id.
func safeName(suggested, id string) string {
	if suggested == "" {
		return id
	}
	name := filepath.Base(suggested)
	switch name {
	case ".", "..", string(filepath.Separator):
		return id
	}
	return name
}

// Active returns the number of downloads without a terminal event.
func (d *Downloads) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// MIMEType derives a media type from the file extension of name, without parameters. Unknown
// extensions yield "".
func MIMEType(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return ""
	}
	t := mime.TypeByExtension(ext)
	if t == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(t)
	if err != nil {
		return t
	}
	return mt
}
