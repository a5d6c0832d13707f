package automation

// Kind names an event variant on the bus.
type Kind string

const (
	KindServiceWorkerRegistration Kind = "service-worker:registration"
	KindServiceWorkerClientEvent  Kind = "service-worker:client-event"
	KindDownloadLinkClicked       Kind = "download:link-clicked"
	KindDownloadCreated           Kind = "download:created"
	KindDownloadProgress          Kind = "download:progress"
	KindDownloadCompleted         Kind = "download:completed"
	KindDownloadCanceled          Kind = "download:canceled"
	KindTargetCrashed             Kind = "target:crashed"
	KindFrameNavigated            Kind = "frame:navigated"
	KindFrameRemoved              Kind = "frame:removed"
)

// Event is one normalized automation event. Each variant is its own type.
type Event interface {
	Kind() Kind
}

// ServiceWorkerRegistration reports a page calling navigator.serviceWorker.register.
type ServiceWorkerRegistration struct {
	ScriptURL       string `json:"scriptURL"`
	Scope           string `json:"scope,omitempty"`
	InitiatorOrigin string `json:"initiatorOrigin,omitempty"`
	FrameID         string `json:"frameId,omitempty"`
}

// ServiceWorkerClientEvent reports a page observing its controlling service worker change.
type ServiceWorkerClientEvent struct {
	Type      string `json:"type"`
	ScriptURL string `json:"scriptURL,omitempty"`
	Scope     string `json:"scope,omitempty"`
	FrameID   string `json:"frameId,omitempty"`
}

// DownloadLinkClicked reports a click on an anchor with a download attribute, or a navigation
// that requested a download.
type DownloadLinkClicked struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	FrameID  string `json:"frameId,omitempty"`
}

type DownloadCreated struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	FilePath string `json:"filePath"`
	MIME     string `json:"mime,omitempty"`
}

type DownloadProgress struct {
	ID       string `json:"id"`
	Received int64  `json:"received"`
	Total    int64  `json:"total"`
}

type DownloadCompleted struct {
	ID       string `json:"id"`
	FilePath string `json:"filePath"`
}

type DownloadCanceled struct {
	ID string `json:"id"`
}

// TargetCrashed reports a renderer crash of the primary target.
type TargetCrashed struct {
	Browser   string `json:"browser"`
	TargetID  string `json:"targetId"`
	Status    string `json:"status,omitempty"`
	ErrorCode int64  `json:"errorCode,omitempty"`
}

// FrameNavigated reports a frame committing a navigation, either observed or synthesized by
// FrameTree.Reconcile.
type FrameNavigated struct {
	FrameID   string `json:"frameId"`
	ParentID  string `json:"parentId,omitempty"`
	URL       string `json:"url"`
	Synthetic bool   `json:"synthetic,omitempty"`
}

type FrameRemoved struct {
	FrameID   string `json:"frameId"`
	Synthetic bool   `json:"synthetic,omitempty"`
}

func (ServiceWorkerRegistration) Kind() Kind { return KindServiceWorkerRegistration }
func (ServiceWorkerClientEvent) Kind() Kind  { return KindServiceWorkerClientEvent }
func (DownloadLinkClicked) Kind() Kind       { return KindDownloadLinkClicked }
func (DownloadCreated) Kind() Kind           { return KindDownloadCreated }
func (DownloadProgress) Kind() Kind          { return KindDownloadProgress }
func (DownloadCompleted) Kind() Kind         { return KindDownloadCompleted }
func (DownloadCanceled) Kind() Kind          { return KindDownloadCanceled }
func (TargetCrashed) Kind() Kind             { return KindTargetCrashed }
func (FrameNavigated) Kind() Kind            { return KindFrameNavigated }
func (FrameRemoved) Kind() Kind              { return KindFrameRemoved }
