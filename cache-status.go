package offlineruntime

import "fmt"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// The route is not handled by the runtime.
	CacheStatusFwdBypass CacheStatusFwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	CacheStatusFwdMethod CacheStatusFwdReason = "method"

	// The store did not contain a response for the request URI.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"

	// A stored response may exist, but the route strategy prefers
	// the network.
	CacheStatusFwdRequest CacheStatusFwdReason = "request"
)

const (
	// The response was produced without reaching the origin.
	CacheStatusDetailOffline = "offline"
)

// CacheStatus renders the Cache-Status response header (RFC 9211).
type CacheStatus struct {
	status    CacheStatusStatus
	detail    string
	fwdReason CacheStatusFwdReason
	stored    bool
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
	cs.fwdReason = ""
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) IsHit() bool {
	return cs.status == CacheStatusHit
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("OfflineRuntime; %s", cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}

// label is the short form used for metrics
func (cs *CacheStatus) label() string {
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		return string(cs.status) + "=" + string(cs.fwdReason)
	}
	return string(cs.status)
}
