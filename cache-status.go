package offlinecache

import "fmt"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// The worker was configured to not handle this request.
	CacheStatusFwdBypass CacheStatusFwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	CacheStatusFwdMethod CacheStatusFwdReason = "method"

	// The store did not contain any responses that matched the
	// request URI.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"

	// The store contained a response, but the strategy always goes to the
	// network first.
	CacheStatusFwdRequest CacheStatusFwdReason = "request"

	// The store contained a response, but it is being revalidated.
	CacheStatusFwdStale CacheStatusFwdReason = "stale"
)

// CacheStatus is the value of the Cache-Status response header.
type CacheStatus struct {
	Status    CacheStatusStatus
	FwdReason CacheStatusFwdReason
	FwdStatus int
	Stored    bool
	Detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = CacheStatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.Status = CacheStatusFwd
	cs.FwdReason = reason
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("OfflineCache; %s", cs.Status)
	if cs.Status == CacheStatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.FwdStatus != 0 {
		status = fmt.Sprintf("%s; fwd-status=%d", status, cs.FwdStatus)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.Detail != "" {
		status = status + "; detail=" + cs.Detail
	}
	return status
}
