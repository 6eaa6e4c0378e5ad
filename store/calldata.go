package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"price-store/api"
	"price-store/server"
)

// callStatus is the lifecycle stage of one inbound call. It only moves forward.
type callStatus int

const (
	statusCreate  callStatus = iota // registered for the next inbound request
	statusProcess                   // bound to a request, job submitted
	statusFinish                    // reply send initiated, waiting for its completion
)

func (s callStatus) String() string {
	switch s {
	case statusCreate:
		return "CREATE"
	case statusProcess:
		return "PROCESS"
	case statusFinish:
		return "FINISH"
	default:
		return fmt.Sprintf("callStatus(%d)", int(s))
	}
}

// callData is the state of one in-flight Store.GetProducts call. It lives in the
// dispatch loop's call registry from registration until its reply completes.
//
// The loop and the job never touch it concurrently: the loop hands it to a worker
// when it submits the job and gets it back through the completion queue when Finish
// posts its tag.
type callData struct {
	tag       server.Tag
	status    callStatus
	call      server.ServerCall
	requestID uuid.UUID
	started   time.Time

	query api.ProductQuery
	reply api.ProductReply
}
