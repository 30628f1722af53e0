// Package sse tails the change log over Server-Sent Events.
//
// GET /sync/events?since=n streams every change log entry after n as
// "changes" events whose data is a pull response ({"items": [...]}) and
// whose id is the checkpoint of the last item. A reconnecting client
// resumes with Last-Event-ID, so nothing is skipped or repeated.
package sse

import (
	"time"

	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

const component = "transport/sse"

// Path is where Server is mounted.
const Path = synckit.PathEvents

// EventChanges names the event carrying change log entries.
const EventChanges = "changes"

const (
	defaultBatchSize = synckit.DefaultPullLimit
	defaultKeepAlive = 15 * time.Second
	defaultPoll      = 2 * time.Second
)
