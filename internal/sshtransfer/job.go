// Package sshtransfer moves single files between the gateway and remote hosts
// over an SFTP sub-channel of a dedicated SSH connection.
package sshtransfer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction of a transfer.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Status of a Job.
type Status string

const (
	StatusPending      Status = "pending"
	StatusValidating   Status = "validating"
	StatusTransferring Status = "transferring"
	StatusComplete     Status = "complete"
	StatusFailed       Status = "failed"
)

// Job tracks one transfer. Status only moves forward; complete and failed are
// terminal.
type Job struct {
	ID         string
	Direction  Direction
	LocalPath  string
	RemotePath string
	Size       int64
	Started    time.Time

	mu      sync.Mutex
	status  Status
	history []Status
}

func newJob(dir Direction, localPath, remotePath string) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Direction:  dir,
		LocalPath:  localPath,
		RemotePath: remotePath,
		Started:    time.Now(),
		status:     StatusPending,
		history:    []Status{StatusPending},
	}
}

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// History returns every status the job has been in, in order.
func (j *Job) History() []Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Status(nil), j.history...)
}

func (j *Job) setStatus(s Status) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == StatusComplete || j.status == StatusFailed || j.status == s {
		return
	}
	j.status = s
	j.history = append(j.history, s)
}

// finish marks the job complete when err is nil and failed otherwise.
func (j *Job) finish(err error) {
	if err != nil {
		j.setStatus(StatusFailed)
		return
	}
	j.setStatus(StatusComplete)
}
