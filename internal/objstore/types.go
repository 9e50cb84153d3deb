package objstore

import (
	"time"

	"github.com/mattjoyce/triggerhost/internal/blobpath"
	"github.com/mattjoyce/triggerhost/internal/trigger"
)

// ErrNotFound is returned when a container/name pair does not exist.
var ErrNotFound = trigger.ErrNotFound

type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Object is a stored blob. Data is only populated by Get.
type Object struct {
	Container   string
	Name        string
	ETag        string
	ContentType string
	Size        int64
	ModifiedAt  time.Time
	Data        []byte
}

// Path returns "container/name".
func (o Object) Path() string { return blobpath.Join(o.Container, o.Name) }

// Change is one change-log entry. Seq is strictly increasing.
type Change struct {
	Seq        int64
	Container  string
	Name       string
	Op         Op
	ModifiedAt time.Time
}

// Path returns "container/name".
func (c Change) Path() string { return blobpath.Join(c.Container, c.Name) }
