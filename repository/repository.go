// Package repository holds the live attributes and event subscriptions of
// one resource. The attribute repository connects attributes from their
// descriptors, dispatches inbound events to every push attribute in
// parallel and serves batch reads and writes with a timeout. The
// notification repository matches events against subscriptions and hands
// deliveries to the connector's worker pool.
package repository

import (
	"github.com/c360/attrstream/pkg/worker"
)

// Executor runs tasks asynchronously. *worker.Pool[worker.Task] is the
// production implementation.
type Executor interface {
	Submit(task worker.Task) error
}
