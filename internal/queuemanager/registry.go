package queuemanager

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/jobq/internal/domain"
)

// DeduplicationIDBuilder derives a deduplication id from a payload. A blank
// result rejects the payload.
type DeduplicationIDBuilder func(payload any) (string, error)

type QueueConfig struct {
	QueueID string
	// Grouping labels the queue on dashboards, outermost group first.
	Grouping          []string
	Schema            Schema
	DefaultJobOptions domain.JobOptions

	DeduplicationIDBuilder DeduplicationIDBuilder
	DeduplicationTTL       time.Duration
}

// Registry holds the static configuration of every known queue.
type Registry struct {
	service string
	order   []string
	configs map[string]QueueConfig
}

func NewRegistry(service string, configs ...QueueConfig) (*Registry, error) {
	reg := &Registry{service: service, configs: make(map[string]QueueConfig, len(configs))}
	for _, c := range configs {
		if strings.TrimSpace(c.QueueID) == "" {
			return nil, ErrEmptyQueueID
		}
		if _, ok := reg.configs[c.QueueID]; ok {
			return nil, errors.Wrap(ErrDuplicateQueueConfig, c.QueueID)
		}
		c.Grouping = append([]string(nil), c.Grouping...)
		reg.configs[c.QueueID] = c
		reg.order = append(reg.order, c.QueueID)
	}
	return reg, nil
}

func (r *Registry) Get(queueID string) (QueueConfig, bool) {
	c, ok := r.configs[queueID]
	return c, ok
}

// IDs returns queue ids in registration order.
func (r *Registry) IDs() []string { return append([]string(nil), r.order...) }

// DashboardQueueName namespaces a queue id with the service name and the
// queue's grouping labels, e.g. "billing.invoices.send-invoice".
func (r *Registry) DashboardQueueName(queueID string) string {
	parts := make([]string, 0, 4)
	if r.service != "" {
		parts = append(parts, r.service)
	}
	if c, ok := r.configs[queueID]; ok {
		parts = append(parts, c.Grouping...)
	}
	return strings.Join(append(parts, queueID), ".")
}
