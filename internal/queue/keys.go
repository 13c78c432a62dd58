package queue

import "github.com/you/jobq/internal/domain"

const DefaultPrefix = "jobq"

type keys struct {
	base string
}

func newKeys(prefix, queue string) keys {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return keys{base: prefix + ":" + queue + ":"}
}

func (k keys) wait() string { return k.base + "wait" }
func (k keys) paused() string { return k.base + "paused" }
func (k keys) meta() string { return k.base + "meta" }
func (k keys) prioritized() string { return k.base + "prioritized" }
func (k keys) priorityCounter() string { return k.base + "pc" }
func (k keys) delayed() string { return k.base + "delayed" }
func (k keys) active() string { return k.base + "active" }
func (k keys) completed() string { return k.base + "completed" }
func (k keys) failed() string { return k.base + "failed" }
func (k keys) waitingChildren() string { return k.base + "waiting-children" }
func (k keys) jobPrefix() string { return k.base + "job:" }
func (k keys) job(id string) string { return k.jobPrefix() + id }
func (k keys) logs(id string) string { return k.job(id) + ":logs" }
func (k keys) dedup(id string) string { return k.base + "de:" + id }

// script returns the KEYS layout shared by every Lua script.
func (k keys) script() []string {
	return []string{
		k.wait(), k.paused(), k.meta(), k.prioritized(), k.priorityCounter(),
		k.delayed(), k.active(), k.completed(), k.failed(), k.waitingChildren(),
	}
}

func (k keys) state(s domain.State) string {
	switch s {
	case domain.Waiting:
		return k.wait()
	case domain.Paused:
		return k.paused()
	case domain.Prioritized:
		return k.prioritized()
	case domain.Delayed:
		return k.delayed()
	case domain.Active:
		return k.active()
	case domain.Completed:
		return k.completed()
	case domain.Failed:
		return k.failed()
	case domain.WaitingChildren:
		return k.waitingChildren()
	}
	return ""
}

// isList reports whether the state is stored as a list rather than a sorted set.
func isList(s domain.State) bool {
	return s == domain.Waiting || s == domain.Paused
}
