// Package project holds the static per-tenant table: each project binds a
// name to its MQTT topic pair, its system prompt, and its default generation
// parameters. The table is populated once at startup and never mutated.
package project

import (
	"fmt"
	"strings"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// sessionPlaceholder is replaced by the session id when synthesizing a reply
// topic from a project template.
const sessionPlaceholder = "{sessionId}"

// Project describes one logical tenant. Immutable once loaded.
type Project struct {
	// Name identifies the project and prefixes its default topics.
	Name string

	// SystemPrompt is prepended to every prompt unless the request carries
	// its own override.
	SystemPrompt string

	// InputTopic is the MQTT topic the gateway subscribes to for this
	// project.
	InputTopic string

	// ReplyTopicTemplate synthesizes the reply topic for frames that do not
	// name one. It must contain the "{sessionId}" placeholder.
	ReplyTopicTemplate string

	// Defaults are the generation parameters applied when the request does
	// not override them.
	Defaults llm.GenParams
}

// New builds a Project with the conventional topic pair for name:
// "<name>/user_input" in, "<name>/assistant_response/{sessionId}" out.
func New(name, systemPrompt string, defaults llm.GenParams) Project {
	return Project{
		Name:               name,
		SystemPrompt:       systemPrompt,
		InputTopic:         name + "/user_input",
		ReplyTopicTemplate: name + "/assistant_response/" + sessionPlaceholder,
		Defaults:           defaults,
	}
}

// ReplyTopic applies the project's template to the given session id.
func (p Project) ReplyTopic(sessionID string) string {
	return strings.ReplaceAll(p.ReplyTopicTemplate, sessionPlaceholder, sessionID)
}

// Validate checks the invariants a project must satisfy before the gateway
// subscribes on its behalf.
func (p Project) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("project name must not be empty")
	}
	if strings.ContainsAny(p.Name, "#+/") {
		return fmt.Errorf("project %q: name must not contain MQTT wildcard or separator characters", p.Name)
	}
	if p.InputTopic == "" {
		return fmt.Errorf("project %q: input topic must not be empty", p.Name)
	}
	if !strings.Contains(p.ReplyTopicTemplate, sessionPlaceholder) {
		return fmt.Errorf("project %q: reply topic template must contain %s", p.Name, sessionPlaceholder)
	}
	return nil
}

// Registry maps project names to their immutable records. Safe for
// concurrent reads; never mutated after construction.
type Registry struct {
	byName  map[string]Project
	byTopic map[string]Project
	ordered []Project
}

// NewRegistry builds a Registry from the given projects. Duplicate names or
// input topics are rejected.
func NewRegistry(projects []Project) (*Registry, error) {
	if len(projects) == 0 {
		return nil, fmt.Errorf("at least one project must be enabled")
	}

	r := &Registry{
		byName:  make(map[string]Project, len(projects)),
		byTopic: make(map[string]Project, len(projects)),
	}
	for _, p := range projects {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate project name %q", p.Name)
		}
		if prev, dup := r.byTopic[p.InputTopic]; dup {
			return nil, fmt.Errorf("projects %q and %q share input topic %q", prev.Name, p.Name, p.InputTopic)
		}
		r.byName[p.Name] = p
		r.byTopic[p.InputTopic] = p
		r.ordered = append(r.ordered, p)
	}
	return r, nil
}

// Lookup returns the project with the given name.
func (r *Registry) Lookup(name string) (Project, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// LookupTopic returns the project owning the given concrete topic. Exact
// input-topic matches resolve first. Otherwise MQTT filter semantics apply:
// an input topic containing wildcards matches the delivered concrete topic,
// and a topic extending the input topic by one level matches too, since
// plain-text payloads arrive on the "<input>/+" subscription with the
// session id in the extra level.
func (r *Registry) LookupTopic(topic string) (Project, bool) {
	if p, ok := r.byTopic[topic]; ok {
		return p, true
	}
	for _, p := range r.ordered {
		if topicMatches(p.InputTopic, topic) || topicMatches(p.InputTopic+"/+", topic) {
			return p, true
		}
	}
	return Project{}, false
}

// topicMatches reports whether a concrete topic matches an MQTT topic
// filter. "+" matches exactly one level, "#" matches the remainder.
func topicMatches(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

// All returns the projects in registration order.
func (r *Registry) All() []Project {
	return r.ordered
}
