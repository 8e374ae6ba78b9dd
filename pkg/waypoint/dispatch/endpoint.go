package dispatch

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

// placeholderPattern matches ${name}.
var placeholderPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// endpointVars are the placeholders an endpoint may use. Both derive from
// the agent alone, which a routed handle carries, so Cancel reaches the
// executor that received the step.
var endpointVars = []string{"agent", "stage"}

// UnknownPlaceholderError is returned for an endpoint that references
// placeholders other than ${agent} and ${stage}.
type UnknownPlaceholderError struct {
	Names []string
}

// Error implements the error interface.
func (e *UnknownPlaceholderError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("unknown endpoint placeholder: %s", e.Names[0])
	}
	return fmt.Sprintf("unknown endpoint placeholders: %s", strings.Join(e.Names, ", "))
}

// Endpoint is an executor URL. It may route stages to separate executors:
//
//	http://executors.internal/${agent}/steps
//	http://executor-${stage}:8000/steps
type Endpoint struct {
	raw    string
	routed bool
}

// ParseEndpoint validates raw as an absolute http(s) URL template.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")

	var unknown []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(raw, -1) {
		if !slices.Contains(endpointVars, m[1]) && !slices.Contains(unknown, m[1]) {
			unknown = append(unknown, m[1])
		}
	}
	if len(unknown) > 0 {
		return Endpoint{}, &UnknownPlaceholderError{Names: unknown}
	}

	u, err := url.Parse(placeholderPattern.ReplaceAllString(raw, "x"))
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid executor endpoint %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Endpoint{}, fmt.Errorf("invalid executor endpoint %q: want an absolute http(s) URL", raw)
	}
	return Endpoint{raw: raw, routed: placeholderPattern.MatchString(raw)}, nil
}

// Routed reports whether the URL depends on the agent.
func (e Endpoint) Routed() bool {
	return e.routed
}

// Resolve returns the URL for agent's executor.
func (e Endpoint) Resolve(agent session.AgentType) string {
	if !e.routed {
		return e.raw
	}
	return placeholderPattern.ReplaceAllStringFunc(e.raw, func(match string) string {
		if match[2:len(match)-1] == "agent" {
			return url.PathEscape(string(agent))
		}
		return strconv.Itoa(agent.Stage())
	})
}

func (e Endpoint) String() string {
	return e.raw
}

// handleSep joins the agent and id of a routed handle.
const handleSep = ":"

func routedHandle(agent session.AgentType, h Handle) Handle {
	return Handle(string(agent) + handleSep + string(h))
}

func splitHandle(h Handle) (session.AgentType, bool) {
	agent, _, ok := strings.Cut(string(h), handleSep)
	if !ok || !session.AgentType(agent).Valid() {
		return "", false
	}
	return session.AgentType(agent), true
}
