package person

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidBlock is returned for malformed notification blocks
var ErrInvalidBlock = errors.New("invalid notification block")

// Call invokes one channel. An empty Destination means the person's own
// contact for that channel.
type Call struct {
	Channel     string
	Destination string
}

func (c Call) String() string {
	if c.Destination == "" {
		return c.Channel
	}
	return c.Channel + ":" + c.Destination
}

// Step is a fallback chain: calls are tried in order until one succeeds
type Step []Call

func (s Step) String() string {
	parts := make([]string, 0, len(s))
	for _, c := range s {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, " || ")
}

// Block is what a person wants done at one notification level. Every step
// runs; the block succeeds when at least one step does.
type Block []Step

// ParseStep parses "sms || email:ops@example.com"
func ParseStep(s string) (Step, error) {
	var step Step
	for _, part := range strings.Split(s, "||") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("%w: empty call in %q", ErrInvalidBlock, s)
		}
		name, dest, _ := strings.Cut(part, ":")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return nil, fmt.Errorf("%w: missing channel in %q", ErrInvalidBlock, s)
		}
		step = append(step, Call{Channel: name, Destination: strings.TrimSpace(dest)})
	}
	return step, nil
}

// ParseBlock parses a list of steps
func ParseBlock(steps []string) (Block, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: no steps", ErrInvalidBlock)
	}
	block := make(Block, 0, len(steps))
	for _, s := range steps {
		step, err := ParseStep(s)
		if err != nil {
			return nil, err
		}
		block = append(block, step)
	}
	return block, nil
}

// Channels lists every channel the block may call
func (b Block) Channels() []string {
	seen := make(map[string]bool)
	var names []string
	for _, step := range b {
		for _, c := range step {
			if !seen[c.Channel] {
				seen[c.Channel] = true
				names = append(names, c.Channel)
			}
		}
	}
	return names
}
