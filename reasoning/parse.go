package reasoning

import (
	"strconv"
	"strings"
)

// parseChain extracts steps and the final answer from a chain-of-thought
// response. Lines outside the declared format are ignored; a step with no
// Confidence line defaults to 0.5.
func parseChain(text string) ([]Step, string) {
	var (
		steps   []Step
		current *Step
		answer  string
	)
	flush := func() {
		if current != nil {
			steps = append(steps, *current)
			current = nil
		}
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Step "):
			flush()
			rest := strings.TrimPrefix(line, "Step ")
			numStr, desc, ok := strings.Cut(rest, ":")
			if !ok {
				continue
			}
			num, err := strconv.Atoi(strings.TrimSpace(numStr))
			if err != nil {
				num = len(steps) + 1
			}
			current = &Step{
				Number:      num,
				Description: strings.TrimSpace(desc),
				Confidence:  0.5,
			}
		case strings.HasPrefix(line, "Conclusion:"):
			if current != nil {
				current.Conclusion = strings.TrimSpace(strings.TrimPrefix(line, "Conclusion:"))
			}
		case strings.HasPrefix(line, "Confidence:"):
			if current == nil {
				continue
			}
			raw := strings.TrimSpace(strings.TrimPrefix(line, "Confidence:"))
			if c, err := strconv.ParseFloat(raw, 64); err == nil {
				if c < 0 {
					c = 0
				}
				if c > 1 {
					c = 1
				}
				current.Confidence = c
			}
		case strings.HasPrefix(line, "Evidence:"):
			if current == nil {
				continue
			}
			raw := strings.TrimSpace(strings.TrimPrefix(line, "Evidence:"))
			for _, item := range strings.Split(raw, ";") {
				if item = strings.TrimSpace(item); item != "" {
					current.Evidence = append(current.Evidence, item)
				}
			}
		case strings.HasPrefix(line, "Answer:"):
			flush()
			answer = strings.TrimSpace(strings.TrimPrefix(line, "Answer:"))
		}
	}
	flush()
	return steps, answer
}
