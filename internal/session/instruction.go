package session

import (
	"fmt"
	"strings"
)

// UserContext personalizes the system instruction for one session.
type UserContext struct {
	Name   string
	Memory []string
}

// BuildInstruction folds the user's name and remembered facts into base.
func BuildInstruction(base string, user UserContext) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))

	name := strings.TrimSpace(user.Name)
	if name != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "The user's name is %s.", name)
	}

	facts := make([]string, 0, len(user.Memory))
	for _, fact := range user.Memory {
		if fact = strings.TrimSpace(fact); fact != "" {
			facts = append(facts, fact)
		}
	}
	if len(facts) == 0 {
		return b.String()
	}

	label := "USER"
	if name != "" {
		label = strings.ToUpper(name)
	}
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "--- USER MEMORY %s ---\n", label)
	b.WriteString("The user asked you to remember the following facts:\n")
	for _, fact := range facts {
		b.WriteString("- ")
		b.WriteString(fact)
		b.WriteString("\n")
	}
	b.WriteString("Use this information when it is relevant to the conversation. Do not mention that you are using a memory unless asked about it.")
	return b.String()
}
