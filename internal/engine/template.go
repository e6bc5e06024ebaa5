package engine

import (
	"fmt"
	"strings"
)

// Template renders a system prompt and a user prompt into model input.
type Template struct {
	Name string
	// Stop holds the end-of-turn markers added to every request.
	Stop   []string
	render func(system, user string) string
}

// Render returns the prompt text for one turn.
func (t Template) Render(system, user string) string { return t.render(system, user) }

var templates = map[string]Template{
	"chatml": {
		Name: "chatml",
		Stop: []string{"<|im_end|>"},
		render: func(system, user string) string {
			var b strings.Builder
			if system != "" {
				b.WriteString("<|im_start|>system\n" + system + "<|im_end|>\n")
			}
			b.WriteString("<|im_start|>user\n" + user + "<|im_end|>\n<|im_start|>assistant\n")
			return b.String()
		},
	},
	"llama3": {
		Name: "llama3",
		Stop: []string{"<|eot_id|>"},
		render: func(system, user string) string {
			var b strings.Builder
			b.WriteString("<|begin_of_text|>")
			if system != "" {
				b.WriteString("<|start_header_id|>system<|end_header_id|>\n\n" + system + "<|eot_id|>")
			}
			b.WriteString("<|start_header_id|>user<|end_header_id|>\n\n" + user + "<|eot_id|>")
			b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
			return b.String()
		},
	},
	"plain": {
		Name: "plain",
		render: func(system, user string) string {
			if system == "" {
				return user
			}
			return system + "\n\n" + user
		},
	},
}

// LookupTemplate returns the named template; empty selects chatml.
func LookupTemplate(name string) (Template, error) {
	if name == "" {
		name = "chatml"
	}
	t, ok := templates[strings.ToLower(name)]
	if !ok {
		return Template{}, fmt.Errorf("unknown chat template %q", name)
	}
	return t, nil
}
