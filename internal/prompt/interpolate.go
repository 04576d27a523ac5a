package prompt

import (
	"fmt"
	"strings"
)

// MissingVariableError is returned when a template names a variable the
// caller did not supply.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing variable %q in prompt template", e.Name)
}

// Interpolate replaces {name} placeholders with values from vars. "{{" and
// "}}" produce literal braces. Text in braces that is not an identifier is
// kept as is.
func Interpolate(template string, vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(template))

	err := scanTemplate(template, func(literal string) {
		b.WriteString(literal)
	}, func(name string) error {
		value, ok := vars[name]
		if !ok {
			return &MissingVariableError{Name: name}
		}
		b.WriteString(value)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// Placeholders lists the distinct variable names a template references, in
// order of first use.
func Placeholders(template string) ([]string, error) {
	seen := make(map[string]bool)
	var names []string
	err := scanTemplate(template, func(string) {}, func(name string) error {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		return nil
	})
	return names, err
}

func scanTemplate(template string, literal func(string), variable func(string) error) error {
	for i := 0; i < len(template); {
		c := template[i]
		switch {
		case c == '{' && i+1 < len(template) && template[i+1] == '{':
			literal("{")
			i += 2
		case c == '}' && i+1 < len(template) && template[i+1] == '}':
			literal("}")
			i += 2
		case c == '{':
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				literal(template[i:])
				return nil
			}
			name := template[i+1 : i+1+end]
			if !isIdentifier(name) {
				literal("{")
				i++
				continue
			}
			if err := variable(name); err != nil {
				return err
			}
			i += end + 2
		default:
			next := strings.IndexAny(template[i:], "{}")
			if next < 0 {
				literal(template[i:])
				return nil
			}
			if next == 0 {
				// lone '}'
				literal("}")
				i++
				continue
			}
			literal(template[i : i+next])
			i += next
		}
	}
	return nil
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
